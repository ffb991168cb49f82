// Package mrad implements the persistent zone-control session: connect/init
// handshake, one-command-at-a-time serialization, a background reader that
// demultiplexes unsolicited StateChanged events from solicited command
// replies, and bounded automatic reconnect.
package mrad

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nuvogw/internal/codec"
	"nuvogw/internal/errs"
	"nuvogw/internal/eventbus"
	"nuvogw/internal/model"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	default:
		return "disconnected"
	}
}

// Config configures dial targets and timeouts. Zero-value fields fall back
// to package defaults.
type Config struct {
	Host              string
	Port              int
	DialTimeout       time.Duration // default 5s
	BannerTimeout     time.Duration // default 3s
	CommandTimeout    time.Duration // default 5s
	QuietTimeout      time.Duration // default 500ms
	ResponseQueueSize int           // practical bound on "unbounded" response queue; default 4096
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.BannerTimeout <= 0 {
		c.BannerTimeout = 3 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.QuietTimeout <= 0 {
		c.QuietTimeout = codec.DefaultQuietTimeout
	}
	if c.ResponseQueueSize <= 0 {
		c.ResponseQueueSize = 4096
	}
	return c
}

const maxXMLRetries = 3
const xmlRetrySpacing = 500 * time.Millisecond
const maxVolume = 79

// Client is a single persistent MRAD session. One Client owns exactly one
// connection.
type Client struct {
	cfg Config
	bus *eventbus.Bus

	// cmdMu is the global command mutex: acquired before the first write of a
	// command and held until the final reply byte is placed in the caller's
	// buffer. Commands never pipeline.
	cmdMu sync.Mutex

	// reconnectMu guarantees at most one reconnect attempt runs at a time.
	reconnectMu sync.Mutex

	// connMu protects conn/reader/state, which the background reader and
	// callers both touch outside of cmdMu's scope (e.g. on EOF).
	connMu       sync.Mutex
	conn         net.Conn
	reader       *bufio.Reader
	state        State
	cancelReader context.CancelFunc

	awaiting atomic.Bool
	lines    chan string

	banner string
}

// New returns a Client bound to cfg and publishing events to bus.
func New(cfg Config, bus *eventbus.Bus) *Client {
	cfg = cfg.withDefaults()
	return &Client{cfg: cfg, bus: bus, lines: make(chan string, cfg.ResponseQueueSize)}
}

// State returns the current connection lifecycle state.
func (c *Client) State() State {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.state
}

// Connected reports whether the session believes it has a live connection.
func (c *Client) Connected() bool { return c.State() == Ready }

// Connect dials, performs the wake-up/banner/init handshake, and starts the
// background reader.
func (c *Client) Connect(ctx context.Context) error {
	const op = "mrad.Connect"

	c.connMu.Lock()
	c.state = Connecting
	c.connMu.Unlock()

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port))
	if err != nil {
		c.setDisconnected()
		return errs.Wrap(errs.Unavailable, op, "dial failed", err)
	}

	reader := bufio.NewReader(conn)

	// Wake-up byte then CR; read the banner until BEL or bannerTimeout.
	if _, err := conn.Write([]byte("*\r")); err != nil {
		conn.Close()
		c.setDisconnected()
		return errs.Wrap(errs.Unavailable, op, "write wake-up failed", err)
	}
	conn.SetReadDeadline(time.Now().Add(c.cfg.BannerTimeout))
	banner, err := reader.ReadString('\a') // BEL = 0x07
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		// A missing/partial banner is tolerated; some devices omit it.
		slog.Warn("mrad banner read incomplete", "err", err)
	}
	c.banner = strings.TrimSpace(banner)

	// Drain any remaining buffered init lines (non-blocking best effort).
	drainBuffered(reader)

	c.connMu.Lock()
	c.conn = conn
	c.reader = reader
	c.connMu.Unlock()

	// Init batch: SetXMLMode Lists + SubscribeEvents smart. Sent directly;
	// acknowledgement is by absence of error.
	if err := c.writeLine(codec.EncodeCommand("SetXMLMode", "Lists")); err != nil {
		conn.Close()
		c.setDisconnected()
		return errs.Wrap(errs.Unavailable, op, "init SetXMLMode failed", err)
	}
	if err := c.writeLine(codec.EncodeCommand("SubscribeEvents", "smart")); err != nil {
		conn.Close()
		c.setDisconnected()
		return errs.Wrap(errs.Unavailable, op, "init SubscribeEvents failed", err)
	}

	readerCtx, cancel := context.WithCancel(context.Background())
	c.connMu.Lock()
	c.cancelReader = cancel
	c.state = Ready
	c.connMu.Unlock()

	go c.readLoop(readerCtx)

	return nil
}

func drainBuffered(r *bufio.Reader) {
	for {
		if r.Buffered() == 0 {
			return
		}
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
	}
}

func (c *Client) writeLine(data []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errs.New(errs.Unavailable, "mrad.write", "not connected")
	}
	_, err := conn.Write(data)
	return err
}

// setDisconnected marks the session down; it does not close the socket
// itself (callers that already have one open close it explicitly).
func (c *Client) setDisconnected() {
	c.connMu.Lock()
	c.state = Disconnected
	if c.cancelReader != nil {
		c.cancelReader()
		c.cancelReader = nil
	}
	c.conn = nil
	c.reader = nil
	c.connMu.Unlock()
}

// Close tears down the connection (process exit).
func (c *Client) Close() {
	c.connMu.Lock()
	conn := c.conn
	if c.cancelReader != nil {
		c.cancelReader()
		c.cancelReader = nil
	}
	c.conn = nil
	c.reader = nil
	c.state = Disconnected
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Reconnect re-enters the init sequence. Mutually exclusive with any other
// reconnect attempt.
func (c *Client) Reconnect(ctx context.Context) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	c.Close()
	return c.Connect(ctx)
}

// readLoop is the background reader.
func (c *Client) readLoop(ctx context.Context) {
	c.connMu.Lock()
	reader := c.reader
	c.connMu.Unlock()
	if reader == nil {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			slog.Info("mrad background reader exiting", "err", err)
			c.setDisconnected()
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "StateChanged") {
			ev, perr := codec.ParseEventLine(line, "mrad.readLoop")
			if perr != nil {
				slog.Warn("mrad framing error on event line", "line", line, "err", perr)
				continue
			}
			c.bus.Publish(model.StateChangeEvent{
				Target:    ev.Target,
				Property:  ev.Property,
				Value:     ev.Value,
				Timestamp: float64(time.Now().UnixNano()) / 1e9,
			})
			continue
		}

		if c.awaiting.Load() {
			select {
			case c.lines <- line:
			default:
				slog.Warn("mrad response queue full, dropping line", "line", line)
			}
			continue
		}
		// Unsolicited, non-event text (e.g. stray banner-like lines): discard.
	}
}

// nextLine implements codec.LineReader against the response queue.
func (c *Client) nextLine(ctx context.Context, timeout time.Duration) (string, bool, error) {
	select {
	case line := <-c.lines:
		return line, true, nil
	case <-time.After(timeout):
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// drainQueue discards any stale lines left in the response queue, e.g. a
// late reply that arrived after a prior command already timed out.
func (c *Client) drainQueue() {
	for {
		select {
		case <-c.lines:
		default:
			return
		}
	}
}

// execute runs one command end to end under the command mutex: ensure
// connected, write, await the framed reply, release. If not connected it
// attempts a single reconnect first; on failure the command fails
// Unavailable without ever sending anything.
func (c *Client) execute(ctx context.Context, op, name string, args ...string) (codec.Reply, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if !c.Connected() {
		if err := c.Reconnect(ctx); err != nil {
			return codec.Reply{}, errs.Wrap(errs.Unavailable, op, "reconnect failed", err)
		}
	}

	c.drainQueue()
	c.awaiting.Store(true)
	defer c.awaiting.Store(false)

	if err := c.writeLine(codec.EncodeCommand(name, args...)); err != nil {
		c.setDisconnected()
		return codec.Reply{}, errs.Wrap(errs.Unavailable, op, "write failed", err)
	}

	deadline := c.cfg.CommandTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remain := time.Until(dl); remain < deadline {
			deadline = remain
		}
	}

	reply, err := codec.ReadReply(ctx, c.nextLine, c.cfg.QuietTimeout, deadline, op)
	if err != nil {
		return reply, err
	}
	return reply, nil
}

// executeWithXMLRetry retries up to 3 times (500ms apart) when the expected
// XML root element is absent from the reply.
func (c *Client) executeWithXMLRetry(ctx context.Context, op, wantRoot, name string, args ...string) (codec.Reply, error) {
	var lastErr error
	for attempt := 0; attempt < maxXMLRetries; attempt++ {
		reply, err := c.execute(ctx, op, name, args...)
		if err != nil {
			return reply, err
		}
		if reply.XMLRoot == wantRoot {
			return reply, nil
		}
		lastErr = errs.New(errs.Framing, op, "expected <"+wantRoot+"> root, absent from reply")
		select {
		case <-time.After(xmlRetrySpacing):
		case <-ctx.Done():
			return reply, errs.Wrap(errs.Timeout, op, "context done while retrying", ctx.Err())
		}
	}
	return codec.Reply{}, lastErr
}

// BrowseZones fetches the zone list then calls GetStatus to populate
// volume/mute/power/max_volume/party_mode. The two commands take the command
// mutex separately, so another caller's command can run between them.
func (c *Client) BrowseZones(ctx context.Context) ([]model.Zone, error) {
	const op = "mrad.BrowseZones"
	reply, err := c.executeWithXMLRetry(ctx, op, "Zones", "BrowseZones")
	if err != nil {
		return nil, err
	}
	zones, err := codec.ParseZones(reply.Text(), op)
	if err != nil {
		return nil, err
	}

	status, err := c.getStatus(ctx, op)
	if err != nil {
		return zones, err
	}
	applyZoneStatus(zones, status)
	return zones, nil
}

// BrowseSources fetches the source list.
func (c *Client) BrowseSources(ctx context.Context) ([]model.Source, error) {
	const op = "mrad.BrowseSources"
	reply, err := c.executeWithXMLRetry(ctx, op, "Sources", "BrowseSources")
	if err != nil {
		return nil, err
	}
	return codec.ParseSources(reply.Text(), op)
}

// statusFields accumulates ReportState lines across a GetStatus reply,
// keyed by "<target>.<property>".
type statusFields map[string]string

func (c *Client) getStatus(ctx context.Context, op string) (statusFields, error) {
	reply, err := c.execute(ctx, op, "GetStatus")
	if err != nil {
		return nil, err
	}
	fields := statusFields{}
	for _, line := range reply.Lines {
		ev, perr := codec.ParseEventLine(line, op)
		if perr != nil {
			continue // framing errors on individual lines are tolerated
		}
		fields[ev.Target+"."+ev.Property] = ev.Value
	}
	return fields, nil
}

// GetStatus is the public op returning zones (with their per-zone status)
// and sources, composed from BrowseZones and BrowseSources. The device-level
// fields of SystemStatus (AllMute, AllOff, ActiveZone, ActiveSource, Model,
// Firmware) are not filled in and stay at their zero values.
func (c *Client) GetStatus(ctx context.Context) (model.SystemStatus, error) {
	zones, err := c.BrowseZones(ctx)
	if err != nil {
		return model.SystemStatus{}, err
	}
	sources, err := c.BrowseSources(ctx)
	if err != nil {
		return model.SystemStatus{}, err
	}
	return model.SystemStatus{Zones: zones, Sources: sources}, nil
}

func applyZoneStatus(zones []model.Zone, fields statusFields) {
	for i := range zones {
		z := &zones[i]
		if v, ok := fields[z.SymbolicID+".Volume"]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				z.Volume = n
			}
		}
		if v, ok := fields[z.SymbolicID+".Mute"]; ok {
			z.Mute = codec.AsBool(v)
		}
		if v, ok := fields[z.SymbolicID+".Power"]; ok {
			z.IsOn = codec.AsBool(v)
		}
		if v, ok := fields[z.SymbolicID+".MaxVolume"]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				z.MaxVolume = n
			}
		} else if z.MaxVolume == 0 {
			z.MaxVolume = model.DefaultMaxVolume
		}
		if v, ok := fields[z.SymbolicID+".PartyMode"]; ok {
			z.PartyRole = model.PartyRole(v)
		}
	}
}

// SetZone selects guid as the active zone for subsequent implicit-zone ops.
func (c *Client) SetZone(ctx context.Context, guid string) error {
	_, err := c.execute(ctx, "mrad.SetZone", "setZone", guid)
	return err
}

// SetSource assigns sourceGUID to the currently selected zone.
func (c *Client) SetSource(ctx context.Context, sourceGUID string) error {
	_, err := c.execute(ctx, "mrad.SetSource", "setSource", sourceGUID)
	return err
}

// Power turns zone n on or off.
func (c *Client) Power(ctx context.Context, n int, on bool) error {
	state := "Off"
	if on {
		state = "On"
	}
	_, err := c.execute(ctx, "mrad.Power", "Power", state, strconv.Itoa(n))
	return err
}

// Volume validates 0<=v<=max_volume locally before ever touching the wire.
func (c *Client) Volume(ctx context.Context, n, v int) error {
	const op = "mrad.Volume"
	if v < 0 || v > maxVolume {
		return errs.New(errs.InvalidArgument, op, fmt.Sprintf("volume %d out of range [0,%d]", v, maxVolume))
	}
	_, err := c.execute(ctx, op, "Volume", strconv.Itoa(v), strconv.Itoa(n))
	return err
}

// ToggleMute toggles mute for zone n.
func (c *Client) ToggleMute(ctx context.Context, n int) error {
	_, err := c.execute(ctx, "mrad.ToggleMute", "Mute", "Toggle", strconv.Itoa(n))
	return err
}

// TogglePartyMode toggles party mode device-wide.
func (c *Client) TogglePartyMode(ctx context.Context) error {
	_, err := c.execute(ctx, "mrad.TogglePartyMode", "PartyMode", "Toggle")
	return err
}

// AllOff turns every zone off.
func (c *Client) AllOff(ctx context.Context) error {
	_, err := c.execute(ctx, "mrad.AllOff", "AllOff")
	return err
}

// Banner returns the connection banner observed at connect time, if any.
func (c *Client) Banner() string { return c.banner }
