// Package mcs implements the media-control session: stateful instance
// selection, a synchronous request/response cycle with no background
// listener, and a self-healing reconnect with device-mandated settle and
// stabilize delays.
package mcs

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"nuvogw/internal/codec"
	"nuvogw/internal/errs"
	"nuvogw/internal/model"
)

// Config configures dial targets, timeouts, and the device-mandated
// reconnect delays.
type Config struct {
	Host              string
	Port              int
	LocalIP           string // reported via SetHost during init
	ClientName        string // reported via SetClientType
	DialTimeout       time.Duration // default 5s
	CommandTimeout    time.Duration // default 10s
	QuietTimeout      time.Duration // default 500ms
	InitDrainPerStep  time.Duration // default 200ms
	ReconnectSettle   time.Duration // default 3s
	ReconnectStabilize time.Duration // default 3s
	WriterCloseTimeout time.Duration // default 2s
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 5004
	}
	if c.ClientName == "" {
		c.ClientName = "nuvogw"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.QuietTimeout <= 0 {
		c.QuietTimeout = codec.DefaultQuietTimeout
	}
	if c.InitDrainPerStep <= 0 {
		c.InitDrainPerStep = 200 * time.Millisecond
	}
	if c.ReconnectSettle <= 0 {
		c.ReconnectSettle = 3 * time.Second
	}
	if c.ReconnectStabilize <= 0 {
		c.ReconnectStabilize = 3 * time.Second
	}
	if c.WriterCloseTimeout <= 0 {
		c.WriterCloseTimeout = 2 * time.Second
	}
	return c
}

const maxInitDrainLines = 20

// Client is a single MCS session to one Music Server control port.
type Client struct {
	cfg Config

	cmdMu       sync.Mutex
	reconnectMu sync.Mutex

	connMu   sync.Mutex
	conn     net.Conn
	reader   *bufio.Reader
	connected bool

	currentInstance string // guarded by cmdMu: only ever touched while it's held
}

// New returns a disconnected Client bound to cfg.
func New(cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults()}
}

// Connected reports whether the session believes it has a live connection.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

// CurrentInstance returns the last instance successfully selected via
// SetInstance, or "" if none.
func (c *Client) CurrentInstance() string {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.currentInstance
}

// Connect dials and runs the init sequence: SetHost, SetXMLMode, SetClientType,
// SetEncoding, SetPickListCount. Each step drains response lines for up to
// InitDrainPerStep, bounded to maxInitDrainLines total across the whole init.
func (c *Client) Connect(ctx context.Context) error {
	const op = "mcs.Connect"
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port))
	if err != nil {
		return errs.Wrap(errs.Unavailable, op, "dial failed", err)
	}
	reader := bufio.NewReader(conn)

	c.connMu.Lock()
	c.conn = conn
	c.reader = reader
	c.connMu.Unlock()

	initCmds := [][]string{
		{"SetHost", c.cfg.LocalIP},
		{"SetXMLMode", "Lists"},
		{"SetClientType", `"` + c.cfg.ClientName + `"`},
		{"SetEncoding", "65001"},
		{"SetPickListCount", "100"},
	}

	totalDrained := 0
	for _, cmd := range initCmds {
		if err := c.writeRaw(codec.EncodeCommandCRLF(cmd[0], cmd[1:]...)); err != nil {
			conn.Close()
			c.markDisconnected()
			return errs.Wrap(errs.Unavailable, op, "init command failed: "+cmd[0], err)
		}
		n := drainFor(conn, reader, c.cfg.InitDrainPerStep, maxInitDrainLines-totalDrained)
		totalDrained += n
		if totalDrained >= maxInitDrainLines {
			break
		}
	}

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()
	return nil
}

// drainFor reads up to max lines from r, stopping early once window elapses
// with no new line available. The wait uses a read deadline on conn, so no
// read is left pending on r once drainFor returns.
func drainFor(conn net.Conn, r *bufio.Reader, window time.Duration, max int) int {
	if max <= 0 {
		return 0
	}
	defer conn.SetReadDeadline(time.Time{})
	n := 0
	for n < max {
		conn.SetReadDeadline(time.Now().Add(window))
		if _, err := r.ReadString('\n'); err != nil {
			return n
		}
		n++
	}
	return n
}

func (c *Client) writeRaw(data []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errs.New(errs.Unavailable, "mcs.write", "not connected")
	}
	_, err := conn.Write(data)
	return err
}

func (c *Client) markDisconnected() {
	c.connMu.Lock()
	c.connected = false
	c.conn = nil
	c.reader = nil
	c.connMu.Unlock()
}

// Close tears down the session without running the reconnect policy.
func (c *Client) Close() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.reader = nil
	c.connected = false
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// reconnect implements the device-mandated reconnect policy: close writer
// (bounded), null handles, sleep settle, reconnect, sleep stabilize, replay
// the cached instance if one was selected. Guarded by reconnectMu so only
// one reconnect runs at a time; concurrent callers collapse onto it.
func (c *Client) reconnect(ctx context.Context) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	closeDone := make(chan struct{})
	go func() {
		c.Close()
		close(closeDone)
	}()
	select {
	case <-closeDone:
	case <-time.After(c.cfg.WriterCloseTimeout):
		slog.Warn("mcs writer close exceeded timeout, proceeding anyway")
	}

	slog.Info("mcs reconnect: settling", "duration", c.cfg.ReconnectSettle)
	select {
	case <-time.After(c.cfg.ReconnectSettle):
	case <-ctx.Done():
		return errs.Wrap(errs.Timeout, "mcs.reconnect", "context done during settle", ctx.Err())
	}

	if err := c.Connect(ctx); err != nil {
		return err
	}

	slog.Info("mcs reconnect: stabilizing", "duration", c.cfg.ReconnectStabilize)
	select {
	case <-time.After(c.cfg.ReconnectStabilize):
	case <-ctx.Done():
		return errs.Wrap(errs.Timeout, "mcs.reconnect", "context done during stabilize", ctx.Err())
	}

	if c.currentInstance != "" {
		if err := c.writeRaw(codec.EncodeCommandCRLF("SetInstance", c.currentInstance)); err != nil {
			return errs.Wrap(errs.Unavailable, "mcs.reconnect", "failed to replay SetInstance", err)
		}
		codec.ReadReply(ctx, c.nextLine, c.cfg.QuietTimeout, c.cfg.CommandTimeout, "mcs.reconnect.replaySetInstance")
	}
	return nil
}

// nextLine implements codec.LineReader by reading directly off the socket;
// MCS has no background reader, so each command reads its own reply inline.
func (c *Client) nextLine(ctx context.Context, timeout time.Duration) (string, bool, error) {
	c.connMu.Lock()
	reader := c.reader
	conn := c.conn
	c.connMu.Unlock()
	if reader == nil || conn == nil {
		return "", false, errs.New(errs.Unavailable, "mcs.read", "not connected")
	}

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		l, err := reader.ReadString('\n')
		ch <- result{l, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return "", false, errs.Wrap(errs.Unavailable, "mcs.read", "read error", res.err)
		}
		return strings.TrimRight(res.line, "\r\n"), true, nil
	case <-time.After(timeout):
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// flushStale discards any bytes already buffered before a command is sent,
// so a late reply from a previously timed-out command can't be mistaken for
// the next command's reply.
func (c *Client) flushStale() {
	c.connMu.Lock()
	reader := c.reader
	c.connMu.Unlock()
	if reader == nil {
		return
	}
	for reader.Buffered() > 0 {
		if _, err := reader.ReadString('\n'); err != nil {
			return
		}
	}
}

// execute runs one command under the command mutex, with exactly one
// reconnect-then-retry on a connection-class failure.
func (c *Client) execute(ctx context.Context, op, name string, args ...string) (codec.Reply, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if !c.Connected() {
		if err := c.reconnect(ctx); err != nil {
			return codec.Reply{}, errs.Wrap(errs.Unavailable, op, "reconnect failed", err)
		}
	}

	reply, err := c.executeOnce(ctx, op, name, args...)
	if err != nil && errs.KindOf(err) == errs.Unavailable {
		if rerr := c.reconnect(ctx); rerr != nil {
			return codec.Reply{}, errs.Wrap(errs.Unavailable, op, "reconnect after failure failed", rerr)
		}
		return c.executeOnce(ctx, op, name, args...)
	}
	return reply, err
}

func (c *Client) executeOnce(ctx context.Context, op, name string, args ...string) (codec.Reply, error) {
	c.flushStale()
	if err := c.writeRaw(codec.EncodeCommandCRLF(name, args...)); err != nil {
		c.markDisconnected()
		return codec.Reply{}, errs.Wrap(errs.Unavailable, op, "write failed", err)
	}
	deadline := c.cfg.CommandTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remain := time.Until(dl); remain < deadline {
			deadline = remain
		}
	}
	return codec.ReadReply(ctx, c.nextLine, c.cfg.QuietTimeout, deadline, op)
}

// setCurrentInstance updates the cache; callers already hold cmdMu via execute.
func (c *Client) setCurrentInstance(name string) { c.currentInstance = name }

// BrowseInstances lists available Music Server instance names.
func (c *Client) BrowseInstances(ctx context.Context) ([]string, error) {
	const op = "mcs.BrowseInstances"
	reply, err := c.execute(ctx, op, "BrowseInstancesEX")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, l := range reply.Lines {
		if idx := strings.Index(l, `name="`); idx >= 0 {
			rest := l[idx+len(`name="`):]
			if end := strings.IndexByte(rest, '"'); end >= 0 {
				names = append(names, rest[:end])
			}
		}
	}
	return names, nil
}

// SetInstance selects the Music Server instance to control. The cache is
// updated only after the device confirms success.
func (c *Client) SetInstance(ctx context.Context, name string) error {
	const op = "mcs.SetInstance"
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if !c.Connected() {
		if err := c.reconnect(ctx); err != nil {
			return errs.Wrap(errs.Unavailable, op, "reconnect failed", err)
		}
	}
	_, err := c.executeOnce(ctx, op, "SetInstance", name)
	if err != nil {
		if errs.KindOf(err) == errs.Unavailable {
			if rerr := c.reconnect(ctx); rerr != nil {
				return errs.Wrap(errs.Unavailable, op, "reconnect after failure failed", rerr)
			}
			if _, err = c.executeOnce(ctx, op, "SetInstance", name); err != nil {
				return err
			}
		} else {
			return err
		}
	}
	c.setCurrentInstance(name)
	return nil
}

func (c *Client) browsePickList(ctx context.Context, op, command string, args ...string) ([]model.PickListItem, error) {
	reply, err := c.execute(ctx, op, command, args...)
	if err != nil {
		return nil, err
	}
	return codec.ParsePickList(reply.Text(), op)
}

// BrowseRadioStations returns the station-shape pick list.
func (c *Client) BrowseRadioStations(ctx context.Context) ([]model.PickListItem, error) {
	return c.browsePickList(ctx, "mcs.BrowseRadioStations", "BrowseRadioStations")
}

// BrowseAlbums returns the album-shape pick list.
func (c *Client) BrowseAlbums(ctx context.Context) ([]model.PickListItem, error) {
	return c.browsePickList(ctx, "mcs.BrowseAlbums", "BrowseAlbums")
}

// BrowseArtists returns the artist-shape pick list.
func (c *Client) BrowseArtists(ctx context.Context) ([]model.PickListItem, error) {
	return c.browsePickList(ctx, "mcs.BrowseArtists", "BrowseArtists")
}

// BrowseAlbumTitles returns the title-shape pick list for an album GUID.
func (c *Client) BrowseAlbumTitles(ctx context.Context, albumGUID string) ([]model.PickListItem, error) {
	return c.browsePickList(ctx, "mcs.BrowseAlbumTitles", "BrowseAlbumTitles", albumGUID)
}

// BrowseNowPlaying returns the current queue's pick list.
func (c *Client) BrowseNowPlaying(ctx context.Context) ([]model.PickListItem, error) {
	return c.browsePickList(ctx, "mcs.BrowseNowPlaying", "BrowseNowPlaying")
}

// PlayRadioStation plays a station by GUID.
func (c *Client) PlayRadioStation(ctx context.Context, guid string) error {
	_, err := c.execute(ctx, "mcs.PlayRadioStation", "PlayRadioStation", guid)
	return err
}

// PlayAlbum plays an album by GUID.
func (c *Client) PlayAlbum(ctx context.Context, guid string) error {
	_, err := c.execute(ctx, "mcs.PlayAlbum", "PlayAlbum", guid)
	return err
}

// PlayArtist plays an artist by GUID.
func (c *Client) PlayArtist(ctx context.Context, guid string) error {
	_, err := c.execute(ctx, "mcs.PlayArtist", "PlayArtist", guid)
	return err
}

// PlayTitle plays a title by GUID.
func (c *Client) PlayTitle(ctx context.Context, guid string) error {
	_, err := c.execute(ctx, "mcs.PlayTitle", "PlayTitle", guid)
	return err
}

// PlayAllMusic starts whole-library playback.
func (c *Client) PlayAllMusic(ctx context.Context) error {
	_, err := c.execute(ctx, "mcs.PlayAllMusic", "PlayAllMusic")
	return err
}

// AckPickItem selects the item at index from the last browse.
func (c *Client) AckPickItem(ctx context.Context, index int) error {
	_, err := c.execute(ctx, "mcs.AckPickItem", "AckPickItem", strconv.Itoa(index))
	return err
}

// JumpToNowPlayingItem moves playback to the item at index in the now-playing
// queue.
func (c *Client) JumpToNowPlayingItem(ctx context.Context, index int) error {
	_, err := c.execute(ctx, "mcs.JumpToNowPlayingItem", "JumpToNowPlayingItem", strconv.Itoa(index))
	return err
}

// AddToQueue appends guid to the now-playing queue without interrupting
// current playback.
func (c *Client) AddToQueue(ctx context.Context, guid string) error {
	_, err := c.execute(ctx, "mcs.AddToQueue", "AddToQueue", guid)
	return err
}

// AddListToQueue appends the entire current pick list to the now-playing
// queue.
func (c *Client) AddListToQueue(ctx context.Context) error {
	_, err := c.execute(ctx, "mcs.AddListToQueue", "AddListToQueue")
	return err
}

// ClearNowPlaying empties the now-playing queue.
func (c *Client) ClearNowPlaying(ctx context.Context) error {
	_, err := c.execute(ctx, "mcs.ClearNowPlaying", "ClearNowPlaying")
	return err
}

// RemoveNowPlayingItem removes the item at index from the now-playing queue.
func (c *Client) RemoveNowPlayingItem(ctx context.Context, index int) error {
	_, err := c.execute(ctx, "mcs.RemoveNowPlayingItem", "RemoveNowPlayingItem", strconv.Itoa(index))
	return err
}

// SavePlaylist saves the current now-playing queue as a playlist named name.
func (c *Client) SavePlaylist(ctx context.Context, name string) error {
	_, err := c.execute(ctx, "mcs.SavePlaylist", "SavePlaylist", name)
	return err
}

// SetRadioFilter sets the text search filter on the radio station list; text
// is base64-encoded on the wire.
func (c *Client) SetRadioFilter(ctx context.Context, text string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	_, err := c.execute(ctx, "mcs.SetRadioFilter", "SetRadioFilter", encoded)
	return err
}

// GetStatus returns the selected instance's playback status.
func (c *Client) GetStatus(ctx context.Context) (model.MCSStatus, error) {
	const op = "mcs.GetStatus"
	reply, err := c.execute(ctx, op, "GetStatus")
	if err != nil {
		return model.MCSStatus{}, err
	}
	status := model.MCSStatus{}
	for _, line := range reply.Lines {
		ev, perr := codec.ParseMCSReportState(line, op)
		if perr != nil {
			continue
		}
		switch ev.Property {
		case "Volume":
			if n, err := strconv.Atoi(ev.Value); err == nil {
				status.Volume = n
			}
		case "Mute":
			status.Mute = codec.AsBool(ev.Value)
		case "PlayState":
			status.PlayState = ev.Value
		case "TrackName":
			status.NowPlaying.Track = ev.Value
		case "ArtistName":
			status.NowPlaying.Artist = ev.Value
		case "AlbumName":
			status.NowPlaying.Album = ev.Value
		case "StationName":
			status.NowPlaying.Station = ev.Value
		case "ServerName":
			status.ServerName = ev.Value
		case "InstanceName":
			status.InstanceName = ev.Value
		case "Running":
			status.Running = codec.AsBool(ev.Value)
		case "SupportedAudioTypes":
			status.SupportedAudioTypes = strings.Split(ev.Value, ",")
		}
	}
	return status, nil
}
