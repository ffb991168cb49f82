// Package broadcast pushes device state-change events to external websocket
// subscribers as a canonical JSON envelope.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"nuvogw/internal/eventbus"
	"nuvogw/internal/model"
)

// sendTimeout is the write deadline for each envelope written to a
// subscriber's websocket; a write that misses it detaches the subscriber.
const sendTimeout = 1 * time.Second

// detachTimeout is the longest a subscriber may go without accepting an
// event before it is forcibly detached.
const detachTimeout = 1 * time.Second

// Envelope is the wire shape pushed to every subscriber.
type Envelope struct {
	Type      string      `json:"type"`
	Target    string      `json:"target"`
	Property  string      `json:"property"`
	Value     interface{} `json:"value"`
	Timestamp float64     `json:"timestamp"`
}

func envelopeFor(ev model.StateChangeEvent) Envelope {
	return Envelope{
		Type:      "state_change",
		Target:    ev.Target,
		Property:  ev.Property,
		Value:     ev.Value,
		Timestamp: ev.Timestamp,
	}
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan Envelope
	done chan struct{}
}

// Broadcaster fans out events published to a Bus onto websocket connections.
type Broadcaster struct {
	bus      *eventbus.Bus
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]*subscriber

	busHandle eventbus.Handle
}

// New creates a Broadcaster bound to bus. Call Subscribe to start fan-out.
func New(bus *eventbus.Bus) *Broadcaster {
	b := &Broadcaster{
		bus:  bus,
		subs: make(map[string]*subscriber),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	b.busHandle = bus.Subscribe(eventbus.SyncCallback(b.fanOut))
	return b
}

// Close stops fan-out and detaches every subscriber.
func (b *Broadcaster) Close() {
	b.bus.Unsubscribe(b.busHandle)
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()
	for _, s := range subs {
		b.detach(s)
	}
}

// Register binds the push endpoint on an Echo router.
func (b *Broadcaster) Register(e *echo.Echo) {
	e.GET("/events", b.HandleWebSocket)
}

// HandleWebSocket upgrades one request into a push subscriber; it serves
// until the connection drops and does not read application messages from
// the caller (this is a one-way push channel).
func (b *Broadcaster) HandleWebSocket(c echo.Context) error {
	remote := c.RealIP()
	conn, err := b.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("broadcast upgrade failed", "remote", remote, "err", err)
		return err
	}

	sub := &subscriber{
		id:   remote + "-" + time.Now().UTC().Format(time.RFC3339Nano),
		conn: conn,
		send: make(chan Envelope, eventbus.DefaultQueueDepth),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	slog.Info("broadcast subscriber attached", "remote", remote)
	b.serve(sub)
	return nil
}

func (b *Broadcaster) serve(sub *subscriber) {
	defer func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
		sub.conn.Close()
	}()

	// Drain and discard anything the caller sends; this keeps the
	// connection's read side alive so pings/closes are observed, without
	// accepting any inbound command semantics on this channel.
	go func() {
		for {
			if _, _, err := sub.conn.ReadMessage(); err != nil {
				// detach may already have closed done before closing the conn.
				select {
				case <-sub.done:
				default:
					close(sub.done)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-sub.done:
			return
		case env := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := sub.conn.WriteJSON(env); err != nil {
				slog.Debug("broadcast write failed, detaching", "id", sub.id, "err", err)
				return
			}
		}
	}
}

func (b *Broadcaster) fanOut(ev model.StateChangeEvent) {
	env := envelopeFor(ev)

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.send <- env:
		case <-time.After(detachTimeout):
			slog.Warn("broadcast subscriber too slow, detaching", "id", s.id)
			b.detach(s)
		case <-s.done:
		}
	}
}

func (b *Broadcaster) detach(s *subscriber) {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.conn.Close()
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
}

// MarshalEnvelope is exposed for callers (e.g. tests, or alternate
// transports) that need the wire bytes without a live websocket.
func MarshalEnvelope(ev model.StateChangeEvent) ([]byte, error) {
	return json.Marshal(envelopeFor(ev))
}
