package mrad

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"nuvogw/internal/errs"
	"nuvogw/internal/eventbus"
	"nuvogw/internal/model"
)

// fakeDevice drives one side of a net.Pipe as if it were the zone
// controller, letting a test script canned replies for each incoming
// command.
type fakeDevice struct {
	conn net.Conn
	r    *bufio.Reader
}

func newFakeDevicePair() (clientConn net.Conn, dev *fakeDevice) {
	server, client := net.Pipe()
	return client, &fakeDevice{conn: server, r: bufio.NewReader(server)}
}

// readCommand reads one CR-terminated command line (strips trailing CR).
func (d *fakeDevice) readCommand() string {
	line, err := d.r.ReadString('\r')
	if err != nil {
		return ""
	}
	return strings.TrimRight(line, "\r")
}

func (d *fakeDevice) reply(lines ...string) {
	for _, l := range lines {
		d.conn.Write([]byte(l + "\r\n"))
	}
}

func (d *fakeDevice) sendEvent(target, property, value string) {
	d.conn.Write([]byte("StateChanged " + target + " " + property + "=" + value + "\r\n"))
}

func (d *fakeDevice) close() { d.conn.Close() }

// attach wires an already-connected net.Conn (e.g. one side of a net.Pipe)
// into a Client as Ready and starts the background reader, bypassing the
// dial/banner handshake that Connect performs (net.Pipe has no dialer).
func attach(c *Client, conn net.Conn) {
	reader := bufio.NewReader(conn)
	ctx, cancel := context.WithCancel(context.Background())

	c.connMu.Lock()
	c.conn = conn
	c.reader = reader
	c.state = Ready
	c.cancelReader = cancel
	c.connMu.Unlock()

	go c.readLoop(ctx)
}

func dialFakeClient(clientConn net.Conn) *Client {
	bus := eventbus.New(8)
	c := New(Config{CommandTimeout: 2 * time.Second, QuietTimeout: 30 * time.Millisecond}, bus)
	attach(c, clientConn)
	return c
}

func TestMRADBrowseZonesRoundTrip(t *testing.T) {
	clientConn, dev := newFakeDevicePair()
	defer dev.close()
	c := dialFakeClient(clientConn)

	go func() {
		cmd := dev.readCommand()
		if !strings.HasPrefix(cmd, "BrowseZones") {
			t.Errorf("got command %q, want BrowseZones", cmd)
		}
		dev.reply(`<Zones total="2">`, `<Zone guid="g1" id="Zone_1" name="Den" number="1" on="True"/>`, `<Zone guid="g3" id="Zone_3" name="Kitchen" number="3" on="False"/>`, `</Zones>`)
		cmd = dev.readCommand()
		if !strings.HasPrefix(cmd, "GetStatus") {
			t.Errorf("got command %q, want GetStatus", cmd)
		}
		dev.reply("ReportState Zone_1 Volume=42", "ReportState Zone_1 Mute=False", "Ok")
	}()

	zones, err := c.BrowseZones(context.Background())
	if err != nil {
		t.Fatalf("BrowseZones: %v", err)
	}
	if len(zones) != 2 {
		t.Fatalf("got %d zones, want 2", len(zones))
	}
	if zones[0].Name != "Den" || zones[0].Volume != 42 {
		t.Fatalf("got %+v", zones[0])
	}
	if zones[1].IsOn {
		t.Fatalf("expected zone 3 off, got %+v", zones[1])
	}
}

func TestMRADVolumeRejectsOutOfRangeWithoutWireTraffic(t *testing.T) {
	clientConn, dev := newFakeDevicePair()
	defer dev.close()
	c := dialFakeClient(clientConn)

	wireHit := make(chan struct{}, 1)
	go func() {
		if cmd := dev.readCommand(); cmd != "" {
			wireHit <- struct{}{}
		}
	}()

	err := c.Volume(context.Background(), 1, 200)
	if errs.KindOf(err) != errs.InvalidArgument {
		t.Fatalf("got err %v, want InvalidArgument", err)
	}

	select {
	case <-wireHit:
		t.Fatal("volume validation should not touch the wire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMRADEventsRoutedToBusNotCommandQueue(t *testing.T) {
	clientConn, dev := newFakeDevicePair()
	defer dev.close()

	bus := eventbus.New(8)
	c := New(Config{CommandTimeout: 2 * time.Second, QuietTimeout: 30 * time.Millisecond}, bus)
	attach(c, clientConn)

	got := make(chan model.StateChangeEvent, 1)
	bus.Subscribe(eventbus.SyncCallback(func(ev model.StateChangeEvent) {
		got <- ev
	}))

	dev.sendEvent("Zone_2", "Volume", "37")

	select {
	case ev := <-got:
		if ev.Target != "Zone_2" || ev.Property != "Volume" || ev.Value != "37" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on bus")
	}
}

func TestMRADCommandMutexSerializesConcurrentCallers(t *testing.T) {
	clientConn, dev := newFakeDevicePair()
	defer dev.close()
	c := dialFakeClient(clientConn)

	var seen []string
	var mu sync.Mutex
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		for i := 0; i < 2; i++ {
			cmd := dev.readCommand()
			mu.Lock()
			seen = append(seen, cmd)
			mu.Unlock()
			dev.reply("Ok")
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Power(context.Background(), 1, true)
	}()
	go func() {
		defer wg.Done()
		c.Power(context.Background(), 2, false)
	}()
	wg.Wait()
	<-serverDone

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("got %d commands, want 2 (no interleaving corruption)", len(seen))
	}
}
