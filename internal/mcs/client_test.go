package mcs

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeMCSServer accepts real TCP connections so Connect's dial and reconnect's
// re-dial both exercise genuine socket semantics (unlike net.Pipe, which has
// no independent listener to redial against).
type fakeMCSServer struct {
	ln     net.Listener
	connCh chan net.Conn
}

func newFakeMCSServer(t *testing.T) *fakeMCSServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeMCSServer{ln: ln, connCh: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.connCh <- conn
		}
	}()
	return s
}

func (s *fakeMCSServer) port() int { return s.ln.Addr().(*net.TCPAddr).Port }
func (s *fakeMCSServer) close()    { s.ln.Close() }

func (s *fakeMCSServer) nextConn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-s.connCh:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

// driveInit reads and acknowledges the five init commands Connect sends.
func driveInit(t *testing.T, r *bufio.Reader, conn net.Conn) {
	t.Helper()
	for i := 0; i < 5; i++ {
		if _, err := r.ReadString('\n'); err != nil {
			t.Fatalf("init read %d: %v", i, err)
		}
		conn.Write([]byte("Ok\r\n"))
	}
}

// attachMCS wires an already-connected net.Conn into a Client as Connected,
// bypassing Connect's dial and init sequence for tests that only exercise
// command execution.
func attachMCS(c *Client, conn net.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.connected = true
	c.connMu.Unlock()
}

func TestMCSConnectRunsInitSequence(t *testing.T) {
	srv := newFakeMCSServer(t)
	defer srv.close()

	c := New(Config{Host: "127.0.0.1", Port: srv.port(), InitDrainPerStep: 100 * time.Millisecond})

	serverDone := make(chan []string, 1)
	go func() {
		conn := srv.nextConn(t)
		defer conn.Close()
		r := bufio.NewReader(conn)
		var cmds []string
		for i := 0; i < 5; i++ {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmds = append(cmds, strings.TrimRight(line, "\r\n"))
			conn.Write([]byte("Ok\r\n"))
		}
		serverDone <- cmds
	}()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.Connected() {
		t.Fatal("expected Connected() true after successful init")
	}

	select {
	case cmds := <-serverDone:
		wantPrefix := []string{"SetHost", "SetXMLMode Lists", "SetClientType", "SetEncoding 65001", "SetPickListCount 100"}
		if len(cmds) != len(wantPrefix) {
			t.Fatalf("got %d init commands, want %d: %v", len(cmds), len(wantPrefix), cmds)
		}
		for i, want := range wantPrefix {
			if !strings.HasPrefix(cmds[i], want) {
				t.Errorf("init command %d: got %q, want prefix %q", i, cmds[i], want)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the full init sequence")
	}
}

func TestMCSSetInstanceCachedAndReplayedAfterReconnect(t *testing.T) {
	srv := newFakeMCSServer(t)
	defer srv.close()

	cfg := Config{
		Host:               "127.0.0.1",
		Port:               srv.port(),
		InitDrainPerStep:   50 * time.Millisecond,
		CommandTimeout:     time.Second,
		QuietTimeout:       30 * time.Millisecond,
		ReconnectSettle:    10 * time.Millisecond,
		ReconnectStabilize: 10 * time.Millisecond,
		WriterCloseTimeout: 200 * time.Millisecond,
	}
	c := New(cfg)

	firstConn := make(chan net.Conn, 1)
	go func() {
		conn := srv.nextConn(t)
		r := bufio.NewReader(conn)
		driveInit(t, r, conn)
		line, err := r.ReadString('\n')
		if err != nil || !strings.HasPrefix(strings.TrimSpace(line), "SetInstance Den") {
			t.Errorf("got %q, %v, want SetInstance Den", line, err)
		}
		conn.Write([]byte("Ok\r\n"))
		firstConn <- conn
	}()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.SetInstance(context.Background(), "Den"); err != nil {
		t.Fatalf("SetInstance: %v", err)
	}
	if c.CurrentInstance() != "Den" {
		t.Fatalf("CurrentInstance = %q, want Den", c.CurrentInstance())
	}

	conn1 := <-firstConn
	conn1.Close() // simulate the device dropping the session mid-idle

	secondDone := make(chan string, 1)
	go func() {
		conn := srv.nextConn(t)
		defer conn.Close()
		r := bufio.NewReader(conn)
		driveInit(t, r, conn)
		line, err := r.ReadString('\n')
		if err != nil {
			secondDone <- ""
			return
		}
		conn.Write([]byte("Ok\r\n"))
		secondDone <- strings.TrimSpace(line)
	}()

	// Any command issued against the now-dead first connection should
	// trigger exactly one reconnect, which redials and replays SetInstance
	// before the command itself is retried.
	_, _ = c.GetStatus(context.Background())

	select {
	case cmd := <-secondDone:
		if !strings.HasPrefix(cmd, "SetInstance Den") {
			t.Fatalf("expected the reconnect to replay SetInstance Den, got %q", cmd)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect never replayed SetInstance on the new connection")
	}

	if c.CurrentInstance() != "Den" {
		t.Fatalf("CurrentInstance after reconnect = %q, want Den", c.CurrentInstance())
	}
}

func TestMCSFlushStaleDiscardsBufferedBytes(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	c := New(Config{})
	attachMCS(c, clientConn)

	go serverConn.Write([]byte("Stale1\r\nStale2\r\n"))

	line, err := c.reader.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "Stale1" {
		t.Fatalf("setup read: got %q, %v", line, err)
	}
	if c.reader.Buffered() == 0 {
		t.Fatal("setup: expected Stale2 to already be buffered ahead of the next read")
	}

	c.flushStale()
	if n := c.reader.Buffered(); n != 0 {
		t.Fatalf("flushStale left %d bytes buffered", n)
	}
}

func TestMCSSetRadioFilterBase64Encodes(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	c := New(Config{CommandTimeout: time.Second, QuietTimeout: 30 * time.Millisecond})
	attachMCS(c, clientConn)

	cmdDone := make(chan string, 1)
	go func() {
		r := bufio.NewReader(serverConn)
		line, _ := r.ReadString('\n')
		cmdDone <- strings.TrimSpace(line)
		serverConn.Write([]byte("Ok\r\n"))
	}()

	if err := c.SetRadioFilter(context.Background(), "jazz"); err != nil {
		t.Fatalf("SetRadioFilter: %v", err)
	}

	cmd := <-cmdDone
	parts := strings.SplitN(cmd, " ", 2)
	if len(parts) != 2 || parts[0] != "SetRadioFilter" {
		t.Fatalf("got command %q", cmd)
	}
	decoded, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || string(decoded) != "jazz" {
		t.Fatalf("decoded filter = %q, %v, want \"jazz\"", decoded, err)
	}
}

func TestMCSBrowseInstancesParsesNames(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	c := New(Config{CommandTimeout: time.Second, QuietTimeout: 30 * time.Millisecond})
	attachMCS(c, clientConn)

	go func() {
		r := bufio.NewReader(serverConn)
		r.ReadString('\n')
		serverConn.Write([]byte(`<Instances total="2">` + "\r\n"))
		serverConn.Write([]byte(`<Instance guid="i1" name="Den"/>` + "\r\n"))
		serverConn.Write([]byte(`<Instance guid="i2" name="Kitchen"/>` + "\r\n"))
		serverConn.Write([]byte(`</Instances>` + "\r\n"))
	}()

	names, err := c.BrowseInstances(context.Background())
	if err != nil {
		t.Fatalf("BrowseInstances: %v", err)
	}
	if len(names) != 2 || names[0] != "Den" || names[1] != "Kitchen" {
		t.Fatalf("got %v, want [Den Kitchen]", names)
	}
}

func TestMCSCommandMutexSerializesConcurrentCallers(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	c := New(Config{CommandTimeout: time.Second, QuietTimeout: 30 * time.Millisecond})
	attachMCS(c, clientConn)

	var seen []string
	var mu sync.Mutex
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		r := bufio.NewReader(serverConn)
		for i := 0; i < 2; i++ {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			mu.Lock()
			seen = append(seen, strings.TrimSpace(line))
			mu.Unlock()
			serverConn.Write([]byte("Ok\r\n"))
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.AckPickItem(context.Background(), 1)
	}()
	go func() {
		defer wg.Done()
		c.AckPickItem(context.Background(), 2)
	}()
	wg.Wait()
	<-serverDone

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("got %d commands, want 2 (no interleaving corruption)", len(seen))
	}
}

func TestMCSGetStatusParsesExtendedFields(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	c := New(Config{CommandTimeout: time.Second, QuietTimeout: 30 * time.Millisecond})
	attachMCS(c, clientConn)

	go func() {
		r := bufio.NewReader(serverConn)
		r.ReadString('\n')
		serverConn.Write([]byte("Volume=40\r\n"))
		serverConn.Write([]byte("Mute=False\r\n"))
		serverConn.Write([]byte("PlayState=Playing\r\n"))
		serverConn.Write([]byte("ServerName=Den Media Server\r\n"))
		serverConn.Write([]byte("InstanceName=Den\r\n"))
		serverConn.Write([]byte("Running=True\r\n"))
		serverConn.Write([]byte("SupportedAudioTypes=mp3,flac,aac\r\n"))
	}()

	status, err := c.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.ServerName != "Den Media Server" || status.InstanceName != "Den" {
		t.Fatalf("got ServerName=%q InstanceName=%q", status.ServerName, status.InstanceName)
	}
	if !status.Running {
		t.Fatalf("got Running=false, want true")
	}
	if len(status.SupportedAudioTypes) != 3 || status.SupportedAudioTypes[1] != "flac" {
		t.Fatalf("got SupportedAudioTypes=%v", status.SupportedAudioTypes)
	}
}

func TestMCSQueueOperationsSendExpectedCommands(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	c := New(Config{CommandTimeout: time.Second, QuietTimeout: 30 * time.Millisecond})
	attachMCS(c, clientConn)

	var seen []string
	var mu sync.Mutex
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		r := bufio.NewReader(serverConn)
		for i := 0; i < 6; i++ {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			mu.Lock()
			seen = append(seen, strings.TrimSpace(line))
			mu.Unlock()
			serverConn.Write([]byte("Ok\r\n"))
		}
	}()

	ctx := context.Background()
	if err := c.JumpToNowPlayingItem(ctx, 3); err != nil {
		t.Fatalf("JumpToNowPlayingItem: %v", err)
	}
	if err := c.AddToQueue(ctx, "guid-1"); err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}
	if err := c.AddListToQueue(ctx); err != nil {
		t.Fatalf("AddListToQueue: %v", err)
	}
	if err := c.ClearNowPlaying(ctx); err != nil {
		t.Fatalf("ClearNowPlaying: %v", err)
	}
	if err := c.RemoveNowPlayingItem(ctx, 2); err != nil {
		t.Fatalf("RemoveNowPlayingItem: %v", err)
	}
	if err := c.SavePlaylist(ctx, "Dinner Party"); err != nil {
		t.Fatalf("SavePlaylist: %v", err)
	}
	<-serverDone

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"JumpToNowPlayingItem 3",
		"AddToQueue guid-1",
		"AddListToQueue",
		"ClearNowPlaying",
		"RemoveNowPlayingItem 2",
		"SavePlaylist Dinner Party",
	}
	if len(seen) != len(want) {
		t.Fatalf("got %d commands, want %d: %v", len(seen), len(want), seen)
	}
	for i, w := range want {
		if seen[i] != w {
			t.Fatalf("command %d: got %q, want %q", i, seen[i], w)
		}
	}
}
