package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hazardeye/internal/capture"
)

// fakeConn is an in-memory Conn: writes are captured, reads come from a
// channel and block until the test feeds one or closes the connection.
type fakeConn struct {
	mu           sync.Mutex
	binary       [][]byte
	text         [][]byte
	pings        int
	readDeadline time.Time
	pongHandler  func(string) error

	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 8),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch messageType {
	case websocket.BinaryMessage:
		c.binary = append(c.binary, buf)
	case websocket.PingMessage:
		c.pings++
	default:
		c.text = append(c.text, buf)
	}
	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pongHandler = h
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.binary)
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *fakeConn) deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readDeadline
}

func (c *fakeConn) pong() error {
	c.mu.Lock()
	h := c.pongHandler
	c.mu.Unlock()
	if h == nil {
		return errors.New("no pong handler installed")
	}
	return h("")
}

func (c *fakeConn) textMessages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.text))
	copy(out, c.text)
	return out
}

// fakeSource feeds a slot the test fills by hand.
type fakeSource struct {
	slot *capture.Slot
	down atomic.Bool
}

func newFakeSource() *fakeSource          { return &fakeSource{slot: capture.NewSlot(2)} }
func (f *fakeSource) Start() error        { return nil }
func (f *fakeSource) Stop()               {}
func (f *fakeSource) Slot() *capture.Slot { return f.slot }

func (f *fakeSource) State() capture.State {
	if f.down.Load() {
		return capture.StateFailed
	}
	return capture.StateStreaming
}

func (f *fakeSource) Available() bool { return !f.down.Load() }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testConfig() Config {
	return Config{
		FrameIntervalMin:  time.Millisecond,
		FrameIntervalMax:  5 * time.Millisecond,
		TelemetryInterval: 10 * time.Millisecond,
		KeepaliveInterval: 15 * time.Millisecond,
		SamplePeriod:      3,
	}
}

func TestSessionStreamsFrames(t *testing.T) {
	conn := newFakeConn()
	source := newFakeSource()
	var sent int
	var sentMu sync.Mutex
	s := New(Options{
		Conn:   conn,
		Source: source,
		Config: testConfig(),
		Hooks: Hooks{FrameSent: func() {
			sentMu.Lock()
			sent++
			sentMu.Unlock()
		}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan struct{})
	go func() {
		seq := uint64(0)
		for {
			select {
			case <-stop:
				return
			default:
			}
			seq++
			source.slot.Push(&capture.Frame{Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}, Seq: seq, Width: 4, Height: 4})
			time.Sleep(time.Millisecond)
		}
	}()
	defer close(stop)

	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	waitFor(t, time.Second, func() bool { return conn.binaryCount() >= 5 })
	sentMu.Lock()
	if sent < 5 {
		sentMu.Unlock()
		t.Fatalf("frame-sent hook ran %d times, want >= 5", sent)
	}
	sentMu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not stop after cancel")
	}
}

func TestSessionSendsTelemetryAndKeepalive(t *testing.T) {
	conn := newFakeConn()
	s := New(Options{
		Conn:     conn,
		Source:   newFakeSource(),
		ModeName: func() string { return "video" },
		Progress: func() *float64 { p := 42.5; return &p },
		Config:   testConfig(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	var gotTelemetry, gotKeepalive bool
	waitFor(t, time.Second, func() bool {
		for _, msg := range conn.textMessages() {
			if string(msg) == keepalivePayload {
				gotKeepalive = true
				continue
			}
			var tel Telemetry
			if json.Unmarshal(msg, &tel) == nil && tel.Type == "telemetry" {
				gotTelemetry = true
				if tel.Mode != "video" {
					t.Fatalf("telemetry mode = %q, want video", tel.Mode)
				}
				if tel.PlaybackProgress == nil || *tel.PlaybackProgress != 42.5 {
					t.Fatal("telemetry missing playback progress")
				}
				if tel.HazardDistances == nil {
					t.Fatal("hazard_distances must marshal as [], not null")
				}
			}
		}
		return gotTelemetry && gotKeepalive
	})
}

func TestSessionAcceptsLocationUpdates(t *testing.T) {
	conn := newFakeConn()
	s := New(Options{Conn: conn, Source: newFakeSource(), Config: testConfig()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	conn.inbound <- []byte(`{"type":"location","latitude":12.34,"longitude":77.56}`)
	waitFor(t, time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loc != nil && s.loc.Latitude == 12.34 && s.loc.Longitude == 77.56
	})

	// Out-of-range fixes are dropped, keeping the last good one.
	conn.inbound <- []byte(`{"type":"location","latitude":103,"longitude":12}`)
	time.Sleep(20 * time.Millisecond)
	s.mu.Lock()
	lat := s.loc.Latitude
	s.mu.Unlock()
	if lat != 12.34 {
		t.Fatalf("invalid fix replaced a valid one, lat = %v", lat)
	}
}

func TestSessionStopsWhenClientDisconnects(t *testing.T) {
	conn := newFakeConn()
	s := New(Options{Conn: conn, Source: newFakeSource(), Config: testConfig()})

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	time.Sleep(10 * time.Millisecond)
	conn.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session kept running after disconnect")
	}
}

func TestSessionPongsExtendReadDeadline(t *testing.T) {
	conn := newFakeConn()
	s := New(Options{Conn: conn, Source: newFakeSource(), Config: testConfig()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// The keepalive tick sends protocol pings so a watch-only client
	// has something to pong back.
	waitFor(t, time.Second, func() bool { return conn.pingCount() >= 1 })

	before := conn.deadline()
	if before.IsZero() {
		t.Fatal("read deadline never set")
	}
	time.Sleep(5 * time.Millisecond)
	if err := conn.pong(); err != nil {
		t.Fatalf("pong: %v", err)
	}
	if after := conn.deadline(); !after.After(before) {
		t.Fatalf("pong did not extend the read deadline: before=%v after=%v", before, after)
	}
}

func TestSessionAcceptsNestedLocationShape(t *testing.T) {
	conn := newFakeConn()
	s := New(Options{Conn: conn, Source: newFakeSource(), Config: testConfig()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	conn.inbound <- []byte(`{"type":"location","location":{"lat":9.93,"lng":76.26}}`)
	waitFor(t, time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loc != nil && s.loc.Latitude == 9.93 && s.loc.Longitude == 76.26
	})

	// The nested shape wins when both are present.
	conn.inbound <- []byte(`{"type":"location","location":{"lat":12.97,"lng":77.59},"latitude":1,"longitude":2}`)
	waitFor(t, time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loc != nil && s.loc.Latitude == 12.97
	})
}

func TestSessionIdleSendsOnlyKeepalives(t *testing.T) {
	conn := newFakeConn()
	source := newFakeSource()
	source.down.Store(true)
	s := New(Options{Conn: conn, Source: source, Config: testConfig()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, time.Second, func() bool {
		n := 0
		for _, msg := range conn.textMessages() {
			if string(msg) == keepalivePayload {
				n++
			}
		}
		return n >= 2
	})

	for _, msg := range conn.textMessages() {
		if string(msg) != keepalivePayload {
			t.Fatalf("idle session sent %q, want keepalives only", msg)
		}
	}
	if conn.binaryCount() != 0 {
		t.Fatalf("idle session sent %d frames", conn.binaryCount())
	}
}
