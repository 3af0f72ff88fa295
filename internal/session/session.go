package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hazardeye/internal/capture"
	"hazardeye/internal/detect"
	"hazardeye/internal/hazard"
)

// Conn is the subset of *websocket.Conn the session uses, split out so
// the stream loop is testable without a network.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Config carries the tunables one session needs.
type Config struct {
	FrameIntervalMin  time.Duration
	FrameIntervalMax  time.Duration
	TelemetryInterval time.Duration
	KeepaliveInterval time.Duration
	// SamplePeriod submits every Nth delivered frame for inference.
	SamplePeriod int
}

// Hooks receive session lifecycle and throughput events for bookkeeping.
type Hooks struct {
	Opened    func()
	Closed    func()
	FrameSent func()
}

// Session streams frames from a source to one websocket client, paced to
// the client's drain rate, with inference sampled asynchronously so a
// slow model never stalls delivery.
type Session struct {
	id        string
	conn      Conn
	source    capture.Source
	pool      *detect.Pool
	annotator *detect.Annotator
	recorder  *hazard.Recorder
	modeName  func() string
	progress  func() *float64
	log       *slog.Logger
	cfg       Config
	hooks     Hooks

	mu         sync.Mutex
	lastResult *detect.Result
	loc        *hazard.Location

	writeMu sync.Mutex
}

// Options bundles the collaborators for New.
type Options struct {
	Conn      Conn
	Source    capture.Source
	Pool      *detect.Pool
	Annotator *detect.Annotator
	Recorder  *hazard.Recorder
	// ModeName reports the pipeline's current operating mode for telemetry.
	ModeName func() string
	// Progress reports playback completion percentage, nil in live mode.
	Progress func() *float64
	Logger   *slog.Logger
	Config   Config
	Hooks    Hooks
}

// New creates a Session. Zero config fields get production defaults.
func New(opts Options) *Session {
	cfg := opts.Config
	if cfg.FrameIntervalMin <= 0 {
		cfg.FrameIntervalMin = 50 * time.Millisecond
	}
	if cfg.FrameIntervalMax <= 0 {
		cfg.FrameIntervalMax = 200 * time.Millisecond
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = 200 * time.Millisecond
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 20 * time.Second
	}
	if cfg.SamplePeriod <= 0 {
		cfg.SamplePeriod = 3
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	modeName := opts.ModeName
	if modeName == nil {
		modeName = func() string { return "live" }
	}
	id := uuid.NewString()
	return &Session{
		id:        id,
		conn:      opts.Conn,
		source:    opts.Source,
		pool:      opts.Pool,
		annotator: opts.Annotator,
		recorder:  opts.Recorder,
		modeName:  modeName,
		progress:  opts.Progress,
		log:       log.With("session", id),
		cfg:       cfg,
		hooks:     opts.Hooks,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Run drives the session until the client disconnects or ctx is
// cancelled. It blocks; callers run one goroutine per connection.
func (s *Session) Run(ctx context.Context) {
	if s.hooks.Opened != nil {
		s.hooks.Opened()
	}
	defer func() {
		if s.hooks.Closed != nil {
			s.hooks.Closed()
		}
		s.conn.Close()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.readLoop(ctx, cancel)
	s.streamLoop(ctx)
}

// readLoop consumes inbound messages: location updates feed the recorder,
// everything else just proves the client is alive.
func (s *Session) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	s.conn.SetReadLimit(1024)
	s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	// A viewer that only watches never sends data frames; pongs to our
	// keepalive pings are what keep its read deadline alive.
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("read failed", "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readDeadline))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "location" {
			continue
		}
		loc := msg.location()
		if !loc.Valid() {
			s.log.Warn("ignoring out-of-range location", "lat", loc.Latitude, "lng", loc.Longitude)
			continue
		}
		s.mu.Lock()
		s.loc = &loc
		s.mu.Unlock()
	}
}

// streamLoop is the paced frame delivery loop.
func (s *Session) streamLoop(ctx context.Context) {
	pacer := NewPacer(s.cfg.FrameIntervalMin, s.cfg.FrameIntervalMax)
	telemetry := time.NewTicker(s.cfg.TelemetryInterval)
	defer telemetry.Stop()
	keepalive := time.NewTicker(s.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	frameCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-telemetry.C:
			// An idle session gets keepalives only.
			if !s.source.Available() {
				continue
			}
			if err := s.sendTelemetry(); err != nil {
				return
			}
			continue
		case <-keepalive.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
			if err := s.write(websocket.TextMessage, []byte(keepalivePayload)); err != nil {
				return
			}
			continue
		default:
		}

		frame := s.source.Slot().Drain()
		if frame == nil {
			// Source idle; wait one interval rather than spin.
			select {
			case <-ctx.Done():
				return
			case <-time.After(pacer.Interval()):
			}
			continue
		}

		frameCount++
		if s.pool != nil && frameCount%s.cfg.SamplePeriod == 0 {
			s.sample(ctx, frame)
		}

		payload := s.render(frame)
		start := time.Now()
		if err := s.write(websocket.BinaryMessage, payload); err != nil {
			return
		}
		pacer.Observe(time.Since(start))
		if s.hooks.FrameSent != nil {
			s.hooks.FrameSent()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pacer.Interval()):
		}
	}
}

// sample submits the frame for inference. The frame bytes are copied so
// the slot can recycle its buffer.
func (s *Session) sample(ctx context.Context, frame *capture.Frame) {
	data := make([]byte, len(frame.Data))
	copy(data, frame.Data)
	s.pool.Submit(detect.Job{
		Frame:       data,
		FrameWidth:  frame.Width,
		FrameHeight: frame.Height,
		OnResult: func(result *detect.Result) {
			s.mu.Lock()
			s.lastResult = result
			loc := s.loc
			s.mu.Unlock()
			if s.recorder != nil {
				s.recorder.Record(ctx, result, loc)
			}
		},
	})
}

// render annotates the frame with the cached inference result. Detections
// from a sampled frame overlay the frames that follow it, which reads
// fine at streaming rates.
func (s *Session) render(frame *capture.Frame) []byte {
	s.mu.Lock()
	result := s.lastResult
	s.mu.Unlock()

	if s.annotator == nil {
		return frame.Data
	}
	if result == nil || len(result.Detections) == 0 {
		return s.annotator.Resize(frame.Data)
	}
	return s.annotator.Render(frame.Data, result)
}

func (s *Session) sendTelemetry() error {
	s.mu.Lock()
	result := s.lastResult
	s.mu.Unlock()

	var progress *float64
	if s.progress != nil {
		progress = s.progress()
	}
	payload, err := json.Marshal(telemetryFrom(result, s.modeName(), progress))
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, payload)
}

// write serializes frame and telemetry writes onto one connection.
func (s *Session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err := s.conn.WriteMessage(messageType, data)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.log.Debug("write failed", "error", err)
	}
	return err
}
