package server

import (
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"hazardeye/internal/capture"
	"hazardeye/internal/detect"
	"hazardeye/internal/hazard"
	"hazardeye/internal/logger"
	"hazardeye/internal/metrics"
	"hazardeye/internal/mode"
	"hazardeye/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Clients connect from vehicle dashboards on arbitrary origins.
		return true
	},
}

// Server owns the HTTP surface and the source lifecycle: one camera
// source, an optional file source, and the mode switch between them.
type Server struct {
	log       *slog.Logger
	met       *metrics.Metrics
	modeState *mode.State
	pool      *detect.Pool
	annotator *detect.Annotator
	recorder  *hazard.Recorder
	sessCfg   session.Config

	camera capture.Source
	// newFileSource builds a playback source for a path. Injected so
	// tests run without ffmpeg.
	newFileSource func(path string) FileSource
	videoFile     string

	mu   sync.Mutex
	file FileSource
}

// FileSource is a capture.Source that also reports playback progress.
type FileSource interface {
	capture.Source
	Progress() float64
}

// Options bundles the server's collaborators.
type Options struct {
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Mode          *mode.State
	Pool          *detect.Pool
	Annotator     *detect.Annotator
	Recorder      *hazard.Recorder
	SessionConfig session.Config
	Camera        capture.Source
	NewFileSource func(path string) FileSource
	VideoFile     string
}

// New creates a Server.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		log:           log,
		met:           opts.Metrics,
		modeState:     opts.Mode,
		pool:          opts.Pool,
		annotator:     opts.Annotator,
		recorder:      opts.Recorder,
		sessCfg:       opts.SessionConfig,
		camera:        opts.Camera,
		newFileSource: opts.NewFileSource,
		videoFile:     opts.VideoFile,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(s.log))
	r.Get("/healthz", s.handleHealth)
	if s.met != nil {
		r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
			s.met.Handler().ServeHTTP(w, req)
		})
	}
	r.Get("/api/mode", s.handleGetMode)
	r.Post("/api/mode", s.handleSetMode)
	r.Get("/ws", s.handleWS)
	return r
}

// activeSource returns the source matching the current mode.
func (s *Server) activeSource() capture.Source {
	if s.modeState != nil && s.modeState.Get() == mode.Video {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.file != nil {
			return s.file
		}
	}
	return s.camera
}

// progress reports playback completion in video mode, nil otherwise.
func (s *Server) progress() *float64 {
	if s.modeState == nil || s.modeState.Get() != mode.Video {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	p := s.file.Progress()
	return &p
}

func (s *Server) modeName() string {
	if s.modeState == nil {
		return string(mode.Live)
	}
	return string(s.modeState.Get())
}

// Shutdown stops both sources.
func (s *Server) Shutdown() {
	if s.camera != nil {
		s.camera.Stop()
	}
	s.mu.Lock()
	file := s.file
	s.mu.Unlock()
	if file != nil {
		file.Stop()
	}
}
