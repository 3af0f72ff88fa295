package server

import (
	"encoding/json"
	"net/http"

	"hazardeye/internal/mode"
	"hazardeye/internal/session"
)

type healthResponse struct {
	Status      string `json:"status"`
	Mode        string `json:"mode"`
	SourceState string `json:"source_state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	src := s.activeSource()
	resp := healthResponse{
		Status: "ok",
		Mode:   s.modeName(),
	}
	if src != nil {
		resp.SourceState = src.State().String()
		if !src.Available() {
			resp.Status = "degraded"
		}
	} else {
		resp.Status = "degraded"
		resp.SourceState = "none"
	}
	writeJSON(w, http.StatusOK, resp)
}

type modeResponse struct {
	Mode string `json:"mode"`
	File string `json:"file,omitempty"`
}

type modeRequest struct {
	Mode string `json:"mode"`
	File string `json:"file"`
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	resp := modeResponse{Mode: s.modeName()}
	if resp.Mode == string(mode.Video) {
		resp.File = s.videoFile
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSetMode switches between live capture and file playback. The
// outgoing source keeps running until the incoming one has started, so
// connected sessions see at worst a brief stall.
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	m := mode.Mode(req.Mode)
	if !m.Valid() {
		writeError(w, http.StatusBadRequest, "mode must be \"live\" or \"video\"")
		return
	}

	switch m {
	case mode.Video:
		path := req.File
		if path == "" {
			path = s.videoFile
		}
		if path == "" {
			writeError(w, http.StatusBadRequest, "no video file configured")
			return
		}
		if err := s.switchToVideo(path); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case mode.Live:
		s.switchToLive()
	}

	s.log.Info("mode changed", "mode", m)
	s.handleGetMode(w, r)
}

func (s *Server) switchToVideo(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil || s.videoFile != path {
		if s.file != nil {
			s.file.Stop()
		}
		s.file = s.newFileSource(path)
		s.videoFile = path
	}
	if err := s.file.Start(); err != nil {
		return err
	}
	s.modeState.Set(mode.Video)
	if s.camera != nil {
		s.camera.Stop()
	}
	return nil
}

func (s *Server) switchToLive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.camera != nil {
		if err := s.camera.Start(); err != nil {
			s.log.Warn("camera restart failed", "error", err)
		}
	}
	s.modeState.Set(mode.Live)
	if s.file != nil {
		s.file.Stop()
	}
}

// handleWS upgrades the connection and runs a streaming session on it
// until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	src := s.activeSource()
	if src == nil {
		writeError(w, http.StatusServiceUnavailable, "no frame source available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	hooks := session.Hooks{}
	if s.met != nil {
		hooks = session.Hooks{
			Opened:    s.met.SessionOpened,
			Closed:    s.met.SessionClosed,
			FrameSent: s.met.IncFramesSent,
		}
	}

	sess := session.New(session.Options{
		Conn:      conn,
		Source:    src,
		Pool:      s.pool,
		Annotator: s.annotator,
		Recorder:  s.recorder,
		ModeName:  s.modeName,
		Progress:  s.progress,
		Logger:    s.log,
		Config:    s.sessCfg,
		Hooks:     hooks,
	})
	s.log.Info("client connected", "session", sess.ID(), "remote", r.RemoteAddr)
	sess.Run(r.Context())
	s.log.Info("client disconnected", "session", sess.ID())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
