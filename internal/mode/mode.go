package mode

import "sync"

// Mode selects which frame source feeds viewer sessions.
type Mode string

const (
	Live  Mode = "live"
	Video Mode = "video"
)

// Valid reports whether m is a recognized mode.
func (m Mode) Valid() bool {
	return m == Live || m == Video
}

// State is the shared current-mode value. One writer (the mode endpoint),
// many readers (sessions, health checks).
type State struct {
	mu sync.RWMutex
	m  Mode
}

// NewState returns a State starting in the given mode.
func NewState(initial Mode) *State {
	return &State{m: initial}
}

// Get returns the current mode.
func (s *State) Get() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m
}

// Set replaces the current mode.
func (s *State) Set(m Mode) {
	s.mu.Lock()
	s.m = m
	s.mu.Unlock()
}
