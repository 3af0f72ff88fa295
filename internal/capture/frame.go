package capture

import (
	"sync"
	"time"
)

// Frame is a single captured JPEG image. The capture loop owns a frame until
// it is pushed into a Slot; whoever drains the slot takes ownership.
type Frame struct {
	Data      []byte
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
}

// Slot is a capacity-bounded buffer holding at most the newest N frames.
// Push never blocks: when full, the oldest frame is evicted. Drain discards
// everything but the newest frame. A single mutex is enough because the
// buffer holds one or two elements.
type Slot struct {
	mu       sync.Mutex
	frames   []*Frame
	capacity int
	drops    uint64
}

// NewSlot creates a Slot with the given capacity, clamped to [1,2].
func NewSlot(capacity int) *Slot {
	if capacity < 1 {
		capacity = 1
	}
	if capacity > 2 {
		capacity = 2
	}
	return &Slot{capacity: capacity}
}

// Push adds a frame, evicting the oldest entry if the slot is full.
func (s *Slot) Push(f *Frame) {
	if f == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) >= s.capacity {
		copy(s.frames, s.frames[1:])
		s.frames = s.frames[:len(s.frames)-1]
		s.drops++
	}
	s.frames = append(s.frames, f)
}

// Drain returns the newest frame and empties the slot. Returns nil when no
// frame is buffered. Frames older than the newest are discarded.
func (s *Slot) Drain() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.frames)
	if n == 0 {
		return nil
	}
	f := s.frames[n-1]
	if n > 1 {
		s.drops += uint64(n - 1)
	}
	s.frames = s.frames[:0]
	return f
}

// Len returns the number of buffered frames.
func (s *Slot) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Drops returns the number of frames evicted or discarded so far.
func (s *Slot) Drops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}
