package capture

// State tracks the lifecycle of a frame source.
type State int

const (
	StateStopped State = iota
	StateProbing
	StateStreaming
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateProbing:
		return "probing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Source produces frames into a Slot from a capture device or file.
type Source interface {
	Start() error
	Stop()
	Slot() *Slot
	State() State
	Available() bool
}

// Stats reports capture-side counters for a source.
type Stats struct {
	FramesCaptured uint64
	ReadFailures   uint64
	OpenFailures   uint64
	LastFrameUnix  int64
}

// frameReader abstracts an open capture handle. The production
// implementation wraps an ffmpeg process; tests substitute fakes.
type frameReader interface {
	// ReadFrame blocks until the next complete JPEG frame is available.
	ReadFrame() ([]byte, error)
	Close() error
}

// openFunc opens a capture handle for a device path or file.
type openFunc func(device string) (frameReader, error)
