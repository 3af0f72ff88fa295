package capture

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// FileSource plays a recorded video file into its Slot, looping back to the
// start at end-of-stream. Playback is paced at the file's native frame rate
// and exposes progress through the file as a percentage.
type FileSource struct {
	path         string
	maxRetries   int
	retryBackoff time.Duration
	open         openFunc
	probe        func(path string) (int, float64, error)
	log          *slog.Logger

	slot *Slot
	seq  atomic.Uint64

	totalFrames  atomic.Int64
	currentFrame atomic.Int64

	mu     sync.Mutex
	state  State
	stopCh chan struct{}
	doneCh chan struct{}

	stats   Stats
	statsMu sync.Mutex

	OnFrame func()
}

// NewFileSource creates a file-backed frame source.
func NewFileSource(path string, maxRetries int, retryBackoff time.Duration, log *slog.Logger) *FileSource {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if retryBackoff <= 0 {
		retryBackoff = time.Second
	}
	return &FileSource{
		path:         path,
		maxRetries:   maxRetries,
		retryBackoff: retryBackoff,
		open:         fileOpener(),
		probe:        probeVideo,
		log:          log,
		slot:         NewSlot(1),
		state:        StateStopped,
	}
}

// Start begins playback from the beginning of the file. Idempotent.
func (f *FileSource) Start() error {
	f.Stop()

	total, _, err := f.probe(f.path)
	if err != nil {
		f.log.Warn("could not probe video file", "path", f.path, "error", err)
	}
	f.totalFrames.Store(int64(total))
	f.currentFrame.Store(0)

	f.mu.Lock()
	f.state = StateProbing
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	stopCh, doneCh := f.stopCh, f.doneCh
	f.mu.Unlock()

	go f.playbackLoop(stopCh, doneCh)
	return nil
}

// Stop signals the playback loop to exit and joins it with a bounded timeout.
func (f *FileSource) Stop() {
	f.mu.Lock()
	if f.stopCh == nil {
		f.mu.Unlock()
		return
	}
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	doneCh := f.doneCh
	f.stopCh = nil
	f.doneCh = nil
	f.mu.Unlock()

	if doneCh != nil {
		select {
		case <-doneCh:
		case <-time.After(2 * time.Second):
			f.log.Warn("file playback loop did not exit in time")
		}
	}

	f.mu.Lock()
	if f.state != StateFailed {
		f.state = StateStopped
	}
	f.mu.Unlock()
}

// Slot returns the frame slot this source writes into.
func (f *FileSource) Slot() *Slot { return f.slot }

// State returns the current lifecycle state.
func (f *FileSource) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Available reports whether playback is running.
func (f *FileSource) Available() bool {
	s := f.State()
	return s == StateStreaming || s == StateReconnecting || s == StateProbing
}

// Progress returns playback position as a percentage of total frames.
func (f *FileSource) Progress() float64 {
	total := f.totalFrames.Load()
	if total <= 0 {
		return 0
	}
	return float64(f.currentFrame.Load()) / float64(total) * 100
}

// Stats returns a copy of the playback counters.
func (f *FileSource) Stats() Stats {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return f.stats
}

func (f *FileSource) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *FileSource) playbackLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	var reader frameReader
	defer func() {
		if reader != nil {
			reader.Close()
		}
	}()

	retries := 0

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if reader == nil {
			var err error
			reader, err = f.open(f.path)
			if err != nil {
				retries++
				f.statsMu.Lock()
				f.stats.OpenFailures++
				f.statsMu.Unlock()
				if retries >= f.maxRetries {
					f.log.Warn("video file unplayable, giving up", "path", f.path, "error", err)
					f.setState(StateFailed)
					return
				}
				f.setState(StateReconnecting)
				select {
				case <-stopCh:
					return
				case <-time.After(f.retryBackoff):
				}
				continue
			}
			retries = 0
			f.setState(StateStreaming)
		}

		data, err := reader.ReadFrame()
		if err != nil {
			reader.Close()
			reader = nil
			if errors.Is(err, io.EOF) {
				// End of file: loop back to the start.
				f.currentFrame.Store(0)
				continue
			}
			f.statsMu.Lock()
			f.stats.ReadFailures++
			f.statsMu.Unlock()
			retries++
			if retries >= f.maxRetries {
				f.log.Warn("video file read failing, giving up", "path", f.path, "error", err)
				f.setState(StateFailed)
				return
			}
			f.setState(StateReconnecting)
			select {
			case <-stopCh:
				return
			case <-time.After(f.retryBackoff):
			}
			continue
		}
		retries = 0

		now := time.Now()
		f.currentFrame.Add(1)
		f.slot.Push(&Frame{
			Data:      data,
			Seq:       f.seq.Add(1),
			Timestamp: now,
		})
		f.statsMu.Lock()
		f.stats.FramesCaptured++
		f.stats.LastFrameUnix = now.Unix()
		f.statsMu.Unlock()
		if f.OnFrame != nil {
			f.OnFrame()
		}
		// No capture-side sleep: ffmpeg's -re flag paces the decode at
		// the file's native rate.
	}
}
