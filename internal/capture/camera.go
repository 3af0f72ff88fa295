package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CameraSource continuously captures frames from the first responsive camera
// device into its Slot, independent of any consumer's pace. The capture loop
// runs on its own goroutine; reconnects are bounded by a retry cap.
type CameraSource struct {
	devices      []string
	targetFPS    int
	width        int
	height       int
	maxRetries   int
	retryBackoff time.Duration
	open         openFunc
	log          *slog.Logger

	slot *Slot
	seq  atomic.Uint64

	mu           sync.Mutex
	state        State
	activeDevice string
	stopCh       chan struct{}
	doneCh       chan struct{}

	stats   Stats
	statsMu sync.Mutex

	// OnFrame, when set before Start, is called once per captured frame.
	OnFrame func()
}

// CameraConfig configures a CameraSource.
type CameraConfig struct {
	// Indices are candidate V4L2 device numbers, probed in order.
	Indices      []int
	Width        int
	Height       int
	FPS          int
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewCameraSource creates a camera-backed frame source.
func NewCameraSource(cfg CameraConfig, log *slog.Logger) *CameraSource {
	devices := make([]string, 0, len(cfg.Indices))
	for _, idx := range cfg.Indices {
		devices = append(devices, fmt.Sprintf("/dev/video%d", idx))
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &CameraSource{
		devices:      devices,
		targetFPS:    cfg.FPS,
		width:        cfg.Width,
		height:       cfg.Height,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		open:         cameraOpener(cfg.Width, cfg.Height, cfg.FPS),
		log:          log,
		slot:         NewSlot(1),
		state:        StateStopped,
	}
}

// Start begins capturing. Idempotent: an already running source is stopped
// first. Returns immediately; probing happens on the capture goroutine so a
// missing camera never blocks startup.
func (c *CameraSource) Start() error {
	c.Stop()

	c.mu.Lock()
	c.state = StateProbing
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	go c.captureLoop(stopCh, doneCh)
	return nil
}

// Stop signals the capture loop to exit and joins it with a bounded timeout.
// The device handle is released by the loop on the way out; if the join
// times out the handle is still closed once the blocking read returns.
func (c *CameraSource) Stop() {
	c.mu.Lock()
	if c.stopCh == nil {
		c.mu.Unlock()
		return
	}
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	doneCh := c.doneCh
	c.stopCh = nil
	c.doneCh = nil
	c.mu.Unlock()

	if doneCh != nil {
		select {
		case <-doneCh:
		case <-time.After(2 * time.Second):
			c.log.Warn("camera capture loop did not exit in time")
		}
	}

	c.mu.Lock()
	if c.state != StateFailed {
		c.state = StateStopped
	}
	c.mu.Unlock()
}

// Slot returns the frame slot this source writes into.
func (c *CameraSource) Slot() *Slot { return c.slot }

// State returns the current lifecycle state.
func (c *CameraSource) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Available reports whether the source is producing or trying to produce
// frames.
func (c *CameraSource) Available() bool {
	s := c.State()
	return s == StateStreaming || s == StateReconnecting || s == StateProbing
}

// ActiveDevice returns the device path selected by probing, or "" before a
// probe has succeeded.
func (c *CameraSource) ActiveDevice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeDevice
}

// Stats returns a copy of the capture counters.
func (c *CameraSource) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *CameraSource) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// probe tries each candidate device by opening it and reading one frame.
// The first device that produces a frame becomes active.
func (c *CameraSource) probe() (frameReader, string, error) {
	for _, dev := range c.devices {
		reader, err := c.open(dev)
		if err != nil {
			continue
		}
		if _, err := reader.ReadFrame(); err != nil {
			reader.Close()
			continue
		}
		return reader, dev, nil
	}
	return nil, "", fmt.Errorf("no responsive camera among %v", c.devices)
}

func (c *CameraSource) captureLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	var reader frameReader
	defer func() {
		if reader != nil {
			reader.Close()
		}
	}()

	interval := time.Second / time.Duration(c.targetFPS)
	retries := 0

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if reader == nil {
			var err error
			device := c.ActiveDevice()
			if device == "" {
				reader, device, err = c.probe()
				if err == nil {
					c.mu.Lock()
					c.activeDevice = device
					c.mu.Unlock()
				}
			} else {
				reader, err = c.open(device)
			}
			if err != nil {
				retries++
				c.statsMu.Lock()
				c.stats.OpenFailures++
				c.statsMu.Unlock()
				if retries >= c.maxRetries {
					c.log.Warn("camera unavailable, giving up", "error", err, "attempts", retries)
					c.setState(StateFailed)
					return
				}
				c.setState(StateReconnecting)
				select {
				case <-stopCh:
					return
				case <-time.After(c.retryBackoff):
				}
				continue
			}
			retries = 0
			c.setState(StateStreaming)
			c.log.Info("camera streaming", "device", device)
		}

		start := time.Now()
		data, err := reader.ReadFrame()
		if err != nil {
			c.statsMu.Lock()
			c.stats.ReadFailures++
			c.statsMu.Unlock()
			reader.Close()
			reader = nil
			retries++
			if retries >= c.maxRetries {
				c.log.Warn("camera stopped responding, giving up", "device", c.ActiveDevice())
				c.setState(StateFailed)
				return
			}
			c.setState(StateReconnecting)
			select {
			case <-stopCh:
				return
			case <-time.After(c.retryBackoff):
			}
			continue
		}
		retries = 0

		c.slot.Push(&Frame{
			Data:      data,
			Seq:       c.seq.Add(1),
			Timestamp: start,
			Width:     c.width,
			Height:    c.height,
		})
		c.statsMu.Lock()
		c.stats.FramesCaptured++
		c.stats.LastFrameUnix = start.Unix()
		c.statsMu.Unlock()
		if c.OnFrame != nil {
			c.OnFrame()
		}

		// Pace to the target rate; if the read was slow, continue
		// immediately rather than sleeping a negative amount.
		if remaining := interval - time.Since(start); remaining > time.Millisecond {
			select {
			case <-stopCh:
				return
			case <-time.After(remaining):
			}
		}
	}
}
