package session

import "time"

// Pacing adaptation constants. Sends slower than slowSend back the
// interval off additively; sends faster than fastSend creep it back down.
const (
	slowSend     = 100 * time.Millisecond
	fastSend     = 20 * time.Millisecond
	backoffStep  = 20 * time.Millisecond
	recoveryStep = 5 * time.Millisecond
)

// Pacer adapts the per-connection frame interval to the client's observed
// drain rate. Backoff is aggressive and recovery gentle, so one slow
// client settles at a rate it can sustain instead of oscillating.
type Pacer struct {
	interval time.Duration
	min, max time.Duration
}

// NewPacer creates a Pacer bounded to [min, max], starting at min.
func NewPacer(min, max time.Duration) *Pacer {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = 200 * time.Millisecond
	}
	return &Pacer{interval: min, min: min, max: max}
}

// Interval returns the current frame interval.
func (p *Pacer) Interval() time.Duration { return p.interval }

// Observe feeds one frame's send duration into the adaptation.
func (p *Pacer) Observe(sendTime time.Duration) {
	switch {
	case sendTime > slowSend:
		p.interval += backoffStep
		if p.interval > p.max {
			p.interval = p.max
		}
	case sendTime < fastSend:
		p.interval -= recoveryStep
		if p.interval < p.min {
			p.interval = p.min
		}
	}
}
