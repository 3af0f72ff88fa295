package detect

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Job is one frame submitted for inference.
type Job struct {
	Frame       []byte
	FrameWidth  int
	FrameHeight int
	// OnResult receives the filtered result. It is invoked from a worker
	// goroutine and must not block.
	OnResult func(*Result)
}

// Pool runs detector inference on a bounded set of workers. Submission
// never blocks: when every worker is busy the frame is dropped, since a
// newer frame will arrive shortly anyway.
type Pool struct {
	road     Detector
	standard Detector
	filter   *Filter
	log      *slog.Logger

	jobs      chan Job
	wg        sync.WaitGroup
	stopped   chan struct{}
	closeOnce sync.Once

	onSubmit func()
	onError  func()
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Road     Detector
	Standard Detector
	Filter   *Filter
	Workers  int
	Logger   *slog.Logger
	// OnSubmit and OnError are bookkeeping hooks, called once per
	// accepted job and once per failed inference run respectively.
	OnSubmit func()
	OnError  func()
}

// NewPool starts the workers and returns the pool.
func NewPool(cfg PoolConfig) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Pool{
		road:     cfg.Road,
		standard: cfg.Standard,
		filter:   cfg.Filter,
		log:      log,
		jobs:     make(chan Job, workers),
		stopped:  make(chan struct{}),
		onSubmit: cfg.OnSubmit,
		onError:  cfg.OnError,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues a frame for inference. Returns false when the pool is
// saturated or shut down and the frame was dropped.
func (p *Pool) Submit(job Job) bool {
	select {
	case <-p.stopped:
		return false
	default:
	}
	select {
	case p.jobs <- job:
		if p.onSubmit != nil {
			p.onSubmit()
		}
		return true
	case <-p.stopped:
		return false
	default:
		return false
	}
}

// Close stops accepting jobs and waits for in-flight inference to finish.
// The jobs channel is never closed: sessions on hijacked connections can
// outlive server shutdown and may still call Submit, which must fail
// cleanly rather than panic. Safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.stopped) })
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopped:
			return
		case job := <-p.jobs:
			p.run(job)
		}
	}
}

func (p *Pool) run(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var (
		roadRaw, stdRaw []RawDetection
		roadErr, stdErr error
		wg              sync.WaitGroup
	)
	if p.road != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			roadRaw, roadErr = p.road.Detect(ctx, job.Frame)
		}()
	}
	if p.standard != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stdRaw, stdErr = p.standard.Detect(ctx, job.Frame)
		}()
	}
	wg.Wait()

	if roadErr != nil {
		p.log.Warn("road model inference failed", "error", roadErr)
		if p.onError != nil {
			p.onError()
		}
	}
	if stdErr != nil {
		p.log.Warn("standard model inference failed", "error", stdErr)
		if p.onError != nil {
			p.onError()
		}
	}
	// One model failing still yields the other model's detections.
	if roadErr != nil && stdErr != nil {
		return
	}

	result := p.filter.Apply(roadRaw, stdRaw, job.FrameWidth, job.FrameHeight)
	if job.OnResult != nil {
		job.OnResult(result)
	}
}
