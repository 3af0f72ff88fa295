package capture

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// loopingReader serves a fixed number of frames, then EOF.
type loopingReader struct {
	frames int
	served int
}

func (r *loopingReader) ReadFrame() ([]byte, error) {
	if r.served >= r.frames {
		return nil, io.EOF
	}
	r.served++
	time.Sleep(time.Millisecond)
	return []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil
}

func (r *loopingReader) Close() error { return nil }

func testFile(t *testing.T, framesPerPass, totalFrames int) (*FileSource, *atomic.Int32) {
	t.Helper()
	f := NewFileSource("/data/test.mp4", 5, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var opens atomic.Int32
	f.open = func(string) (frameReader, error) {
		opens.Add(1)
		return &loopingReader{frames: framesPerPass}, nil
	}
	f.probe = func(string) (int, float64, error) {
		return totalFrames, 30, nil
	}
	return f, &opens
}

func TestFileSourceLoopsAtEOF(t *testing.T) {
	f, opens := testFile(t, 3, 3)
	if err := f.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()

	// EOF reopens the file, so the open count keeps climbing.
	waitFor(t, "file to loop past EOF", func() bool { return opens.Load() >= 3 })
	if f.State() != StateStreaming {
		t.Fatalf("state = %v, want streaming across loops", f.State())
	}
}

func TestFileSourceProgress(t *testing.T) {
	f, _ := testFile(t, 10, 10)
	if err := f.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()

	waitFor(t, "progress to advance", func() bool {
		p := f.Progress()
		return p > 0 && p <= 100
	})
}

func TestFileSourceProgressResetsOnLoop(t *testing.T) {
	f, _ := testFile(t, 4, 4)
	if err := f.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()

	// Progress climbs, then snaps back to the start of the file.
	waitFor(t, "progress past midpoint", func() bool { return f.Progress() >= 50 })
	waitFor(t, "progress to wrap to start", func() bool { return f.Progress() < 50 })
}

func TestFileSourceUnknownTotalReportsZero(t *testing.T) {
	f, _ := testFile(t, 2, 0)
	f.probe = func(string) (int, float64, error) {
		return 0, 0, errors.New("no nb_frames in container")
	}
	if err := f.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()

	waitFor(t, "frames to flow", func() bool { return f.Stats().FramesCaptured > 0 })
	if p := f.Progress(); p != 0 {
		t.Fatalf("progress without a frame count = %v, want 0", p)
	}
}

func TestFileSourceGivesUpAfterRetryCap(t *testing.T) {
	f := NewFileSource("/data/missing.mp4", 5, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var attempts atomic.Int32
	f.open = func(string) (frameReader, error) {
		attempts.Add(1)
		return nil, errors.New("no such file")
	}
	f.probe = func(string) (int, float64, error) { return 0, 0, errors.New("no such file") }

	if err := f.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "source to fail", func() bool { return f.State() == StateFailed })
	if n := attempts.Load(); n != 5 {
		t.Fatalf("open attempted %d times, want 5", n)
	}
	if f.Available() {
		t.Fatal("failed source reports available")
	}
}
