package capture

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// ffmpegReader wraps an ffmpeg process emitting an MJPEG stream on stdout
// and extracts complete JPEG frames from it.
type ffmpegReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	buf    []byte
	chunk  []byte
}

// cameraOpener returns an openFunc for V4L2 devices. Device tuning (target
// resolution, capture rate, minimal internal buffering) is applied through
// the ffmpeg arguments; ffmpeg falls back to the nearest supported values,
// so tuning failures are absorbed rather than fatal.
func cameraOpener(width, height, fps int) openFunc {
	return func(device string) (frameReader, error) {
		args := []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", width, height),
			"-framerate", strconv.Itoa(fps),
			"-i", device,
			"-fflags", "nobuffer",
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
		return startFFmpeg(args)
	}
}

// fileOpener returns an openFunc for video files. The -re flag paces the
// decode at the file's native frame rate.
func fileOpener() openFunc {
	return func(path string) (frameReader, error) {
		args := []string{
			"-re",
			"-i", path,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
		return startFFmpeg(args)
	}
}

func startFFmpeg(args []string) (frameReader, error) {
	cmd := exec.Command("ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}

	// Consume stderr silently
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	return &ffmpegReader{
		cmd:    cmd,
		stdout: stdout,
		buf:    make([]byte, 0, 1024*1024),
		chunk:  make([]byte, 8192),
	}, nil
}

// ReadFrame blocks until a complete JPEG frame has been read from ffmpeg.
func (r *ffmpegReader) ReadFrame() ([]byte, error) {
	for {
		if frame := extractJPEGFrame(&r.buf); frame != nil {
			return frame, nil
		}
		n, err := r.stdout.Read(r.chunk)
		if err != nil {
			return nil, err
		}
		r.buf = append(r.buf, r.chunk[:n]...)
	}
}

func (r *ffmpegReader) Close() error {
	if r.cmd != nil && r.cmd.Process != nil {
		r.cmd.Process.Kill()
	}
	r.stdout.Close()
	if r.cmd != nil {
		r.cmd.Wait()
	}
	return nil
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	startIdx := -1
	for i := 0; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil
	}

	// Find JPEG end marker (FFD9)
	endIdx := -1
	for i := startIdx + 2; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}

// probeVideo returns the total frame count and frame rate of a video file
// using ffprobe. Frame count may be estimated from duration when the
// container does not record it.
func probeVideo(path string) (totalFrames int, fps float64, err error) {
	out, err := exec.Command("ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=nb_frames,r_frame_rate,duration",
		"-of", "csv=p=0",
		path,
	).Output()
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	fields := strings.Split(strings.TrimSpace(string(out)), ",")
	if len(fields) < 3 {
		return 0, 0, fmt.Errorf("ffprobe %s: unexpected output %q", path, out)
	}

	fps = parseFrameRate(fields[0])
	duration, _ := strconv.ParseFloat(fields[1], 64)
	totalFrames, _ = strconv.Atoi(fields[2])
	if totalFrames == 0 && fps > 0 && duration > 0 {
		totalFrames = int(duration * fps)
	}
	return totalFrames, fps, nil
}

// parseFrameRate parses an ffprobe rational like "30000/1001".
func parseFrameRate(s string) float64 {
	parts := strings.SplitN(s, "/", 2)
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if len(parts) == 1 {
		return num
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den == 0 {
		return 0
	}
	return num / den
}
