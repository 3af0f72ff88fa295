package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Detector runs model inference on a single JPEG frame. Implementations must
// be safe for concurrent calls from worker goroutines.
type Detector interface {
	Name() string
	Detect(ctx context.Context, frame []byte) ([]RawDetection, error)
}

// HTTPDetector calls an inference sidecar over HTTP. The frame is posted as
// a multipart upload to /detect and the response carries the detections.
type HTTPDetector struct {
	name     string
	endpoint string
	client   *http.Client
}

type detectResponse struct {
	Detections      []RawDetection `json:"detections"`
	Count           int            `json:"count"`
	InferenceTimeMs float64        `json:"inference_time_ms"`
}

// NewHTTPDetector creates a detector backed by the given service endpoint.
func NewHTTPDetector(name, endpoint string) *HTTPDetector {
	return &HTTPDetector{
		name:     name,
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 15 * time.Second, // inference can be slow on CPU
		},
	}
}

// Name returns the model tag this detector reports.
func (d *HTTPDetector) Name() string { return d.name }

// Detect posts the frame to the inference service and decodes the result.
func (d *HTTPDetector) Detect(ctx context.Context, frame []byte) ([]RawDetection, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(frame); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s inference request: %w", d.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s inference failed: status %d: %s", d.name, resp.StatusCode, msg)
	}

	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", d.name, err)
	}
	return result.Detections, nil
}
