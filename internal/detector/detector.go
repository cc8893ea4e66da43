// Package detector talks to the object detection model services.
package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

// ErrUnavailable is returned when a model service cannot produce a result for a frame
var ErrUnavailable = errors.New("detector unavailable")

// Source produces raw detections for a frame
type Source interface {
	Name() string
	Detect(ctx context.Context, frame *types.Frame) ([]types.RawDetection, error)
}

// HTTPSource posts JPEG frames to a model service.
//
// Request:  POST <url>, Content-Type: image/jpeg, body = frame bytes
// Response: {"model": "yolov8m", "detections": [{"class_id", "class_name", "confidence", "box": [x1,y1,x2,y2]}]}
type HTTPSource struct {
	name   string
	url    string
	client *http.Client
	model  atomic.Value // string
}

// NewHTTPSource creates a source. timeout bounds each call.
func NewHTTPSource(name, url string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Name() string { return s.name }

// Model returns the model name last reported by the service, or "".
func (s *HTTPSource) Model() string {
	m, _ := s.model.Load().(string)
	return m
}

type wireDetection struct {
	ClassID    int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

type wireResponse struct {
	Model      string          `json:"model"`
	Detections []wireDetection `json:"detections"`
}

// Detect sends one frame and decodes the response
func (s *HTTPSource) Detect(ctx context.Context, frame *types.Frame) ([]types.RawDetection, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, fmt.Errorf("%s: empty frame", s.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", s.name, err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", s.name, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: %w: status %d", s.name, ErrUnavailable, resp.StatusCode)
	}

	var body wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", s.name, err)
	}
	if body.Model != "" {
		s.model.Store(body.Model)
	}

	out := make([]types.RawDetection, 0, len(body.Detections))
	for _, d := range body.Detections {
		out = append(out, types.RawDetection{
			ClassID:    d.ClassID,
			ClassName:  d.ClassName,
			Confidence: d.Confidence,
			Box:        types.Box{X1: d.Box[0], Y1: d.Box[1], X2: d.Box[2], Y2: d.Box[3]},
		})
	}
	return out, nil
}
