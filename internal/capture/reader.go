// Package capture reads JPEG frames from an MJPEG camera stream and keeps
// the latest one available to consumers.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/hawkeye/threat-server/internal/logger"
	"github.com/dj-oyu/hawkeye/threat-server/internal/metrics"
	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

// MaxFrameSize bounds a single JPEG part
const MaxFrameSize = 4 << 20

// ErrNoFrame is returned when no frame is available (camera offline or not yet streaming)
var ErrNoFrame = errors.New("no frame available")

// Reader reads frames from an MJPEG endpoint and reconnects on failure
type Reader struct {
	url            string
	client         *http.Client
	reconnectDelay time.Duration
	metrics        *metrics.Metrics

	mu     sync.RWMutex
	latest *types.Frame
	notify chan struct{}

	connected atomic.Bool
	lastFrame atomic.Int64 // unix nanos of the last frame, 0 if none yet
	frameNum  atomic.Uint64
}

// NewReader creates a reader; call Serve to start streaming. m may be nil.
func NewReader(url string, reconnectDelay time.Duration, m *metrics.Metrics) *Reader {
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	return &Reader{
		url:            url,
		client:         &http.Client{},
		reconnectDelay: reconnectDelay,
		metrics:        m,
		notify:         make(chan struct{}),
	}
}

// Serve streams frames until ctx is cancelled, reconnecting after failures
func (r *Reader) Serve(ctx context.Context) error {
	for {
		logger.Info("Camera", "Attempting link: %s", r.url)
		err := r.stream(ctx)

		r.connected.Store(false)
		r.clear()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.metrics != nil {
			r.metrics.ReadErrors.Add(1)
		}
		logger.Warn("Camera", "Link failure: %v (retry in %s)", err, r.reconnectDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.reconnectDelay):
		}
	}
}

func (r *Reader) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("parse content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return fmt.Errorf("not an MJPEG stream: %s", mediaType)
	}
	boundary := strings.TrimPrefix(params["boundary"], "--")
	if boundary == "" {
		return fmt.Errorf("missing multipart boundary")
	}

	r.connected.Store(true)
	logger.Info("Camera", "Uplink established: %s", r.url)

	mr := multipart.NewReader(resp.Body, boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("stream ended")
			}
			return fmt.Errorf("read part: %w", err)
		}

		data, err := readPart(part)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if len(data) > 0 {
			r.publish(data)
		}
	}
}

// readPart reads one JPEG. With a Content-Length header the frame is
// available without waiting for the next boundary.
func readPart(part *multipart.Part) ([]byte, error) {
	if n, err := strconv.Atoi(part.Header.Get("Content-Length")); err == nil && n > 0 && n <= MaxFrameSize {
		data := make([]byte, n)
		if _, err := io.ReadFull(part, data); err != nil {
			return nil, err
		}
		return data, nil
	}
	return io.ReadAll(io.LimitReader(part, MaxFrameSize))
}

func (r *Reader) publish(data []byte) {
	now := time.Now()
	frame := &types.Frame{
		Data:      data,
		Timestamp: now,
		FrameNum:  r.frameNum.Add(1),
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		frame.Width, frame.Height = cfg.Width, cfg.Height
	} else {
		logger.Debug("Camera", "Frame %d: cannot read JPEG header: %v", frame.FrameNum, err)
	}

	r.mu.Lock()
	r.latest = frame
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()

	r.lastFrame.Store(now.UnixNano())
	if r.metrics != nil {
		r.metrics.FramesRead.Add(1)
	}
}

func (r *Reader) clear() {
	r.mu.Lock()
	r.latest = nil
	r.mu.Unlock()
}

// ReadLatest returns the most recent frame. The returned frame is shared and must not be modified.
func (r *Reader) ReadLatest() (*types.Frame, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return nil, ErrNoFrame
	}
	return r.latest, nil
}

// Updated returns a channel that is closed when the next frame arrives
func (r *Reader) Updated() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notify
}

// WaitNewFrame blocks until a new frame arrives, ctx is done or timeout elapses
func (r *Reader) WaitNewFrame(ctx context.Context, timeout time.Duration) (*types.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.Updated():
		return r.ReadLatest()
	case <-timer.C:
		return nil, ErrNoFrame
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connected reports whether the camera link is up
func (r *Reader) Connected() bool {
	return r.connected.Load()
}

// LastFrameTime returns when the last frame was received
func (r *Reader) LastFrameTime() (time.Time, bool) {
	ns := r.lastFrame.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
