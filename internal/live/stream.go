package live

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/hawkeye/threat-server/internal/logger"
	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

const (
	keepaliveInterval = 30 * time.Second
	placeholderAfter  = 5 * time.Second
)

// WantsProtobuf reports whether the Accept header asks for protobuf payloads.
func WantsProtobuf(accept string) bool {
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

// ServeSSE streams snapshots to one client until it disconnects.
func (b *Broadcaster) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	useProtobuf := WantsProtobuf(r.Header.Get("Accept"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, events := b.Subscribe()
	defer b.Unsubscribe(id)
	if b.metrics != nil {
		b.metrics.SSEClients.Add(1)
		defer b.metrics.SSEClients.Add(-1)
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data := ev.JSON
			if useProtobuf {
				data = ev.Protobuf
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

// FrameSource provides the latest camera frame and a change notification.
type FrameSource interface {
	ReadLatest() (*types.Frame, error)
	Updated() <-chan struct{}
}

// MJPEG relays camera frames as multipart/x-mixed-replace.
type MJPEG struct {
	src         FrameSource
	minInterval time.Duration
	idle        time.Duration // no new frame for this long shows the placeholder

	once        sync.Once
	placeholder []byte
}

// NewMJPEG creates a relay over src sending at most one frame per minInterval.
func NewMJPEG(src FrameSource, minInterval time.Duration) *MJPEG {
	return &MJPEG{src: src, minInterval: minInterval, idle: placeholderAfter}
}

func (s *MJPEG) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	stale := false
	for {
		updated := s.src.Updated()

		data := s.placeholderFrame()
		if !stale {
			if frame, err := s.src.ReadLatest(); err == nil {
				data = frame.Data
			}
		}

		if err := writePart(w, data); err != nil {
			logger.Debug("MJPEG", "Client disconnected: %v", err)
			return
		}
		flusher.Flush()

		if s.minInterval > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.minInterval):
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-updated:
			stale = false
		case <-time.After(s.idle):
			stale = true
		}
	}
}

func writePart(w http.ResponseWriter, data []byte) error {
	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// placeholderFrame is a grey card shown while the camera has no frame.
func (s *MJPEG) placeholderFrame() []byte {
	s.once.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, 640, 480))
		grey := color.RGBA{R: 48, G: 48, B: 48, A: 255}
		for y := range 480 {
			for x := range 640 {
				img.Set(x, y, grey)
			}
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
			logger.Error("MJPEG", "Failed to render placeholder: %v", err)
			return
		}
		s.placeholder = buf.Bytes()
	})
	return s.placeholder
}
