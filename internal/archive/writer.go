package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/dj-oyu/hawkeye/threat-server/internal/logger"
	"github.com/dj-oyu/hawkeye/threat-server/internal/metrics"
	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

// Request is one event handed off by the pipeline
type Request struct {
	Type          types.ThreatType
	Timestamp     time.Time
	Labels        []string
	MaxConfidence float64
	Boxes         []types.Detection
	Frame         []byte // JPEG of the frame that raised the event
}

// Annotator draws boxes onto a JPEG
type Annotator func(jpeg []byte, boxes []types.Detection) ([]byte, error)

// WriterOptions configures a Writer
type WriterOptions struct {
	QueueSize       int
	Annotate        Annotator // nil stores the raw frame
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Writer persists events off the pipeline goroutine
type Writer struct {
	store    *Store
	annotate Annotator
	breaker  *gobreaker.CircuitBreaker[int64]
	reqChan  chan *Request
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	status WriterStatus
}

// WriterStatus summarizes writer activity
type WriterStatus struct {
	Written     uint64 `json:"written"`
	Dropped     uint64 `json:"dropped"`
	Failed      uint64 `json:"failed"`
	LastEventID int64  `json:"last_event_id"`
	LastError   string `json:"last_error,omitempty"`
	Breaker     string `json:"breaker"`
}

// NewWriter creates a writer; call Serve to start it. m may be nil.
func NewWriter(store *Store, opts WriterOptions, m *metrics.Metrics) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 8
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "archive",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Archive", "Circuit breaker %s: %s -> %s", name, from, to)
		},
	}

	return &Writer{
		store:    store,
		annotate: opts.Annotate,
		breaker:  gobreaker.NewCircuitBreaker[int64](settings),
		reqChan:  make(chan *Request, opts.QueueSize),
		metrics:  m,
	}
}

// Submit queues an event (non-blocking). It returns false when the queue is full.
func (w *Writer) Submit(req *Request) bool {
	select {
	case w.reqChan <- req:
		w.updateQueueUsage()
		return true
	default:
		w.mu.Lock()
		w.status.Dropped++
		w.mu.Unlock()
		if w.metrics != nil {
			w.metrics.ArchiveDropped.Add(1)
		}
		logger.Warn("Archive", "Queue full, dropping %s event", req.Type)
		return false
	}
}

// Serve writes queued events until ctx is cancelled, then drains the queue
func (w *Writer) Serve(ctx context.Context) error {
	for {
		select {
		case req := <-w.reqChan:
			w.handle(req)
		case <-ctx.Done():
			for len(w.reqChan) > 0 {
				w.handle(<-w.reqChan)
			}
			return ctx.Err()
		}
	}
}

func (w *Writer) handle(req *Request) {
	w.updateQueueUsage()

	id, err := w.breaker.Execute(func() (int64, error) {
		return w.persist(req)
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.status.Failed++
		w.status.LastError = err.Error()
		if w.metrics != nil {
			w.metrics.ArchiveErrors.Add(1)
		}
		logger.Error("Archive", "Failed to persist %s event: %v", req.Type, err)
		return
	}

	w.status.Written++
	w.status.LastEventID = id
	if w.metrics != nil {
		w.metrics.EventsPersisted.Add(1)
	}
	logger.Info("Archive", "Event %d persisted: %s (%.2f)", id, req.Type, req.MaxConfidence)
}

// persist writes the image, then the row. The image is removed if the row cannot be written.
func (w *Writer) persist(req *Request) (int64, error) {
	img := req.Frame
	if w.annotate != nil && len(img) > 0 {
		annotated, err := w.annotate(img, req.Boxes)
		if err != nil {
			logger.Warn("Archive", "Annotation failed, storing raw frame: %v", err)
		} else {
			img = annotated
		}
	}

	name := ImageName(req.Timestamp, req.Type)
	path := filepath.Join(w.store.ImageDir(), name)
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return 0, fmt.Errorf("write image: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := w.store.Insert(ctx, &types.EventRecord{
		Timestamp:  req.Timestamp,
		Type:       req.Type,
		Labels:     req.Labels,
		Confidence: req.MaxConfidence,
		ImagePath:  name,
		Boxes:      req.Boxes,
	})
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	return id, nil
}

// ImageName builds "<YYYYmmdd_HHMMSS>_<TYPE>_<id8>.jpg"
func ImageName(ts time.Time, t types.ThreatType) string {
	return fmt.Sprintf("%s_%s_%s.jpg", ts.Format("20060102_150405"), t, uuid.NewString()[:8])
}

func (w *Writer) updateQueueUsage() {
	if w.metrics != nil {
		w.metrics.UpdateQueueUsage(len(w.reqChan), cap(w.reqChan))
	}
}

// Status returns the current writer status
func (w *Writer) Status() WriterStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st := w.status
	st.Breaker = w.breaker.State().String()
	return st
}
