package archive

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/hawkeye/threat-server/internal/metrics"
	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

func testRequest(typ types.ThreatType) *Request {
	return &Request{
		Type:          typ,
		Timestamp:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Labels:        []string{"[PERSON/GEN] 0.91", "[KNIFE/SPEC] 0.77"},
		MaxConfidence: 0.91,
		Frame:         []byte("raw-jpeg"),
	}
}

func TestWriter_PersistsAnnotatedImage(t *testing.T) {
	s := openTestStore(t, 100)
	m := metrics.New()
	w := NewWriter(s, WriterOptions{
		QueueSize: 2,
		Annotate: func(jpeg []byte, boxes []types.Detection) ([]byte, error) {
			return append([]byte("annotated:"), jpeg...), nil
		},
	}, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Serve(ctx)
		close(done)
	}()

	require.True(t, w.Submit(testRequest(types.ThreatPersonWithWeapon)))
	require.Eventually(t, func() bool { return w.Status().Written == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	st := w.Status()
	rec, err := s.Get(context.Background(), st.LastEventID)
	require.NoError(t, err)
	assert.Equal(t, types.ThreatPersonWithWeapon, rec.Type)
	assert.InDelta(t, 0.91, rec.Confidence, 1e-9)

	data, err := os.ReadFile(s.ImagePath(rec))
	require.NoError(t, err)
	assert.Equal(t, "annotated:raw-jpeg", string(data))
	assert.Equal(t, uint64(1), m.EventsPersisted.Load())
	assert.Equal(t, "closed", st.Breaker)
}

func TestWriter_AnnotationFailureStoresRawFrame(t *testing.T) {
	s := openTestStore(t, 100)
	w := NewWriter(s, WriterOptions{
		Annotate: func([]byte, []types.Detection) ([]byte, error) { return nil, errors.New("bad jpeg") },
	}, nil)

	w.handle(testRequest(types.ThreatWeaponDetected))

	rec, err := s.Get(context.Background(), w.Status().LastEventID)
	require.NoError(t, err)
	data, err := os.ReadFile(s.ImagePath(rec))
	require.NoError(t, err)
	assert.Equal(t, "raw-jpeg", string(data))
}

func TestWriter_SubmitDropsWhenFull(t *testing.T) {
	s := openTestStore(t, 100)
	m := metrics.New()
	w := NewWriter(s, WriterOptions{QueueSize: 1}, m)

	assert.True(t, w.Submit(testRequest(types.ThreatWeaponDetected)))
	assert.False(t, w.Submit(testRequest(types.ThreatWeaponDetected)))

	assert.Equal(t, uint64(1), w.Status().Dropped)
	assert.Equal(t, uint64(1), m.ArchiveDropped.Load())
}

func TestWriter_BreakerOpensAfterFailures(t *testing.T) {
	s := openTestStore(t, 100)
	m := metrics.New()
	w := NewWriter(s, WriterOptions{BreakerFailures: 2, BreakerTimeout: time.Minute}, m)

	require.NoError(t, s.Close())
	for i := 0; i < 3; i++ {
		w.handle(testRequest(types.ThreatWeaponDetected))
	}

	st := w.Status()
	assert.Equal(t, uint64(3), st.Failed)
	assert.Equal(t, "open", st.Breaker)
	assert.Equal(t, uint64(3), m.ArchiveErrors.Load())

	files, err := os.ReadDir(s.ImageDir())
	require.NoError(t, err)
	assert.Empty(t, files, "images of failed inserts are removed")
}

func TestWriter_DrainsOnShutdown(t *testing.T) {
	s := openTestStore(t, 100)
	w := NewWriter(s, WriterOptions{QueueSize: 4}, nil)

	for i := 0; i < 3; i++ {
		require.True(t, w.Submit(testRequest(types.ThreatSuspiciousGroup)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Serve(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
