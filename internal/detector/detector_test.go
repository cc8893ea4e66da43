package detector

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

var testFrame = &types.Frame{Data: []byte{0xff, 0xd8, 0xff, 0xd9}, Width: 640, Height: 480}

func TestHTTPSource_Detect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, testFrame.Data, body)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"model":"threat_yolov8n","detections":[
			{"class_id":0,"class_name":"pistol","confidence":0.82,"box":[10,20,50,60]},
			{"class_id":3,"class_name":"person","confidence":0.51,"box":[100,100,200,300]}
		]}`)
	}))
	defer srv.Close()

	src := NewHTTPSource("spec", srv.URL, time.Second)
	dets, err := src.Detect(context.Background(), testFrame)
	require.NoError(t, err)

	require.Len(t, dets, 2)
	assert.Equal(t, types.RawDetection{
		ClassID: 0, ClassName: "pistol", Confidence: 0.82,
		Box: types.Box{X1: 10, Y1: 20, X2: 50, Y2: 60},
	}, dets[0])
	assert.Equal(t, "threat_yolov8n", src.Model())
	assert.Equal(t, "spec", src.Name())
}

func TestHTTPSource_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPSource("gen", srv.URL, time.Second).Detect(context.Background(), testFrame)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestHTTPSource_EmptyFrame(t *testing.T) {
	_, err := NewHTTPSource("gen", "http://127.0.0.1:1", time.Second).Detect(context.Background(), &types.Frame{})
	assert.Error(t, err)
}

type stubSource struct {
	name  string
	dets  []types.RawDetection
	err   error
	delay time.Duration
}

func (s stubSource) Name() string { return s.name }

func (s stubSource) Detect(ctx context.Context, _ *types.Frame) ([]types.RawDetection, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.dets, s.err
}

func TestDetectAll(t *testing.T) {
	one := []types.RawDetection{{ClassID: 1, Confidence: 0.9, Box: types.Box{X2: 1, Y2: 1}}}
	sources := []Source{
		stubSource{name: "fast", dets: one},
		stubSource{name: "broken", dets: one, err: ErrUnavailable},
		stubSource{name: "slow", dets: one, delay: time.Second},
	}

	results := DetectAll(context.Background(), sources, testFrame, 50*time.Millisecond)
	require.Len(t, results, 3)

	assert.Equal(t, "fast", results[0].Source)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, one, results[0].Detections)

	assert.Equal(t, "broken", results[1].Source)
	assert.Error(t, results[1].Err)
	assert.Empty(t, results[1].Detections)

	assert.Equal(t, "slow", results[2].Source)
	assert.ErrorIs(t, results[2].Err, context.DeadlineExceeded)
	assert.Empty(t, results[2].Detections)
}
