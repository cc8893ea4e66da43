package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/hawkeye/threat-server/internal/archive"
	"github.com/dj-oyu/hawkeye/threat-server/internal/capture"
	"github.com/dj-oyu/hawkeye/threat-server/internal/detector"
	"github.com/dj-oyu/hawkeye/threat-server/internal/engine"
	"github.com/dj-oyu/hawkeye/threat-server/internal/fusion"
	"github.com/dj-oyu/hawkeye/threat-server/internal/metrics"
	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFrames struct {
	frame     *types.Frame
	connected bool
}

func (f *fakeFrames) ReadLatest() (*types.Frame, error) {
	if f.frame == nil {
		return nil, capture.ErrNoFrame
	}
	return f.frame, nil
}

func (f *fakeFrames) Connected() bool { return f.connected }

// next replaces the current frame with a new one taken at offset from epoch.
func (f *fakeFrames) next(offset time.Duration) {
	num := uint64(1)
	if f.frame != nil {
		num = f.frame.FrameNum + 1
	}
	f.frame = &types.Frame{
		Data:      []byte("jpeg"),
		Timestamp: epoch.Add(offset),
		FrameNum:  num,
		Width:     640,
		Height:    480,
	}
	f.connected = true
}

type stubSource struct {
	name  string
	model string
	dets  []types.RawDetection
	err   error
	calls int
}

func (s *stubSource) Name() string  { return s.name }
func (s *stubSource) Model() string { return s.model }

func (s *stubSource) Detect(context.Context, *types.Frame) ([]types.RawDetection, error) {
	s.calls++
	return s.dets, s.err
}

type recorder struct {
	mu    sync.Mutex
	snaps []types.LiveSnapshot
	reqs  []*archive.Request
}

func (r *recorder) Publish(s types.LiveSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return nil
}

func (r *recorder) Submit(req *archive.Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return true
}

func (r *recorder) last() types.LiveSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func testSources() []fusion.Source {
	return []fusion.Source{
		{Name: "gen", Tag: "gen", Categories: map[int]types.Category{0: types.CategoryPerson}},
		{Name: "spec", Tag: "spec", Categories: map[int]types.Category{0: types.CategoryWeapon}},
	}
}

func raw(class string, conf float64, x1, y1, x2, y2 float64) types.RawDetection {
	return types.RawDetection{ClassName: class, Confidence: conf, Box: types.Box{X1: x1, Y1: y1, X2: x2, Y2: y2}}
}

type harness struct {
	p       *Pipeline
	frames  *fakeFrames
	gen     *stubSource
	spec    *stubSource
	rec     *recorder
	metrics *metrics.Metrics
	clock   time.Time
}

func newHarness(t *testing.T, frameSkip int) *harness {
	t.Helper()
	fuser, err := fusion.New(fusion.DefaultConfig(), testSources())
	require.NoError(t, err)

	h := &harness{
		frames:  &fakeFrames{},
		gen:     &stubSource{name: "gen", model: "yolov8m"},
		spec:    &stubSource{name: "spec", model: "weapons-v2"},
		rec:     &recorder{},
		metrics: metrics.New(),
		clock:   epoch,
	}
	h.p = New(Config{Interval: 66 * time.Millisecond, FrameSkip: frameSkip, SourceTimeout: time.Second},
		h.frames, []detector.Source{h.gen, h.spec}, fuser, engine.New(engine.DefaultConfig()),
		h.rec, h.rec, h.metrics)
	h.p.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) step(advance time.Duration) types.LiveSnapshot {
	h.clock = h.clock.Add(advance)
	h.p.Step(context.Background())
	return h.rec.last()
}

func TestStep_StatusTransitions(t *testing.T) {
	h := newHarness(t, 1)

	snap := h.step(0)
	assert.Equal(t, types.StatusOffline, snap.Status)
	assert.Equal(t, [2]int{0, 0}, snap.FrameDims)
	assert.Equal(t, "pending", snap.Debug.ModelUsed)

	h.frames.connected = true
	snap = h.step(66 * time.Millisecond)
	assert.Equal(t, types.StatusModelSync, snap.Status, "link up but no model answered yet")

	h.frames.next(0)
	snap = h.step(66 * time.Millisecond)
	assert.Equal(t, types.StatusConnected, snap.Status)
	assert.Equal(t, [2]int{640, 480}, snap.FrameDims)
	assert.Equal(t, "Hybrid (yolov8m + weapons-v2)", snap.Debug.ModelUsed)

	h.frames.frame = nil
	snap = h.step(66 * time.Millisecond)
	assert.Equal(t, types.StatusUplinkStall, snap.Status)
	assert.Zero(t, snap.FPS)
	assert.Equal(t, [2]int{640, 480}, snap.FrameDims)

	h.frames.connected = false
	snap = h.step(66 * time.Millisecond)
	assert.Equal(t, types.StatusOffline, snap.Status)
	assert.Equal(t, [2]int{0, 0}, snap.FrameDims)
}

func TestStep_ModelSyncWhileSourcesFail(t *testing.T) {
	h := newHarness(t, 1)
	h.gen.err = errors.New("connection refused")
	h.spec.err = errors.New("connection refused")

	h.frames.next(0)
	snap := h.step(0)
	assert.Equal(t, types.StatusModelSync, snap.Status)
	assert.Empty(t, snap.Boxes)
	assert.Equal(t, 1, h.gen.calls)
	assert.Contains(t, string(mustScrape(t, h.metrics)), `hawkeye_detector_errors_total{source="gen"} 1`)
}

func mustScrape(t *testing.T, m *metrics.Metrics) []byte {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.Bytes()
}

func TestStep_FrameSkip(t *testing.T) {
	h := newHarness(t, 2)
	for i := 0; i < 6; i++ {
		h.frames.next(time.Duration(i) * 66 * time.Millisecond)
		h.step(66 * time.Millisecond)
	}
	assert.Equal(t, 3, h.gen.calls)
	assert.Equal(t, uint64(3), h.metrics.FramesProcessed.Load())
	assert.Equal(t, uint64(3), h.metrics.FramesSkipped.Load())
	assert.Len(t, h.rec.snaps, 6, "a snapshot is published every tick")
}

func TestStep_StaleFrameIsUplinkStall(t *testing.T) {
	h := newHarness(t, 1)
	h.p.cfg.StallAfter = 2 * time.Second

	h.frames.next(0)
	snap := h.step(0)
	assert.Equal(t, types.StatusConnected, snap.Status)

	snap = h.step(3 * time.Second)
	assert.Equal(t, types.StatusUplinkStall, snap.Status)
	assert.Zero(t, snap.FPS)
}

func TestStep_SameFrameNotReprocessed(t *testing.T) {
	h := newHarness(t, 1)
	h.frames.next(0)
	h.step(0)
	h.step(66 * time.Millisecond)
	h.step(66 * time.Millisecond)
	assert.Equal(t, 1, h.gen.calls)
}

func TestStep_PublishesFusedSnapshot(t *testing.T) {
	h := newHarness(t, 1)
	h.gen.dets = []types.RawDetection{raw("person", 0.9, 300, 100, 400, 400)}
	h.spec.dets = []types.RawDetection{raw("knife", 0.55, 350, 200, 400, 260)}

	h.frames.next(0)
	h.step(0)
	h.frames.next(132 * time.Millisecond)
	snap := h.step(132 * time.Millisecond)

	assert.Equal(t, types.Counts{Persons: 1, Weapons: 1}, snap.Counts)
	require.Len(t, snap.Boxes, 2)
	assert.Equal(t, "[PERSON/GEN] 0.90", snap.Boxes[0].Label)
	assert.Equal(t, "[KNIFE/SPEC] 0.55", snap.Boxes[1].Label)
	assert.Equal(t, []types.ThreatType{types.ThreatWeaponDetectedUnlocked}, snap.Threats)
	assert.InDelta(t, 7.6, snap.FPS, 1e-9)
	assert.Empty(t, h.rec.reqs, "unlocked weapons are never archived")
}

func TestStep_ArchivesLockedEvent(t *testing.T) {
	h := newHarness(t, 1)
	h.gen.dets = []types.RawDetection{raw("person", 0.9, 300, 100, 400, 400)}
	h.spec.dets = []types.RawDetection{raw("pistol", 0.85, 350, 200, 400, 260)}

	for i := 0; i < 4; i++ {
		h.frames.next(time.Duration(i) * 100 * time.Millisecond)
		h.step(100 * time.Millisecond)
	}

	snap := h.rec.last()
	assert.Equal(t, []types.ThreatType{types.ThreatWeaponDetected, types.ThreatPersonWithWeapon}, snap.Threats)

	// A locked weapon held by a person is archived on the first frame; the
	// weapon alone needs a second frame to reach quorum. Each type has its
	// own cooldown, so both are archived once.
	require.Len(t, h.rec.reqs, 2, "cooldown holds back repeats")
	pww, wd := h.rec.reqs[0], h.rec.reqs[1]
	assert.Equal(t, types.ThreatPersonWithWeapon, pww.Type)
	assert.Equal(t, epoch, pww.Timestamp)
	assert.Equal(t, types.ThreatWeaponDetected, wd.Type)
	assert.Equal(t, epoch.Add(100*time.Millisecond), wd.Timestamp)
	for _, req := range h.rec.reqs {
		assert.Equal(t, []byte("jpeg"), req.Frame)
		assert.InDelta(t, 0.9, req.MaxConfidence, 1e-9)
		assert.Len(t, req.Labels, 2)
	}
}

func TestStep_OneEventPerFrame(t *testing.T) {
	h := newHarness(t, 1)

	// Below the lock tier and without a person: counts toward quorum only.
	h.spec.dets = []types.RawDetection{raw("pistol", 0.5, 350, 200, 400, 260)}
	h.frames.next(0)
	snap := h.step(100 * time.Millisecond)
	assert.Empty(t, snap.Threats)
	assert.Empty(t, h.rec.reqs)

	// Weapon and armed person both become archivable on the same frame.
	h.gen.dets = []types.RawDetection{raw("person", 0.9, 300, 100, 400, 400)}
	h.spec.dets = []types.RawDetection{raw("pistol", 0.85, 350, 200, 400, 260)}
	h.frames.next(100 * time.Millisecond)
	snap = h.step(100 * time.Millisecond)
	assert.Equal(t, []types.ThreatType{types.ThreatWeaponDetected, types.ThreatPersonWithWeapon}, snap.Threats)
	require.Len(t, h.rec.reqs, 1)
	assert.Equal(t, types.ThreatWeaponDetected, h.rec.reqs[0].Type)

	// The losing type spent its cooldown on that frame too.
	h.frames.next(200 * time.Millisecond)
	snap = h.step(100 * time.Millisecond)
	assert.Contains(t, snap.Threats, types.ThreatPersonWithWeapon)
	assert.Len(t, h.rec.reqs, 1)
}

func TestModelUsed_SingleSource(t *testing.T) {
	fuser, err := fusion.New(fusion.DefaultConfig(), testSources()[:1])
	require.NoError(t, err)
	frames := &fakeFrames{}
	frames.next(0)
	src := &stubSource{name: "gen"}
	rec := &recorder{}
	p := New(Config{}, frames, []detector.Source{src}, fuser, engine.New(engine.DefaultConfig()), nil, rec, nil)

	p.Step(context.Background())
	assert.Equal(t, "gen", rec.last().Debug.ModelUsed)
}

func TestServe_StopsOnCancel(t *testing.T) {
	h := newHarness(t, 1)
	h.p.now = time.Now
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Serve(ctx) }()

	require.Eventually(t, func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.snaps) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestReplay(t *testing.T) {
	fuser, err := fusion.New(fusion.DefaultConfig(), testSources())
	require.NoError(t, err)
	eng := engine.New(engine.DefaultConfig())

	var in strings.Builder
	for i := 0; i < 3; i++ {
		rec := RecordedFrame{
			TS:     1772366400 + float64(i)*0.2,
			Width:  640,
			Height: 480,
			Sources: map[string][]types.RawDetection{
				"spec": {raw("pistol", 0.85, 350, 200, 400, 260)},
				"gen":  {raw("person", 0.9, 300, 100, 400, 400)},
			},
		}
		line, err := json.Marshal(rec)
		require.NoError(t, err)
		in.Write(line)
		in.WriteString("\n")
	}

	var out bytes.Buffer
	sum, err := Replay(strings.NewReader(in.String()), &out, []string{"gen", "spec"}, fuser, eng)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Frames)
	assert.Equal(t, map[types.ThreatType]int{
		types.ThreatPersonWithWeapon: 1,
		types.ThreatWeaponDetected:   1,
	}, sum.Events)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)

	var first, second ReplayLine
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, []types.ThreatType{types.ThreatPersonWithWeapon}, first.Threats)
	assert.Equal(t, types.ThreatPersonWithWeapon, first.Event)
	assert.Equal(t, types.ThreatWeaponDetected, second.Event)
	assert.Equal(t, 1, second.Persons)
}

func TestReplay_BadLine(t *testing.T) {
	fuser, err := fusion.New(fusion.DefaultConfig(), testSources())
	require.NoError(t, err)
	_, err = Replay(strings.NewReader("{not json}\n"), &bytes.Buffer{}, []string{"gen"}, fuser, engine.New(engine.DefaultConfig()))
	assert.ErrorContains(t, err, "line 1")
}
