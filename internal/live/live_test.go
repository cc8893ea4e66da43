package live

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/hawkeye/threat-server/internal/capture"
	"github.com/dj-oyu/hawkeye/threat-server/internal/metrics"
	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

func testSnapshot() types.LiveSnapshot {
	return types.LiveSnapshot{
		Timestamp: 1767225600.5,
		FPS:       7.5,
		Counts:    types.Counts{Persons: 1, Weapons: 1},
		Threats:   []types.ThreatType{types.ThreatWeaponDetected, types.ThreatPersonWithWeapon},
		Boxes: []types.Detection{{
			ID: 1, ClassName: "knife", Category: types.CategoryWeapon, Confidence: 0.8,
			Label: "[KNIFE/SPEC] 0.80", Source: "spec", Box: types.Box{X1: 10, Y1: 10, X2: 40, Y2: 60},
		}},
		Status:    types.StatusConnected,
		FrameDims: [2]int{640, 480},
		Debug:     types.DebugInfo{ModelUsed: "Hybrid (gen + spec)"},
	}
}

func TestEncode_JSONAndProtobufAgree(t *testing.T) {
	ev, err := Encode(testSnapshot())
	require.NoError(t, err)

	var fromJSON map[string]any
	require.NoError(t, json.Unmarshal(ev.JSON, &fromJSON))
	assert.Equal(t, "CONNECTED", fromJSON["status"])
	assert.Equal(t, []any{float64(640), float64(480)}, fromJSON["frame_dims"])

	raw, err := base64.StdEncoding.DecodeString(string(ev.Protobuf))
	require.NoError(t, err)
	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &st))
	assert.Equal(t, fromJSON, st.AsMap())
}

func TestEncode_ProtobufIsStable(t *testing.T) {
	first, err := Encode(testSnapshot())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		ev, err := Encode(testSnapshot())
		require.NoError(t, err)
		require.Equal(t, string(first.Protobuf), string(ev.Protobuf), "encode %d", i)
	}
}

func TestEncode_EmptyListsAreArrays(t *testing.T) {
	ev, err := Encode(types.LiveSnapshot{Status: types.StatusInitializing})
	require.NoError(t, err)
	assert.Contains(t, string(ev.JSON), `"threats":[]`)
	assert.Contains(t, string(ev.JSON), `"boxes":[]`)
}

type recordingSink struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (s *recordingSink) Broadcast(data []byte) {
	s.mu.Lock()
	s.msgs = append(s.msgs, data)
	s.mu.Unlock()
}

func TestBroadcaster_FanOut(t *testing.T) {
	m := metrics.New()
	b := NewBroadcaster(m)
	sink := &recordingSink{}
	b.AddSink(sink)

	id, ch := b.Subscribe()
	require.NoError(t, b.Publish(testSnapshot()))

	ev := <-ch
	assert.Contains(t, string(ev.JSON), "PERSON_WITH_WEAPON")
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, ev.JSON, sink.msgs[0])

	snap, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, 7.5, snap.FPS)

	// a full client channel drops instead of blocking
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(testSnapshot()))
	}
	assert.Equal(t, uint64(3), m.LiveDropped.Load())

	b.Unsubscribe(id)
	assert.Equal(t, 0, b.Clients())
}

func TestBroadcaster_SubscribeGetsLatest(t *testing.T) {
	b := NewBroadcaster(nil)
	require.NoError(t, b.Publish(testSnapshot()))

	_, ch := b.Subscribe()
	select {
	case ev := <-ch:
		assert.Contains(t, string(ev.JSON), "WEAPON_DETECTED")
	default:
		t.Fatal("latest snapshot was not queued on subscribe")
	}
}

func readSSEData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
}

func TestServeSSE(t *testing.T) {
	tests := []struct {
		name   string
		accept string
		format string
	}{
		{"json", "text/event-stream", "application/json"},
		{"protobuf", "application/x-protobuf", "application/protobuf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBroadcaster(nil)
			srv := httptest.NewServer(http.HandlerFunc(b.ServeSSE))
			defer srv.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
			require.NoError(t, err)
			req.Header.Set("Accept", tt.accept)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
			assert.Equal(t, tt.format, resp.Header.Get("X-Content-Format"))

			require.Eventually(t, func() bool { return b.Clients() == 1 }, time.Second, 5*time.Millisecond)
			require.NoError(t, b.Publish(testSnapshot()))

			ev, err := Encode(testSnapshot())
			require.NoError(t, err)
			want := string(ev.JSON)
			if tt.name == "protobuf" {
				want = string(ev.Protobuf)
			}
			assert.Equal(t, want, readSSEData(t, bufio.NewReader(resp.Body)))

			cancel()
			require.Eventually(t, func() bool { return b.Clients() == 0 }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestHub_PushesToWebsocketClients(t *testing.T) {
	m := metrics.New()
	hub := NewHub(m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Serve(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), m.WSClients.Load())

	hub.Broadcast([]byte(`{"status":"CONNECTED"}`))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"CONNECTED"}`, string(msg))

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

type fakeFrames struct {
	mu     sync.Mutex
	frame  *types.Frame
	notify chan struct{}
}

func (f *fakeFrames) ReadLatest() (*types.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frame == nil {
		return nil, capture.ErrNoFrame
	}
	return f.frame, nil
}

func (f *fakeFrames) Updated() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notify
}

func TestMJPEG_RelaysLatestFrame(t *testing.T) {
	src := &fakeFrames{
		frame:  &types.Frame{Data: []byte("jpeg-bytes"), FrameNum: 1},
		notify: make(chan struct{}),
	}
	srv := httptest.NewServer(NewMJPEG(src, 10*time.Millisecond))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", line)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Content-Type: image/jpeg\r\n", line)
	_, err = r.ReadString('\n')
	require.NoError(t, err)

	body := make([]byte, len("jpeg-bytes"))
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(body))
}

func TestMJPEG_PlaceholderWhenFrameGoesStale(t *testing.T) {
	src := &fakeFrames{
		frame:  &types.Frame{Data: []byte("jpeg-bytes"), FrameNum: 1},
		notify: make(chan struct{}),
	}
	relay := NewMJPEG(src, time.Millisecond)
	relay.idle = 20 * time.Millisecond
	srv := httptest.NewServer(relay)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	r := bufio.NewReader(resp.Body)

	readHeaders := func() {
		t.Helper()
		for _, want := range []string{"--frame\r\n", "Content-Type: image/jpeg\r\n", "\r\n"} {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			require.Equal(t, want, line)
		}
	}

	readHeaders()
	body := make([]byte, len("jpeg-bytes"))
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(body))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "\r\n", line)

	// No new frame arrives, so the next part is the placeholder JPEG.
	readHeaders()
	soi := make([]byte, 2)
	_, err = io.ReadFull(r, soi)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, soi)
}
