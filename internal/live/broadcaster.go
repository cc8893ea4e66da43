// Package live fans the latest threat snapshot out to SSE, websocket and WebRTC clients.
package live

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/hawkeye/threat-server/internal/logger"
	"github.com/dj-oyu/hawkeye/threat-server/internal/metrics"
	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

// Event holds one snapshot pre-serialized in both wire formats.
type Event struct {
	JSON     []byte
	Protobuf []byte // base64 of a google.protobuf.Struct, ready for SSE
}

// Sink receives every published snapshot as JSON.
type Sink interface {
	Broadcast(data []byte)
}

// Broadcaster keeps the latest snapshot and fans it out to subscribers and sinks.
// Sends never block; a slow subscriber misses snapshots.
type Broadcaster struct {
	mu       sync.Mutex
	clients  map[int]chan *Event
	nextID   int
	sinks    []Sink
	latest   *Event
	snapshot types.LiveSnapshot
	hasSnap  bool
	metrics  *metrics.Metrics
}

// NewBroadcaster creates a broadcaster. m may be nil.
func NewBroadcaster(m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		clients: make(map[int]chan *Event),
		metrics: m,
	}
}

// AddSink registers a sink for every future snapshot.
func (b *Broadcaster) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Subscribe adds a client. The latest snapshot, if any, is queued right away.
func (b *Broadcaster) Subscribe() (int, <-chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *Event, 2)
	if b.latest != nil {
		ch <- b.latest
	}
	b.clients[id] = ch

	logger.Debug("Live", "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		logger.Debug("Live", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Clients returns the number of channel subscribers.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Publish serializes snap once and delivers it to every subscriber and sink.
func (b *Broadcaster) Publish(snap types.LiveSnapshot) error {
	ev, err := Encode(snap)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.latest = ev
	b.snapshot = snap
	b.hasSnap = true
	for _, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			if b.metrics != nil {
				b.metrics.LiveDropped.Add(1)
			}
		}
	}
	sinks := b.sinks
	b.mu.Unlock()

	for _, s := range sinks {
		s.Broadcast(ev.JSON)
	}
	return nil
}

// Latest returns the most recently published snapshot.
func (b *Broadcaster) Latest() (types.LiveSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot, b.hasSnap
}

// Encode renders a snapshot as JSON and as a base64 protobuf Struct.
func Encode(snap types.LiveSnapshot) (*Event, error) {
	if snap.Threats == nil {
		snap.Threats = []types.ThreatType{}
	}
	if snap.Boxes == nil {
		snap.Boxes = []types.Detection{}
	}

	jsonData, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("decode snapshot fields: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build snapshot struct: %w", err)
	}
	// Struct fields are a map; sort keys so equal snapshots encode equally.
	pbData, err := proto.MarshalOptions{Deterministic: true}.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot protobuf: %w", err)
	}

	return &Event{
		JSON:     jsonData,
		Protobuf: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
