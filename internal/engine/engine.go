// Package engine turns fused per-frame detections into debounced threat
// events. An Engine is not safe for concurrent use; one goroutine must own it.
package engine

import (
	"time"

	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

// Config holds the inference tunables. Values are read once by New.
type Config struct {
	WeaponConfidence  float64 // HUD display tier
	ArchiveConfidence float64 // archive lock tier
	PersistenceWindow int
	PersistenceQuorum int
	StaticFrames      int
	StaticGrid        float64
	AssociationMargin float64
	GroupMinSize      int
	GroupRadius       float64
	GroupSustain      time.Duration
	Cooldown          time.Duration
}

// DefaultConfig returns the tunables of the reference deployment
func DefaultConfig() Config {
	return Config{
		WeaponConfidence:  0.40,
		ArchiveConfidence: 0.70,
		PersistenceWindow: 5,
		PersistenceQuorum: 2,
		StaticFrames:      50,
		StaticGrid:        10,
		AssociationMargin: 80,
		GroupMinSize:      4,
		GroupRadius:       120,
		GroupSustain:      2 * time.Second,
		Cooldown:          3 * time.Second,
	}
}

// EventRequest asks the archive to persist one event
type EventRequest struct {
	Type          types.ThreatType
	Timestamp     time.Time
	Labels        []string
	MaxConfidence float64
	Boxes         []types.Detection
}

// Result is the engine output for one frame
type Result struct {
	Boxes      []types.Detection // post-suppression display list
	Persons    []types.Detection
	Weapons    []types.Detection // post-suppression
	Suppressed []int             // IDs removed as static
	Threats    []types.ThreatType
	Vote       Vote
	Event      *EventRequest // nil unless an event should be archived
}

// Engine owns all cross-frame inference state
type Engine struct {
	cfg     Config
	static  *StaticFilter
	voter   *PersistenceVoter
	cluster *ClusterDetector
	arb     *Arbitrator
}

// New creates an Engine
func New(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg,
		static:  NewStaticFilter(cfg.StaticFrames, cfg.StaticGrid, cfg.AssociationMargin),
		voter:   NewPersistenceVoter(cfg.PersistenceWindow, cfg.PersistenceQuorum, cfg.WeaponConfidence, cfg.ArchiveConfidence),
		cluster: NewClusterDetector(cfg.GroupMinSize, cfg.GroupRadius, cfg.GroupSustain),
		arb:     NewArbitrator(cfg.Cooldown),
	}
}

// Evaluate processes one frame's fused detections observed at now.
// Input slices are not modified.
func (e *Engine) Evaluate(boxes, persons, weapons []types.Detection, now time.Time) Result {
	weapons, suppressed := e.static.Apply(weapons, persons)

	res := Result{
		Boxes:      withoutIDs(boxes, suppressed),
		Persons:    persons,
		Weapons:    weapons,
		Suppressed: suppressed,
		Threats:    []types.ThreatType{},
	}

	maxConf := 0.0
	for _, w := range weapons {
		if w.Confidence > maxConf {
			maxConf = w.Confidence
		}
	}
	vote := e.voter.Observe(maxConf)
	res.Vote = vote

	if vote.SeenEnough {
		if vote.Locked {
			res.Threats = append(res.Threats, types.ThreatWeaponDetected)
		} else {
			res.Threats = append(res.Threats, types.ThreatWeaponDetectedUnlocked)
		}
	}
	if vote.Locked && anyPair(weapons, persons, e.cfg.AssociationMargin) {
		res.Threats = append(res.Threats, types.ThreatPersonWithWeapon)
	}
	if e.cluster.Observe(persons, now) {
		res.Threats = append(res.Threats, types.ThreatSuspiciousGroup)
	}

	if primary, ok := e.arb.Arbitrate(res.Threats, now); ok {
		res.Event = newEventRequest(primary, now, res.Boxes)
	}
	return res
}

func newEventRequest(t types.ThreatType, now time.Time, boxes []types.Detection) *EventRequest {
	req := &EventRequest{
		Type:      t,
		Timestamp: now,
		Labels:    make([]string, 0, len(boxes)),
		Boxes:     append([]types.Detection(nil), boxes...),
	}
	for _, b := range boxes {
		req.Labels = append(req.Labels, b.Label)
		if b.Confidence > req.MaxConfidence {
			req.MaxConfidence = b.Confidence
		}
	}
	return req
}

func withoutIDs(boxes []types.Detection, ids []int) []types.Detection {
	out := make([]types.Detection, 0, len(boxes))
	if len(ids) == 0 {
		return append(out, boxes...)
	}
	drop := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	for _, b := range boxes {
		if _, ok := drop[b.ID]; !ok {
			out = append(out, b)
		}
	}
	return out
}

// StaticKeys returns the number of tracked static keys.
func (e *Engine) StaticKeys() int {
	return e.static.Len()
}
