package engine

import (
	"time"

	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

// Arbitrator applies per-type cooldowns and picks at most one threat per
// frame for archival.
type Arbitrator struct {
	cooldown time.Duration
	last     map[types.ThreatType]time.Time
}

// NewArbitrator creates an arbitrator with the given per-type cooldown.
func NewArbitrator(cooldown time.Duration) *Arbitrator {
	return &Arbitrator{cooldown: cooldown, last: make(map[types.ThreatType]time.Time)}
}

// Arbitrate walks the candidates in order. Every persistable candidate whose
// cooldown has elapsed has its cooldown consumed; the first such candidate is
// returned as primary.
func (a *Arbitrator) Arbitrate(candidates []types.ThreatType, now time.Time) (types.ThreatType, bool) {
	var primary types.ThreatType
	found := false

	for _, t := range candidates {
		if !t.Persistable() {
			continue
		}
		if last, ok := a.last[t]; ok && now.Sub(last) <= a.cooldown {
			continue
		}
		a.last[t] = now
		if !found {
			primary = t
			found = true
		}
	}

	return primary, found
}

// LastEmitted returns when a type last consumed its cooldown.
func (a *Arbitrator) LastEmitted(t types.ThreatType) (time.Time, bool) {
	ts, ok := a.last[t]
	return ts, ok
}
