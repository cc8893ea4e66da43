package engine

// Vote is the persistence voter's decision for one frame
type Vote struct {
	SeenEnough bool    // HUD tier: enough frames above the display threshold
	Locked     bool    // archive tier: any frame above the lock threshold
	Max        float64 // max confidence observed this frame
}

// PersistenceVoter keeps a fixed window of per-frame max weapon confidence.
type PersistenceVoter struct {
	window  int
	quorum  int
	display float64
	lock    float64
	history []float64
}

// NewPersistenceVoter creates a voter over the last window frames.
func NewPersistenceVoter(window, quorum int, display, lock float64) *PersistenceVoter {
	if window < 1 {
		window = 1
	}
	return &PersistenceVoter{
		window:  window,
		quorum:  quorum,
		display: display,
		lock:    lock,
		history: make([]float64, 0, window),
	}
}

// Observe appends this frame's max confidence (0 when no weapon) and votes.
func (v *PersistenceVoter) Observe(maxConf float64) Vote {
	if len(v.history) == v.window {
		copy(v.history, v.history[1:])
		v.history = v.history[:v.window-1]
	}
	v.history = append(v.history, maxConf)

	hits := 0
	locked := false
	for _, c := range v.history {
		if c >= v.display {
			hits++
		}
		if c >= v.lock {
			locked = true
		}
	}

	return Vote{SeenEnough: hits >= v.quorum, Locked: locked, Max: maxConf}
}

// History returns a copy of the window, oldest first.
func (v *PersistenceVoter) History() []float64 {
	out := make([]float64, len(v.history))
	copy(out, v.history)
	return out
}
