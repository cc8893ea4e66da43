package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/dj-oyu/hawkeye/threat-server/internal/engine"
	"github.com/dj-oyu/hawkeye/threat-server/internal/fusion"
	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

// RecordedFrame is one line of a replay file.
type RecordedFrame struct {
	TS      float64                         `json:"ts"` // unix seconds
	Width   int                             `json:"width"`
	Height  int                             `json:"height"`
	Sources map[string][]types.RawDetection `json:"sources"`
}

// ReplayLine is printed for every replayed frame.
type ReplayLine struct {
	TS         float64            `json:"ts"`
	Persons    int                `json:"persons"`
	Weapons    int                `json:"weapons"`
	Suppressed int                `json:"suppressed"`
	Threats    []types.ThreatType `json:"threats"`
	Event      types.ThreatType   `json:"event,omitempty"`
}

// ReplaySummary totals a replay run.
type ReplaySummary struct {
	Frames int
	Events map[types.ThreatType]int
}

// Replay feeds recorded detections through fusion and the engine using the
// recorded timestamps. order lists source names with the primary first.
func Replay(r io.Reader, w io.Writer, order []string, fuser *fusion.Fuser, eng *engine.Engine) (ReplaySummary, error) {
	sum := ReplaySummary{Events: make(map[types.ThreatType]int)}
	enc := json.NewEncoder(w)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec RecordedFrame
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return sum, fmt.Errorf("line %d: %w", line, err)
		}

		inputs := make([]fusion.Input, 0, len(order))
		for _, name := range order {
			inputs = append(inputs, fusion.Input{Source: name, Detections: rec.Sources[name]})
		}

		fused := fuser.Fuse(rec.Width, rec.Height, inputs)
		res := eng.Evaluate(fused.Boxes, fused.Persons, fused.Weapons, fromUnixSeconds(rec.TS))
		sum.Frames++

		out := ReplayLine{
			TS:         rec.TS,
			Persons:    len(res.Persons),
			Weapons:    len(res.Weapons),
			Suppressed: len(res.Suppressed),
			Threats:    res.Threats,
		}
		if res.Event != nil {
			out.Event = res.Event.Type
			sum.Events[res.Event.Type]++
		}
		if err := enc.Encode(out); err != nil {
			return sum, fmt.Errorf("write line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return sum, fmt.Errorf("read replay: %w", err)
	}
	return sum, nil
}

func fromUnixSeconds(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}
