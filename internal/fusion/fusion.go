// Package fusion gates raw detector output and merges duplicate boxes
// reported by several detector sources into one list per frame.
package fusion

import (
	"fmt"
	"math"

	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

// DefaultIoUThreshold is the overlap above which two boxes are the same object.
const DefaultIoUThreshold = 0.45

// Config holds gating and dedup thresholds
type Config struct {
	PersonConfidence      float64
	WeaponConfidence      float64
	WeaponMaxAreaFraction float64
	IoUThreshold          float64
}

// DefaultConfig returns the thresholds of the reference deployment
func DefaultConfig() Config {
	return Config{
		PersonConfidence:      0.20,
		WeaponConfidence:      0.40,
		WeaponMaxAreaFraction: 0.25,
		IoUThreshold:          DefaultIoUThreshold,
	}
}

// Source describes one detector source
type Source struct {
	Name       string                 // unique key, matches Input.Source
	Tag        string                 // short tag used in display labels
	Categories map[int]types.Category // class id -> category; missing ids are OTHER
}

// Input is one source's raw output for a frame
type Input struct {
	Source     string
	Detections []types.RawDetection
}

// Result is the fused output for one frame
type Result struct {
	Boxes    []types.Detection
	Persons  []types.Detection
	Weapons  []types.Detection
	Rejected int // dropped by the gate
	Merged   int // secondary detections matched to an accepted one
}

// Fuser gates and deduplicates detections. It holds no per-frame state.
type Fuser struct {
	cfg     Config
	sources map[string]Source
}

// New creates a Fuser for the given sources
func New(cfg Config, sources []Source) (*Fuser, error) {
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = DefaultIoUThreshold
	}

	byName := make(map[string]Source, len(sources))
	for _, s := range sources {
		if s.Name == "" {
			return nil, fmt.Errorf("source name is empty")
		}
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate source %q", s.Name)
		}
		if s.Tag == "" {
			s.Tag = s.Name
		}
		byName[s.Name] = s
	}

	return &Fuser{cfg: cfg, sources: byName}, nil
}

// Fuse merges the inputs of one frame. The first input is primary and is
// accepted without dedup; later inputs are matched against everything
// accepted so far. frameW/frameH may be 0 when the frame size is unknown.
func (f *Fuser) Fuse(frameW, frameH int, inputs []Input) Result {
	var res Result
	frameArea := 0.0
	if frameW > 0 && frameH > 0 {
		frameArea = float64(frameW) * float64(frameH)
	}

	accepted := make([]types.Detection, 0, 16)
	for i, in := range inputs {
		src, ok := f.sources[in.Source]
		if !ok {
			src = Source{Name: in.Source, Tag: in.Source}
		}

		for _, raw := range in.Detections {
			det, ok := f.gate(src, raw, frameArea)
			if !ok {
				res.Rejected++
				continue
			}

			if i == 0 {
				det.ID = len(accepted) + 1
				accepted = append(accepted, det)
				continue
			}

			dup := -1
			for j := range accepted {
				if IoU(accepted[j].Box, det.Box) > f.cfg.IoUThreshold {
					dup = j
					break
				}
			}
			if dup < 0 {
				det.ID = len(accepted) + 1
				accepted = append(accepted, det)
				continue
			}

			res.Merged++
			if det.Confidence > accepted[dup].Confidence {
				det.ID = accepted[dup].ID
				accepted[dup] = det
			}
		}
	}

	res.Boxes = accepted
	for _, d := range accepted {
		switch d.Category {
		case types.CategoryPerson:
			res.Persons = append(res.Persons, d)
		case types.CategoryWeapon:
			res.Weapons = append(res.Weapons, d)
		}
	}
	return res
}

func (f *Fuser) gate(src Source, raw types.RawDetection, frameArea float64) (types.Detection, bool) {
	conf := raw.Confidence
	if math.IsNaN(conf) || math.IsInf(conf, 0) || conf < 0 || conf > 1 {
		return types.Detection{}, false
	}
	if raw.Box.Degenerate() {
		return types.Detection{}, false
	}

	cat := src.Categories[raw.ClassID]
	switch cat {
	case types.CategoryPerson:
		if conf < f.cfg.PersonConfidence {
			return types.Detection{}, false
		}
	case types.CategoryWeapon:
		if conf < f.cfg.WeaponConfidence {
			return types.Detection{}, false
		}
		if frameArea > 0 && f.cfg.WeaponMaxAreaFraction > 0 &&
			raw.Box.Area()/frameArea > f.cfg.WeaponMaxAreaFraction {
			return types.Detection{}, false
		}
	default:
		return types.Detection{}, false
	}

	name := raw.ClassName
	if name == "" {
		name = cat.String()
	}

	return types.Detection{
		ClassID:    raw.ClassID,
		ClassName:  name,
		Category:   cat,
		Confidence: conf,
		Label:      types.FormatLabel(name, src.Tag, conf),
		Source:     src.Name,
		Box:        raw.Box,
	}, true
}

// IoU returns the intersection-over-union of two boxes. Degenerate input yields 0.
func IoU(a, b types.Box) float64 {
	if a.Degenerate() || b.Degenerate() {
		return 0
	}
	ix1 := math.Max(a.X1, b.X1)
	iy1 := math.Max(a.Y1, b.Y1)
	ix2 := math.Min(a.X2, b.X2)
	iy2 := math.Min(a.Y2, b.Y2)

	inter := math.Max(0, ix2-ix1) * math.Max(0, iy2-iy1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
