package types

import (
	"fmt"
	"strings"
)

// Box is an axis-aligned rectangle in pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b Box) Width() float64  { return b.X2 - b.X1 }
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the box area; degenerate boxes report 0.
func (b Box) Area() float64 {
	if b.Degenerate() {
		return 0
	}
	return b.Width() * b.Height()
}

// Center returns the box centroid.
func (b Box) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Degenerate reports zero or negative area.
func (b Box) Degenerate() bool {
	return !(b.X2 > b.X1) || !(b.Y2 > b.Y1)
}

// Expand grows the box by margin pixels on every side.
func (b Box) Expand(margin float64) Box {
	return Box{X1: b.X1 - margin, Y1: b.Y1 - margin, X2: b.X2 + margin, Y2: b.Y2 + margin}
}

// Contains reports whether the point lies inside the box, edges included.
func (b Box) Contains(x, y float64) bool {
	return x >= b.X1 && x <= b.X2 && y >= b.Y1 && y <= b.Y2
}

// Category is the canonical class a detector label maps to
type Category int

const (
	CategoryOther Category = iota
	CategoryPerson
	CategoryWeapon
)

func (c Category) String() string {
	switch c {
	case CategoryPerson:
		return "person"
	case CategoryWeapon:
		return "weapon"
	default:
		return "other"
	}
}

// ParseCategory parses "person", "weapon" or "other" (case-insensitive)
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "person":
		return CategoryPerson, nil
	case "weapon":
		return CategoryWeapon, nil
	case "other", "":
		return CategoryOther, nil
	default:
		return CategoryOther, fmt.Errorf("invalid category: %s", s)
	}
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// RawDetection is one box as reported by a detector source, before gating and fusion
type RawDetection struct {
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	Box
}

// Detection is a gated, fused detection owned by one frame's processing cycle
type Detection struct {
	ID         int      `json:"id"` // frame-scoped, assigned at fusion
	ClassID    int      `json:"cls"`
	ClassName  string   `json:"class_name"`
	Category   Category `json:"category"`
	Confidence float64  `json:"conf"`
	Label      string   `json:"label"`
	Source     string   `json:"source"`
	Box
}

// FormatLabel builds the display label, e.g. "[PISTOL/GEN] 0.85".
func FormatLabel(className, source string, confidence float64) string {
	return fmt.Sprintf("[%s/%s] %.2f", strings.ToUpper(className), strings.ToUpper(source), confidence)
}
