package types

import "time"

// ThreatType is the kind of threat raised by the inference engine
type ThreatType string

const (
	ThreatWeaponDetected         ThreatType = "WEAPON_DETECTED"
	ThreatWeaponDetectedUnlocked ThreatType = "WEAPON_DETECTED_UNLOCKED"
	ThreatPersonWithWeapon       ThreatType = "PERSON_WITH_WEAPON"
	ThreatSuspiciousGroup        ThreatType = "SUSPICIOUS_GROUP"
)

// AllThreatTypes lists every threat type in evaluation order.
var AllThreatTypes = []ThreatType{
	ThreatWeaponDetected,
	ThreatWeaponDetectedUnlocked,
	ThreatPersonWithWeapon,
	ThreatSuspiciousGroup,
}

// Persistable reports whether events of this type may be archived.
// The unlocked variant is HUD-only.
func (t ThreatType) Persistable() bool {
	switch t {
	case ThreatWeaponDetected, ThreatPersonWithWeapon, ThreatSuspiciousGroup:
		return true
	default:
		return false
	}
}

// Counts is the per-category object count shown on the HUD
type Counts struct {
	Persons int `json:"persons"`
	Weapons int `json:"weapons"`
}

// DebugInfo carries diagnostic fields for the dashboard
type DebugInfo struct {
	ModelUsed string `json:"model_used"`
}

// LiveSnapshot is broadcast to live clients after every pipeline tick
type LiveSnapshot struct {
	Timestamp float64      `json:"timestamp"` // unix seconds
	FPS       float64      `json:"fps"`
	Counts    Counts       `json:"counts"`
	Threats   []ThreatType `json:"threats"`
	Boxes     []Detection  `json:"boxes"`
	Status    StreamStatus `json:"status"`
	FrameDims [2]int       `json:"frame_dims"`
	Debug     DebugInfo    `json:"debug"`
}

// EventRecord is an archived threat event
type EventRecord struct {
	ID         int64       `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	Type       ThreatType  `json:"type"`
	Labels     []string    `json:"labels"`
	Confidence float64     `json:"confidence"`
	ImagePath  string      `json:"image_path"`
	Boxes      []Detection `json:"bboxes"`
}
