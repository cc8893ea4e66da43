package engine

import "github.com/dj-oyu/hawkeye/threat-server/pkg/types"

// Near reports whether the weapon centroid lies inside the person box
// grown by margin pixels on every side. The boundary counts as inside.
func Near(weapon, person types.Box, margin float64) bool {
	cx, cy := weapon.Center()
	return person.Expand(margin).Contains(cx, cy)
}

// nearAny reports whether the weapon is near any of the persons.
func nearAny(weapon types.Box, persons []types.Detection, margin float64) bool {
	for _, p := range persons {
		if Near(weapon, p.Box, margin) {
			return true
		}
	}
	return false
}

// anyPair reports whether at least one (weapon, person) pair is near.
func anyPair(weapons, persons []types.Detection, margin float64) bool {
	for _, w := range weapons {
		if nearAny(w.Box, persons, margin) {
			return true
		}
	}
	return false
}
