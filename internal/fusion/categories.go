package fusion

import (
	"strings"

	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

// Lexicon maps class-name keywords to canonical categories. It is only used
// at startup to build a source's class map when none is declared.
type Lexicon struct {
	Weapon []string
	Person []string
}

// DefaultLexicon covers the label sets of common weapon and COCO-style models.
var DefaultLexicon = Lexicon{
	Weapon: []string{
		"gun", "pistol", "rifle", "handgun", "firearm",
		"knife", "dagger", "machete", "sword",
		"bat", "baseball bat", "hockey stick", "stick",
		"weapon", "club", "spear",
	},
	Person: []string{"person"},
}

// Classify returns the category of a class name by substring match.
// Weapon keywords are checked first.
func (l Lexicon) Classify(className string) types.Category {
	name := strings.ToLower(className)
	for _, k := range l.Weapon {
		if strings.Contains(name, k) {
			return types.CategoryWeapon
		}
	}
	for _, k := range l.Person {
		if strings.Contains(name, k) {
			return types.CategoryPerson
		}
	}
	return types.CategoryOther
}

// ResolveCategories builds a class id -> category map. Explicit entries win;
// remaining class names are classified with the lexicon. OTHER entries are omitted.
func ResolveCategories(classNames map[int]string, explicit map[int]types.Category, lex Lexicon) map[int]types.Category {
	out := make(map[int]types.Category, len(classNames)+len(explicit))
	for id, name := range classNames {
		if c := lex.Classify(name); c != types.CategoryOther {
			out[id] = c
		}
	}
	for id, c := range explicit {
		if c == types.CategoryOther {
			delete(out, id)
			continue
		}
		out[id] = c
	}
	return out
}
