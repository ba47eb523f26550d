package model

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Filter narrows a collection by location prefix and exact category.
// Empty fields do not constrain.
type Filter struct {
	LocationText string `json:"location_text" yaml:"location"`
	Category     string `json:"category" yaml:"category"`
}

// FilterKey is the canonical comparison key of a Filter.
type FilterKey string

const keySep = "\x1f"

// Normalize returns the canonical key for f. Two filters produce the same
// key iff they select the same rows: location is trimmed, NFC-normalized,
// whitespace-collapsed and case-folded; category is trimmed and
// whitespace-collapsed but keeps its case because it is matched exactly.
func Normalize(f Filter) FilterKey {
	return FilterKey(NormalizeLocation(f.LocationText) + keySep + NormalizeCategory(f.Category))
}

// String returns a printable form of the key.
func (k FilterKey) String() string {
	loc, cat, _ := strings.Cut(string(k), keySep)
	return "location=" + loc + " category=" + cat
}

// NormalizeLocation folds a location for prefix comparison.
func NormalizeLocation(s string) string {
	return cases.Fold().String(collapseSpace(s))
}

// NormalizeCategory trims a category for exact comparison.
func NormalizeCategory(s string) string {
	return collapseSpace(s)
}

// IsZero reports whether the filter selects everything.
func (f Filter) IsZero() bool {
	return Normalize(f) == Normalize(Filter{})
}

// Matches reports whether e would be returned by a remote fetch using f.
func (f Filter) Matches(e Entity) bool {
	if loc := NormalizeLocation(f.LocationText); loc != "" {
		if !strings.HasPrefix(NormalizeLocation(e.LocationText), loc) {
			return false
		}
	}
	if cat := NormalizeCategory(f.Category); cat != "" {
		if NormalizeCategory(e.Category) != cat {
			return false
		}
	}
	return true
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}
