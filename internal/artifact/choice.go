package artifact

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// ParseChoice returns the index of value within allowed, ignoring case and
// surrounding space. Unknown values produce a SpecError carrying the closest
// allowed spelling.
func ParseChoice(field, value string, allowed []string) (int, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	for i, a := range allowed {
		if v == a {
			return i, nil
		}
	}
	return -1, &SpecError{
		Field:      field,
		Value:      value,
		Allowed:    allowed,
		Suggestion: Closest(v, allowed),
	}
}

// Closest returns the allowed value nearest to v, or "" when nothing is
// within half of v's length.
func Closest(v string, allowed []string) string {
	best, bestDist := "", len(v)/2+1
	for _, a := range allowed {
		if d := levenshtein.ComputeDistance(v, a); d < bestDist {
			best, bestDist = a, d
		}
	}
	return best
}
