// Package prune removes randomly selected attention heads from a native
// model.
package prune

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/samcharles93/slimline/internal/artifact"
)

// DefaultSeed seeds the random source when the caller names none.
const DefaultSeed uint64 = 42

// NewSource returns the deterministic random source for seed.
func NewSource(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
}

// Selection is how heads are chosen. Only uniform random selection exists.
type Selection int

const SelectionRandom Selection = 0

// Granularity is the structural unit removed.
type Granularity int

const GranularityHead Granularity = 0

// Policy decides how the fraction is applied across layers.
type Policy int

const (
	// PolicyPerLayer removes the fraction from each layer independently.
	PolicyPerLayer Policy = iota
	// PolicyGlobal draws the removed heads from the whole model at once and
	// never empties a layer.
	PolicyGlobal
)

var policyNames = []string{"per-layer", "global"}

func (p Policy) String() string {
	if int(p) < len(policyNames) {
		return policyNames[p]
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy parses "per-layer" or "global".
func ParsePolicy(s string) (Policy, error) {
	i, err := artifact.ParseChoice("pruning policy", s, policyNames)
	return Policy(i), err
}

// ParseSelection parses "random".
func ParseSelection(s string) (Selection, error) {
	i, err := artifact.ParseChoice("pruning selection", s, []string{"random"})
	return Selection(i), err
}

// ParseGranularity parses "head".
func ParseGranularity(s string) (Granularity, error) {
	i, err := artifact.ParseChoice("pruning granularity", s, []string{"head"})
	return Granularity(i), err
}

// Spec configures one pruning run.
type Spec struct {
	// Fraction of heads removed, in [0, 1).
	Fraction    float64
	Selection   Selection
	Granularity Granularity
	Policy      Policy
	Seed        uint64
}

// DefaultSpec removes fraction of the heads of every layer with the default
// seed.
func DefaultSpec(fraction float64) Spec {
	return Spec{Fraction: fraction, Seed: DefaultSeed}
}

// Validate checks the fraction and the enumerations.
func (s Spec) Validate() error {
	if math.IsNaN(s.Fraction) || s.Fraction < 0 || s.Fraction >= 1 {
		return &artifact.InvalidPruningFractionError{Fraction: s.Fraction, Layer: -1, Reason: "fraction must be in [0, 1)"}
	}
	if s.Selection != SelectionRandom {
		return &artifact.SpecError{Field: "pruning selection", Value: fmt.Sprint(int(s.Selection)), Allowed: []string{"random"}}
	}
	if s.Granularity != GranularityHead {
		return &artifact.SpecError{Field: "pruning granularity", Value: fmt.Sprint(int(s.Granularity)), Allowed: []string{"head"}}
	}
	if int(s.Policy) < 0 || int(s.Policy) >= len(policyNames) {
		return &artifact.SpecError{Field: "pruning policy", Value: s.Policy.String(), Allowed: policyNames}
	}
	return nil
}

// Kept returns how many of heads survive fraction in one layer:
// round(heads × (1 − fraction)), clamped to 1 for multi-head layers.
func Kept(heads int, fraction float64, layer int) (int, error) {
	kept := int(math.Round(float64(heads) * (1 - fraction)))
	if kept >= 1 {
		return min(kept, heads), nil
	}
	if heads > 1 {
		return 1, nil
	}
	return 0, &artifact.InvalidPruningFractionError{Fraction: fraction, Layer: layer, Heads: heads, Reason: "no head would survive"}
}
