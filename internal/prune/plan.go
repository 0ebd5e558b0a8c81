package prune

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/samcharles93/slimline/internal/artifact"
)

// Plan returns, for each layer, the positions within that layer's current
// heads to remove. heads holds the current head count per layer.
func Plan(spec Spec, heads []int, src *rand.Rand) ([][]int, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Policy == PolicyGlobal {
		return planGlobal(spec.Fraction, heads, src)
	}
	out := make([][]int, len(heads))
	for i, h := range heads {
		kept, err := Kept(h, spec.Fraction, i)
		if err != nil {
			return nil, err
		}
		out[i] = draw(src, h, h-kept)
	}
	return out, nil
}

// draw picks n of h positions uniformly without replacement.
func draw(src *rand.Rand, h, n int) []int {
	if n <= 0 {
		return nil
	}
	picked := src.Perm(h)[:n]
	slices.Sort(picked)
	return picked
}

func planGlobal(fraction float64, heads []int, src *rand.Rand) ([][]int, error) {
	type slot struct{ layer, pos int }
	var all []slot
	for l, h := range heads {
		for p := range h {
			all = append(all, slot{l, p})
		}
	}
	total := len(all)
	remove := int(math.Round(float64(total) * fraction))
	if limit := total - len(heads); remove > limit {
		if limit == 0 && remove > 0 {
			return nil, &artifact.InvalidPruningFractionError{Fraction: fraction, Layer: 0, Heads: heads[0], Reason: "every layer has a single head"}
		}
		remove = limit
	}

	left := slices.Clone(heads)
	out := make([][]int, len(heads))
	for _, i := range src.Perm(total) {
		if remove == 0 {
			break
		}
		s := all[i]
		if left[s.layer] <= 1 {
			continue
		}
		left[s.layer]--
		out[s.layer] = append(out[s.layer], s.pos)
		remove--
	}
	for _, r := range out {
		slices.Sort(r)
	}
	return out, nil
}
