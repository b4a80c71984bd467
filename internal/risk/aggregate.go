package risk

import (
	"fmt"
	"math"
	"sort"
)

// NeutralScore is the overall score when no factor carries weight.
const NeutralScore = 5.0

// Aggregate computes the weighted mean of the factor scores, normalized by
// the total weight present, and its Level. An empty list or zero total
// weight yields NeutralScore. The result does not depend on factor order.
//
// A negative or NaN weight or score is a caller bug and panics.
func Aggregate(factors []Factor) Score {
	out := append([]Factor(nil), factors...)
	if len(out) == 0 {
		return Score{Overall: NeutralScore, Level: LevelFor(NeutralScore), Factors: out}
	}

	// Sum in a canonical order so float rounding is order independent.
	sorted := append([]Factor(nil), out...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		if a.Weight != b.Weight {
			return a.Weight < b.Weight
		}
		return a.Score < b.Score
	})

	var weighted, total float64
	for _, f := range sorted {
		if f.Weight < 0 || math.IsNaN(f.Weight) || math.IsInf(f.Weight, 0) {
			panic(fmt.Sprintf("risk: factor %q has invalid weight %v", f.Key, f.Weight))
		}
		if math.IsNaN(f.Score) || math.IsInf(f.Score, 0) {
			panic(fmt.Sprintf("risk: factor %q has invalid score %v", f.Key, f.Score))
		}
		weighted += clamp(f.Score) * f.Weight
		total += f.Weight
	}

	if total == 0 {
		return Score{Overall: NeutralScore, Level: LevelFor(NeutralScore), Factors: out}
	}

	overall := clamp(weighted / total)
	return Score{Overall: overall, Level: LevelFor(overall), Factors: out}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(10, v))
}
