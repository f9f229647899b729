// Package scoring implements C3: the weighted Scorer and the rule-based
// Validator. Both are pure functions over their inputs — no I/O, no shared
// state — so callers may invoke them concurrently without synchronization.
package scoring

import (
	"math"

	arkerrors "github.com/ark-network/ark-core/infrastructure/errors"
)

const weightSumTolerance = 1e-6

// ScoreBreakdown is the result of scoring a target against a weighted set
// of factors (spec §4.3).
type ScoreBreakdown struct {
	FactorScores map[string]float64 `json:"factor_scores"`
	Weighted     float64             `json:"weighted"`
	Completeness float64             `json:"completeness"`
}

// Score computes a weighted total over factorValues, a per-factor score in
// [0,1] keyed by factor name. Factors absent from factorValues are treated
// as missing: they do not contribute to the weighted total and reduce the
// completeness confidence by their share of the total weight. weights must
// sum to 1 within weightSumTolerance or the call fails with InvalidWeights.
func Score(factorValues map[string]float64, weights map[string]float64) (*ScoreBreakdown, error) {
	var weightSum float64
	for _, w := range weights {
		weightSum += w
	}
	if math.Abs(weightSum-1.0) > weightSumTolerance {
		return nil, arkerrors.InvalidWeights(weightSum)
	}

	breakdown := &ScoreBreakdown{FactorScores: make(map[string]float64, len(weights))}
	var weighted, coveredWeight float64
	for name, w := range weights {
		v, present := factorValues[name]
		if !present {
			continue
		}
		clamped := clamp01(v)
		breakdown.FactorScores[name] = clamped
		weighted += clamped * w
		coveredWeight += w
	}
	breakdown.Weighted = weighted
	breakdown.Completeness = coveredWeight // weights sum to 1, so this is a fraction of total weight
	return breakdown, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// DefaultFactorWeights is the fallback weighting used when a caller does not
// supply an override, covering the generation candidate factors named in
// spec §9's generation algorithm: relevance, language-fit, recency,
// popularity.
var DefaultFactorWeights = map[string]float64{
	"relevance":    0.4,
	"language_fit": 0.3,
	"recency":      0.2,
	"popularity":   0.1,
}
