package generation

import (
	"fmt"

	"github.com/ark-network/ark-core/internal/ark/lattice"
	"github.com/ark-network/ark-core/internal/ark/scoring"
)

// factorThreshold is the minimum Scorer factor value treated as a strength
// (spec §4.7: "Scorer factors ≥ 0.8").
const factorThreshold = 0.8

// Reflection is the Reflector's output (spec §4.7): {strengths[],
// weaknesses[], improvements[], patterns[]}.
type Reflection struct {
	Strengths    []string `json:"strengths"`
	Weaknesses   []string `json:"weaknesses"`
	Improvements []string `json:"improvements"`
	Patterns     []string `json:"patterns"`
}

// maxImprovements bounds the improvements list to concrete, actionable
// suggestions rather than an open-ended essay.
const maxImprovements = 5

// Reflect produces a Reflection from a generation Result, an optional
// validation Result, and the per-requirement factor scores computed during
// generation (keyed by node id, mirroring scoring.ScoreBreakdown.FactorScores).
func Reflect(result *Result, validation *scoring.Result, factorScores map[string]map[string]float64) *Reflection {
	r := &Reflection{}

	if validation != nil {
		for _, v := range validation.Violations {
			switch v.Severity {
			case scoring.SeverityCritical, scoring.SeverityError:
				r.Weaknesses = append(r.Weaknesses, fmt.Sprintf("rule %q failed: %s", v.RuleID, v.Explanation))
			default:
				r.Weaknesses = append(r.Weaknesses, fmt.Sprintf("rule %q warns: %s", v.RuleID, v.Explanation))
			}
		}
		if len(validation.Violations) == 0 {
			r.Strengths = append(r.Strengths, "passed all validation rules")
		}
	}

	for nodeID, factors := range factorScores {
		for factor, value := range factors {
			if value >= factorThreshold {
				r.Strengths = append(r.Strengths, fmt.Sprintf("node %q scores high on %s (%.2f)", nodeID, factor, value))
			}
		}
	}

	r.Improvements = improvementSuggestions(result)
	r.Patterns = observedPatterns(result)

	return r
}

func improvementSuggestions(result *Result) []string {
	var out []string
	if result == nil {
		return out
	}
	if len(result.ChosenNodes) <= 1 {
		out = append(out, fmt.Sprintf("use N+1 relevant nodes: only %d node(s) were chosen", len(result.ChosenNodes)))
	}
	if result.TemplateID == "" {
		out = append(out, "no template node was chosen; consider adding a template capability to improve artifact structure")
	}
	if len(out) > maxImprovements {
		out = out[:maxImprovements]
	}
	return out
}

func observedPatterns(result *Result) []string {
	if result == nil {
		return nil
	}
	kindsPresent := make(map[lattice.Kind]bool)
	for _, n := range result.ChosenNodes {
		kindsPresent[n.Kind] = true
	}
	var patterns []string
	if kindsPresent[lattice.KindTemplate] && kindsPresent[lattice.KindFramework] {
		patterns = append(patterns, "template + framework")
	}
	if kindsPresent[lattice.KindLanguage] && kindsPresent[lattice.KindLibrary] {
		patterns = append(patterns, "language + library")
	}
	if kindsPresent[lattice.KindPattern] && kindsPresent[lattice.KindComponent] {
		patterns = append(patterns, "pattern + component")
	}
	if kindsPresent[lattice.KindRuntime] && kindsPresent[lattice.KindCompiler] {
		patterns = append(patterns, "runtime + compiler")
	}
	return patterns
}
