package generation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ark-network/ark-core/internal/ark/lattice"
	"github.com/ark-network/ark-core/internal/ark/scoring"
)

func TestReflectDerivesStrengthFromCleanValidation(t *testing.T) {
	result := &Result{ChosenNodes: []lattice.Node{{ID: "n1"}}}
	validation := &scoring.Result{Approved: true}
	refl := Reflect(result, validation, nil)
	require.Contains(t, refl.Strengths, "passed all validation rules")
	require.Empty(t, refl.Weaknesses)
}

func TestReflectDerivesWeaknessFromViolations(t *testing.T) {
	result := &Result{ChosenNodes: []lattice.Node{{ID: "n1"}}}
	validation := &scoring.Result{
		Approved: false,
		Violations: []scoring.Violation{
			{RuleID: "r1", Severity: scoring.SeverityError, Explanation: "missing field"},
		},
	}
	refl := Reflect(result, validation, nil)
	require.Len(t, refl.Weaknesses, 1)
	require.Contains(t, refl.Weaknesses[0], "r1")
}

func TestReflectFlagsHighFactorScoresAsStrengths(t *testing.T) {
	result := &Result{ChosenNodes: []lattice.Node{{ID: "n1"}}}
	factors := map[string]map[string]float64{
		"n1": {"relevance": 0.95, "recency": 0.2},
	}
	refl := Reflect(result, nil, factors)
	require.Len(t, refl.Strengths, 1)
	require.Contains(t, refl.Strengths[0], "relevance")
}

func TestReflectSuggestsMoreNodesWhenOnlyOneChosen(t *testing.T) {
	result := &Result{ChosenNodes: []lattice.Node{{ID: "n1"}}}
	refl := Reflect(result, nil, nil)
	found := false
	for _, imp := range refl.Improvements {
		if imp != "" {
			found = true
		}
	}
	require.True(t, found)
}

func TestReflectObservesTemplateFrameworkPattern(t *testing.T) {
	result := &Result{ChosenNodes: []lattice.Node{
		{ID: "t1", Kind: lattice.KindTemplate},
		{ID: "f1", Kind: lattice.KindFramework},
	}}
	refl := Reflect(result, nil, nil)
	require.Contains(t, refl.Patterns, "template + framework")
}
