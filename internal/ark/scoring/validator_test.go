package scoring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateApprovesWhenAllRulesPass(t *testing.T) {
	record := map[string]interface{}{"position": map[string]interface{}{"pct": 0.2}}
	rules := []Rule{
		{ID: "r1", Selector: "position.pct", Operator: OpLte, Threshold: 0.5, Severity: SeverityWarning},
	}
	res, err := Validate(rules, record)
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.Empty(t, res.Violations)
}

func TestValidateRejectsAndReportsViolation(t *testing.T) {
	record := map[string]interface{}{"position": map[string]interface{}{"pct": 0.9}}
	rules := []Rule{
		{ID: "r1", Selector: "position.pct", Operator: OpLte, Threshold: 0.5, Severity: SeverityError, Explanation: "position too large"},
	}
	res, err := Validate(rules, record)
	require.NoError(t, err)
	require.False(t, res.Approved)
	require.Len(t, res.Violations, 1)
	require.Equal(t, SeverityError, res.OverallSeverity)
}

func TestValidateUnresolvedSelectorFailsUnlessExists(t *testing.T) {
	record := map[string]interface{}{"a": 1}
	rules := []Rule{{ID: "r1", Selector: "missing.field", Operator: OpGt, Threshold: 0.0, Severity: SeverityInfo}}
	res, err := Validate(rules, record)
	require.NoError(t, err)
	require.False(t, res.Approved)

	existsRules := []Rule{{ID: "r2", Selector: "missing.field", Operator: OpExists, Severity: SeverityInfo}}
	res2, err := Validate(existsRules, record)
	require.NoError(t, err)
	require.False(t, res2.Approved)
}

func TestValidateOverallSeverityIsMax(t *testing.T) {
	record := map[string]interface{}{"a": 1, "b": 2}
	rules := []Rule{
		{ID: "r1", Selector: "a", Operator: OpGt, Threshold: 5.0, Severity: SeverityWarning},
		{ID: "r2", Selector: "b", Operator: OpGt, Threshold: 5.0, Severity: SeverityCritical},
	}
	res, err := Validate(rules, record)
	require.NoError(t, err)
	require.Equal(t, SeverityCritical, res.OverallSeverity)
	require.Len(t, res.Violations, 2)
}

func TestValidateBetweenOperator(t *testing.T) {
	record := map[string]interface{}{"score": 0.5}
	rules := []Rule{{ID: "r1", Selector: "score", Operator: OpBetween, Threshold: []interface{}{0.0, 1.0}, Severity: SeverityInfo}}
	res, err := Validate(rules, record)
	require.NoError(t, err)
	require.True(t, res.Approved)
}

func TestValidateRegexOperator(t *testing.T) {
	record := map[string]interface{}{"name": "go-context-pattern"}
	rules := []Rule{{ID: "r1", Selector: "name", Operator: OpRegex, Threshold: "^go-.*pattern$", Severity: SeverityInfo}}
	res, err := Validate(rules, record)
	require.NoError(t, err)
	require.True(t, res.Approved)
}

func TestValidateScriptOperator(t *testing.T) {
	record := map[string]interface{}{"position": map[string]interface{}{"pct": 0.2}}
	rules := []Rule{{ID: "r1", Operator: OpScript, Threshold: "record.position.pct < 0.5", Severity: SeverityInfo}}
	res, err := Validate(rules, record)
	require.NoError(t, err)
	require.True(t, res.Approved)
}

func TestValidatePureAcrossConcurrentCalls(t *testing.T) {
	rules := []Rule{{ID: "r1", Selector: "a", Operator: OpGte, Threshold: 0.0, Severity: SeverityInfo}}
	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := Validate(rules, map[string]interface{}{"a": 1})
			done <- err
		}()
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-done)
	}
}
