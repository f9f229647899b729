package scoring

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/dop251/goja"
	"github.com/tidwall/gjson"
)

// Operator enumerates the rule comparison operators (spec §4.3).
type Operator string

const (
	OpEq      Operator = "eq"
	OpGt      Operator = "gt"
	OpLt      Operator = "lt"
	OpGte     Operator = "gte"
	OpLte     Operator = "lte"
	OpBetween Operator = "between"
	OpExists  Operator = "exists"
	OpRegex   Operator = "regex"
	OpScript  Operator = "script"
)

// Severity enumerates violation severities, ordered least to most severe.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Rule is one validator rule (spec §4.3). Threshold's shape depends on
// Operator: a scalar for eq/gt/lt/gte/lte, a regex pattern string for
// regex, a two-element [low, high] array for between, a JS boolean
// expression string for the (non-spec, locally added) script operator, and
// is unused for exists.
type Rule struct {
	ID          string      `json:"id"`
	Selector    string      `json:"selector"`
	Operator    Operator    `json:"operator"`
	Threshold   interface{} `json:"threshold,omitempty"`
	Severity    Severity    `json:"severity"`
	Explanation string      `json:"explanation,omitempty"`
}

// Violation records a rule that failed evaluation.
type Violation struct {
	RuleID      string   `json:"rule_id"`
	Selector    string   `json:"selector"`
	Severity    Severity `json:"severity"`
	Explanation string   `json:"explanation"`
}

// Result is the outcome of validating a record against a rule set.
type Result struct {
	Approved        bool        `json:"approved"`
	Violations      []Violation `json:"violations"`
	OverallSeverity Severity    `json:"overall_severity,omitempty"`
}

// Validate evaluates rules against record (any JSON-marshalable value — a
// map, struct, or already-encoded JSON bytes). It is a pure function: no
// I/O, deterministic, and safe to call concurrently from multiple
// goroutines since it allocates no shared state.
func Validate(rules []Rule, record interface{}) (*Result, error) {
	raw, err := toJSON(record)
	if err != nil {
		return nil, err
	}

	result := &Result{Approved: true}
	for _, rule := range rules {
		ok, err := evaluateRule(rule, raw)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		result.Approved = false
		v := Violation{RuleID: rule.ID, Selector: rule.Selector, Severity: rule.Severity, Explanation: rule.Explanation}
		result.Violations = append(result.Violations, v)
		if severityRank[rule.Severity] > severityRank[result.OverallSeverity] {
			result.OverallSeverity = rule.Severity
		}
	}
	return result, nil
}

func toJSON(record interface{}) ([]byte, error) {
	if raw, ok := record.([]byte); ok {
		return raw, nil
	}
	return json.Marshal(record)
}

// evaluateRule reports whether record passes rule (true = no violation).
func evaluateRule(rule Rule, record []byte) (bool, error) {
	result := gjson.GetBytes(record, rule.Selector)

	if rule.Operator == OpExists {
		return result.Exists(), nil
	}
	if rule.Operator == OpScript {
		return evaluateScript(rule, record)
	}
	if !result.Exists() {
		// An unresolved selector with operator != exists always fails.
		return false, nil
	}

	switch rule.Operator {
	case OpEq:
		return compareEq(result, rule.Threshold), nil
	case OpGt:
		v, ok := thresholdFloat(rule.Threshold)
		return ok && result.Num > v, nil
	case OpLt:
		v, ok := thresholdFloat(rule.Threshold)
		return ok && result.Num < v, nil
	case OpGte:
		v, ok := thresholdFloat(rule.Threshold)
		return ok && result.Num >= v, nil
	case OpLte:
		v, ok := thresholdFloat(rule.Threshold)
		return ok && result.Num <= v, nil
	case OpBetween:
		lo, hi, ok := thresholdRange(rule.Threshold)
		return ok && result.Num >= lo && result.Num <= hi, nil
	case OpRegex:
		pattern, ok := rule.Threshold.(string)
		if !ok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("rule %s: invalid regex %q: %w", rule.ID, pattern, err)
		}
		return re.MatchString(result.String()), nil
	default:
		return false, fmt.Errorf("rule %s: unknown operator %q", rule.ID, rule.Operator)
	}
}

// evaluateScript runs rule.Threshold as a JavaScript boolean expression in a
// fresh, sandboxed VM, with the whole record bound to the `record` global
// (and, if Selector is set, the selected value bound to `value`). A fresh
// goja.New() per call gives each rule its own isolated runtime, the same
// isolation model as the script engine's per-execution runtime.
func evaluateScript(rule Rule, record []byte) (bool, error) {
	expr, ok := rule.Threshold.(string)
	if !ok {
		return false, fmt.Errorf("rule %s: script operator requires a string threshold", rule.ID)
	}

	var decoded interface{}
	if err := json.Unmarshal(record, &decoded); err != nil {
		return false, fmt.Errorf("rule %s: decode record for script: %w", rule.ID, err)
	}

	vm := goja.New()
	if err := vm.Set("record", decoded); err != nil {
		return false, fmt.Errorf("rule %s: bind record: %w", rule.ID, err)
	}
	if rule.Selector != "" {
		if err := vm.Set("value", gjson.GetBytes(record, rule.Selector).Value()); err != nil {
			return false, fmt.Errorf("rule %s: bind value: %w", rule.ID, err)
		}
	}

	result, err := vm.RunString(expr)
	if err != nil {
		return false, fmt.Errorf("rule %s: script error: %w", rule.ID, err)
	}
	return result.ToBoolean(), nil
}

func compareEq(result gjson.Result, threshold interface{}) bool {
	switch t := threshold.(type) {
	case string:
		return result.String() == t
	case bool:
		return result.Bool() == t
	case float64:
		return result.Num == t
	default:
		return fmt.Sprintf("%v", threshold) == result.String()
	}
}

func thresholdFloat(threshold interface{}) (float64, bool) {
	v, ok := threshold.(float64)
	return v, ok
}

func thresholdRange(threshold interface{}) (lo, hi float64, ok bool) {
	arr, ok := threshold.([]interface{})
	if !ok || len(arr) != 2 {
		return 0, 0, false
	}
	lo, lok := arr[0].(float64)
	hi, hok := arr[1].(float64)
	return lo, hi, lok && hok
}
