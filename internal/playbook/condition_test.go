package playbook

import "testing"

// TestEvaluateOperators is the operator truth table.
func TestEvaluateOperators(t *testing.T) {
	cases := []struct {
		name     string
		actual   any
		operator string
		expected any
		want     bool
	}{
		{"eq strings", "high", "eq", "high", true},
		{"eq mismatch", "high", "eq", "low", false},
		{"eq numeric cross-type", 42, "eq", float64(42), true},
		{"ne", "high", "ne", "low", true},
		{"ne equal", "high", "ne", "high", false},
		{"gt", 90, "gt", 80, true},
		{"gt equal", 80, "gt", 80, false},
		{"gte equal", 80, "gte", 80, true},
		{"lt", float64(10), "lt", 25, true},
		{"lte above", 30, "lte", 25, false},
		{"in list hit", "high", "in", []any{"high", "critical"}, true},
		{"in list miss", "low", "in", []any{"high", "critical"}, false},
		{"in string substring", "sh", "in", "mshta.exe", true},
		{"contains string", "curl http://x", "contains", "curl", true},
		{"contains string miss", "ls -la", "contains", "curl", false},
		{"contains list", []any{"off_hours", "weekend"}, "contains", "weekend", true},
		{"nil actual", nil, "eq", "x", false},
		{"unknown operator", "x", "matches", "x", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := evaluate(tc.actual, tc.operator, tc.expected); got != tc.want {
				t.Errorf("evaluate(%v, %q, %v) = %v, want %v", tc.actual, tc.operator, tc.expected, got, tc.want)
			}
		})
	}
}

// TestCheckConditionsMissingPath fails closed when the field path does
// not resolve.
func TestCheckConditionsMissingPath(t *testing.T) {
	ctx := map[string]any{
		"alert": map[string]any{"severity": "high"},
	}
	conds := []Condition{{Field: "alert.data.nonexistent", Operator: "eq", Value: "x"}}
	if checkConditions(conds, ctx) {
		t.Error("missing path must evaluate false")
	}
}

// TestCheckConditionsConjunction requires every condition to hold.
func TestCheckConditionsConjunction(t *testing.T) {
	ctx := map[string]any{
		"alert": map[string]any{
			"severity":      "high",
			"anomaly_score": 60,
		},
	}
	pass := []Condition{
		{Field: "alert.severity", Operator: "eq", Value: "high"},
		{Field: "alert.anomaly_score", Operator: "gte", Value: 50},
	}
	if !checkConditions(pass, ctx) {
		t.Error("all-true conjunction should pass")
	}

	fail := append(pass, Condition{Field: "alert.severity", Operator: "eq", Value: "low"})
	if checkConditions(fail, ctx) {
		t.Error("one false condition should fail the conjunction")
	}

	if !checkConditions(nil, ctx) {
		t.Error("no conditions should always pass")
	}
}

// TestResolveString interpolates alert and alert.data paths and leaves
// unresolvable placeholders verbatim.
func TestResolveString(t *testing.T) {
	ctx := map[string]any{
		"alert": map[string]any{
			"host": "web-1",
			"data": map[string]any{"pid": 4242},
		},
	}

	got := resolveString("kill {{ alert.data.pid }} on {{ alert.host }}", ctx)
	if got != "kill 4242 on web-1" {
		t.Errorf("resolveString = %q", got)
	}

	got = resolveString("value: {{ alert.data.missing }}", ctx)
	if got != "value: {{ alert.data.missing }}" {
		t.Errorf("unresolved placeholder rewritten: %q", got)
	}
}

// TestResolveValueRecursive walks nested maps and lists.
func TestResolveValueRecursive(t *testing.T) {
	ctx := map[string]any{
		"alert": map[string]any{"user": "alice"},
	}
	params := map[string]any{
		"message": "user {{ alert.user }}",
		"nested":  map[string]any{"who": "{{ alert.user }}"},
		"list":    []any{"{{ alert.user }}", 7},
	}

	resolved := resolveValue(params, ctx).(map[string]any)
	if resolved["message"] != "user alice" {
		t.Errorf("message = %v", resolved["message"])
	}
	if resolved["nested"].(map[string]any)["who"] != "alice" {
		t.Errorf("nested = %v", resolved["nested"])
	}
	list := resolved["list"].([]any)
	if list[0] != "alice" || list[1] != 7 {
		t.Errorf("list = %v", list)
	}
}
