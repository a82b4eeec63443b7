package playbook

import (
	"fmt"
	"strings"
)

// checkConditions reports whether every condition holds against the
// alert context. No conditions means the playbook always fires.
func checkConditions(conditions []Condition, ctx map[string]any) bool {
	for _, cond := range conditions {
		actual, ok := lookupPath(ctx, cond.Field)
		if !ok {
			return false
		}
		if !evaluate(actual, cond.Operator, cond.Value) {
			return false
		}
	}
	return true
}

func evaluate(actual any, operator string, expected any) bool {
	if actual == nil {
		return false
	}

	switch operator {
	case "eq":
		return equalValues(actual, expected)
	case "ne":
		return !equalValues(actual, expected)
	case "gt", "gte", "lt", "lte":
		return compareOrdered(actual, operator, expected)
	case "in":
		return valueIn(actual, expected)
	case "contains":
		return valueContains(actual, expected)
	}
	return false
}

// equalValues compares numerically when both sides are numbers, else by
// string rendering. YAML and JSON decode numbers to different Go types,
// so strict type equality would misfire.
func equalValues(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareOrdered(actual any, operator string, expected any) bool {
	af, aok := toFloat(actual)
	bf, bok := toFloat(expected)
	if aok && bok {
		switch operator {
		case "gt":
			return af > bf
		case "gte":
			return af >= bf
		case "lt":
			return af < bf
		case "lte":
			return af <= bf
		}
		return false
	}

	as := fmt.Sprintf("%v", actual)
	bs := fmt.Sprintf("%v", expected)
	switch operator {
	case "gt":
		return as > bs
	case "gte":
		return as >= bs
	case "lt":
		return as < bs
	case "lte":
		return as <= bs
	}
	return false
}

// valueIn checks membership of actual in an expected list, or substring
// membership when expected is a string.
func valueIn(actual, expected any) bool {
	switch exp := expected.(type) {
	case []any:
		for _, item := range exp {
			if equalValues(actual, item) {
				return true
			}
		}
	case []string:
		for _, item := range exp {
			if equalValues(actual, item) {
				return true
			}
		}
	case string:
		return strings.Contains(exp, fmt.Sprintf("%v", actual))
	}
	return false
}

// valueContains checks that actual (a string or list) contains expected.
func valueContains(actual, expected any) bool {
	switch act := actual.(type) {
	case string:
		return strings.Contains(act, fmt.Sprintf("%v", expected))
	case []any:
		for _, item := range act {
			if equalValues(item, expected) {
				return true
			}
		}
	case []string:
		for _, item := range act {
			if equalValues(item, expected) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
