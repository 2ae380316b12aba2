package policy

import (
	"reflect"
	"regexp"
	"strings"
)

// evalConditions returns true when every condition entry holds against the
// request attributes. Keys are dotted paths into the attribute map; values
// are either an operator object ({"$gt": 5}), a list (membership), a regex
// string, or a literal for equality.
func evalConditions(conditions map[string]any, attrs map[string]any) bool {
	for path, expected := range conditions {
		actual, found := lookupPath(attrs, path)
		if !evalCondition(expected, actual, found) {
			return false
		}
	}
	return true
}

func evalCondition(expected, actual any, found bool) bool {
	switch exp := expected.(type) {
	case map[string]any:
		if isOperatorObject(exp) {
			return evalOperators(exp, actual, found)
		}
		return found && reflect.DeepEqual(exp, actual)
	case []any:
		return found && contains(exp, actual)
	case string:
		if !found {
			return false
		}
		if s, ok := actual.(string); ok {
			if s == exp {
				return true
			}
			if re, err := regexp.Compile("^" + exp + "$"); err == nil {
				return re.MatchString(s)
			}
		}
		return false
	default:
		return found && valuesEqual(expected, actual)
	}
}

func isOperatorObject(m map[string]any) bool {
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return len(m) > 0
}

// evalOperators applies each $op in the object; all must hold. A missing
// attribute satisfies only $ne and $nin.
func evalOperators(ops map[string]any, actual any, found bool) bool {
	for op, operand := range ops {
		switch op {
		case "$eq":
			if !found || !valuesEqual(operand, actual) {
				return false
			}
		case "$ne":
			if found && valuesEqual(operand, actual) {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !found {
				return false
			}
			a, aok := toFloat(actual)
			b, bok := toFloat(operand)
			if !aok || !bok {
				return false
			}
			switch op {
			case "$gt":
				if !(a > b) {
					return false
				}
			case "$gte":
				if !(a >= b) {
					return false
				}
			case "$lt":
				if !(a < b) {
					return false
				}
			case "$lte":
				if !(a <= b) {
					return false
				}
			}
		case "$in":
			list, ok := operand.([]any)
			if !ok || !found || !contains(list, actual) {
				return false
			}
		case "$nin":
			list, ok := operand.([]any)
			if !ok {
				return false
			}
			if found && contains(list, actual) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(attrs map[string]any, path string) (any, bool) {
	var cur any = attrs
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func contains(list []any, v any) bool {
	for _, item := range list {
		if valuesEqual(item, v) {
			return true
		}
	}
	return false
}

// valuesEqual compares with numeric coercion so 5 matches 5.0 regardless of
// whether the value arrived as int or via JSON as float64.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
