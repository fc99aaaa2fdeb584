package workflow

import (
	"fmt"
	"strings"
)

// evaluateCases returns the branch handle for an if-else node: CASEi for
// the first matching case, CASEn+1 when none match.
func evaluateCases(pool *Pool, cfg IfElseConfig) string {
	for i, c := range cfg.Cases {
		if evaluateCase(pool, c) {
			return fmt.Sprintf("CASE%d", i+1)
		}
	}
	return fmt.Sprintf("CASE%d", len(cfg.Cases)+1)
}

func evaluateCase(pool *Pool, c Case) bool {
	if len(c.Expressions) == 0 {
		return false
	}
	isOr := strings.EqualFold(c.LogicalOperator, "or")
	for _, expr := range c.Expressions {
		matched := evaluateExpression(pool, expr)
		if isOr && matched {
			return true
		}
		if !isOr && !matched {
			return false
		}
	}
	return !isOr
}

func evaluateExpression(pool *Pool, expr Expression) bool {
	v, ok := pool.Get(expr.Selector)

	switch expr.Comparator {
	case CmpEmpty:
		return !ok || isEmpty(v)
	case CmpNotEmpty:
		return ok && !isEmpty(v)
	}
	if !ok {
		return false
	}

	switch expr.Comparator {
	case CmpEquals:
		return looseEquals(v.Data, expr.Value)
	case CmpNotEquals:
		return !looseEquals(v.Data, expr.Value)
	case CmpGreaterThan, CmpLessThan, CmpGreaterEq, CmpLessEq:
		a, okA := asNumber(v.Data)
		b, okB := asNumber(expr.Value)
		if !okA || !okB {
			return false
		}
		switch expr.Comparator {
		case CmpGreaterThan:
			return a > b
		case CmpLessThan:
			return a < b
		case CmpGreaterEq:
			return a >= b
		default:
			return a <= b
		}
	case CmpContains:
		s, okS := v.Data.(string)
		sub, okSub := expr.Value.(string)
		if okS && okSub {
			return strings.Contains(s, sub)
		}
		if arr, okArr := v.Data.([]interface{}); okArr {
			for _, el := range arr {
				if looseEquals(el, expr.Value) {
					return true
				}
			}
		}
		return false
	case CmpStartsWith:
		s, okS := v.Data.(string)
		prefix, okP := expr.Value.(string)
		return okS && okP && strings.HasPrefix(s, prefix)
	}
	return false
}

func isEmpty(v Value) bool {
	switch data := v.Data.(type) {
	case string:
		return data == ""
	case []interface{}:
		return len(data) == 0
	case map[string]interface{}:
		return len(data) == 0
	case nil:
		return true
	}
	return false
}

// looseEquals compares across the JSON number/int divide.
func looseEquals(a, b interface{}) bool {
	if na, okA := asNumber(a); okA {
		if nb, okB := asNumber(b); okB {
			return na == nb
		}
	}
	return a == b
}

func asNumber(v interface{}) (float64, bool) {
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
	}
	return 0, false
}
