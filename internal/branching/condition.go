package branching

import (
	"math"
	"strconv"
	"strings"

	"intakeline/internal/domain"
)

// Evaluate reports whether answer satisfies a rule with the given condition
// and comparison value. It is total: unknown kinds, nil values and
// non-numeric operands yield a boolean, never an error.
func Evaluate(kind domain.ConditionKind, ruleValue, answer *string) bool {
	if kind == domain.ConditionAlways {
		return true
	}
	if answer == nil {
		return kind == domain.ConditionIs && ruleValue == nil
	}
	if ruleValue == nil {
		return kind == domain.ConditionIsNot
	}
	want := strings.TrimSpace(*ruleValue)
	got := strings.TrimSpace(*answer)

	switch kind {
	case domain.ConditionIs:
		return got == want
	case domain.ConditionIsNot:
		return got != want
	case domain.ConditionContains:
		return strings.Contains(got, want)
	case domain.ConditionDoesNotContain:
		return !strings.Contains(got, want)
	case domain.ConditionGreaterThan:
		return compare(got, want) > 0
	case domain.ConditionLessThan:
		return compare(got, want) < 0
	case domain.ConditionGreaterThanOrEqual:
		return compare(got, want) >= 0
	case domain.ConditionLessThanOrEqual:
		return compare(got, want) <= 0
	default:
		return false
	}
}

// compare orders a and b numerically when both parse as finite numbers and
// byte-wise otherwise.
func compare(a, b string) int {
	x, okA := parseNumber(a)
	y, okB := parseNumber(b)
	if okA && okB {
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func parseNumber(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
