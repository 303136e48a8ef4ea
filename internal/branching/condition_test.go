package branching

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"intakeline/internal/domain"
)

func str(s string) *string { return &s }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		kind   domain.ConditionKind
		rule   *string
		answer *string
		want   bool
	}{
		{"always with answer", domain.ConditionAlways, nil, str("x"), true},
		{"always with nil answer", domain.ConditionAlways, str("ignored"), nil, true},
		{"is trims both sides", domain.ConditionIs, str(" yes "), str("yes  "), true},
		{"is is case sensitive", domain.ConditionIs, str("Yes"), str("yes"), false},
		{"is not", domain.ConditionIsNot, str("yes"), str("no"), true},
		{"is not equal values", domain.ConditionIsNot, str("yes"), str("yes"), false},
		{"contains", domain.ConditionContains, str("blue"), str("light blue"), true},
		{"contains missing", domain.ConditionContains, str("red"), str("light blue"), false},
		{"does not contain", domain.ConditionDoesNotContain, str("red"), str("light blue"), true},
		{"does not contain present", domain.ConditionDoesNotContain, str("blue"), str("blue"), false},
		{"greater numeric", domain.ConditionGreaterThan, str("9"), str("10"), true},
		{"greater numeric decimals", domain.ConditionGreaterThan, str("2.5"), str("2.50"), false},
		{"less numeric", domain.ConditionLessThan, str("10"), str("9"), true},
		{"gte equal numbers", domain.ConditionGreaterThanOrEqual, str("3"), str("3.0"), true},
		{"lte", domain.ConditionLessThanOrEqual, str("-1"), str("-2"), true},
		{"string fallback ordinal", domain.ConditionGreaterThan, str("9"), str("abc"), true},
		{"string fallback both text", domain.ConditionLessThan, str("banana"), str("apple"), true},
		{"nan is not numeric", domain.ConditionGreaterThan, str("1"), str("NaN"), true},
		{"nil answer is", domain.ConditionIs, str("x"), nil, false},
		{"nil answer is not", domain.ConditionIsNot, str("x"), nil, false},
		{"nil answer contains", domain.ConditionContains, str("x"), nil, false},
		{"both nil is", domain.ConditionIs, nil, nil, true},
		{"both nil is not", domain.ConditionIsNot, nil, nil, false},
		{"nil rule value is", domain.ConditionIs, nil, str("x"), false},
		{"nil rule value is not", domain.ConditionIsNot, nil, str("x"), true},
		{"nil rule value numeric", domain.ConditionGreaterThan, nil, str("1"), false},
		{"unknown kind", domain.ConditionKind("regex"), str("x"), str("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.kind, tt.rule, tt.answer))
		})
	}
}
