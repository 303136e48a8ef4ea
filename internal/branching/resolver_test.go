package branching

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"intakeline/internal/domain"
)

type memoryStore struct {
	fields map[string]domain.Field
	rules  map[string][]domain.LogicRule
	err    error
}

func newMemoryStore(fields ...domain.Field) *memoryStore {
	s := &memoryStore{fields: map[string]domain.Field{}, rules: map[string][]domain.LogicRule{}}
	for _, f := range fields {
		s.fields[f.ID] = f
	}
	return s
}

func (s *memoryStore) addRules(rules ...domain.LogicRule) {
	for _, r := range rules {
		r.Active = true
		s.rules[r.SourceFieldID] = append(s.rules[r.SourceFieldID], r)
	}
}

func (s *memoryStore) GetField(_ context.Context, id string) (domain.Field, error) {
	if s.err != nil {
		return domain.Field{}, s.err
	}
	f, ok := s.fields[id]
	if !ok {
		return domain.Field{}, domain.ErrNotFound
	}
	return f, nil
}

func (s *memoryStore) RulesForField(_ context.Context, fieldID string, _ bool) ([]domain.LogicRule, error) {
	return s.rules[fieldID], nil
}

func (s *memoryStore) NextField(_ context.Context, formID string, afterOrder int) (domain.Field, error) {
	var candidates []domain.Field
	for _, f := range s.fields {
		if f.FormID == formID && f.Order > afterOrder {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return domain.Field{}, domain.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Order < candidates[j].Order })
	return candidates[0], nil
}

func threeFieldForm() *memoryStore {
	return newMemoryStore(
		domain.Field{ID: "F1", FormID: "form", Order: 1},
		domain.Field{ID: "F2", FormID: "form", Order: 2},
		domain.Field{ID: "F3", FormID: "form", Order: 3},
	)
}

func newTestResolver(t *testing.T, store Store) *Resolver {
	return NewResolver(store, zaptest.NewLogger(t), prometheus.NewRegistry())
}

func TestResolveGroupedChain(t *testing.T) {
	store := threeFieldForm()
	store.addRules(
		domain.LogicRule{ID: "rule0", SourceFieldID: "F1", Condition: domain.ConditionIs, Value: str("yes"), DestinationFieldID: str("F3"), Order: 0, GroupID: str("G1")},
		domain.LogicRule{ID: "rule1", SourceFieldID: "F1", Condition: domain.ConditionAlways, DestinationFieldID: str("F2"), Order: 1, GroupID: str("G1")},
	)
	r := newTestResolver(t, store)
	ctx := context.Background()

	d, err := r.Resolve(ctx, "form", "F1", str("yes"))
	require.NoError(t, err)
	require.NotNil(t, d.NextFieldID)
	assert.Equal(t, "F3", *d.NextFieldID)
	assert.Equal(t, "rule0", *d.AppliedRuleID)
	assert.False(t, d.IsEndOfForm)

	d, err = r.Resolve(ctx, "form", "F1", str("no"))
	require.NoError(t, err)
	assert.Equal(t, "F2", *d.NextFieldID)
	assert.Equal(t, "rule1", *d.AppliedRuleID)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.resolutions.WithLabelValues(outcomeRule)))
}

func TestResolveDefaultOrdering(t *testing.T) {
	r := newTestResolver(t, threeFieldForm())
	ctx := context.Background()

	d, err := r.Resolve(ctx, "form", "F2", str("anything"))
	require.NoError(t, err)
	assert.Equal(t, "F3", *d.NextFieldID)
	assert.Nil(t, d.AppliedRuleID)

	d, err = r.Resolve(ctx, "form", "F3", nil)
	require.NoError(t, err)
	assert.True(t, d.IsEndOfForm)
	assert.Nil(t, d.NextFieldID)
	assert.Nil(t, d.AppliedRuleID)
}

func TestResolveRuleWithoutDestinationEndsForm(t *testing.T) {
	store := threeFieldForm()
	store.addRules(domain.LogicRule{ID: "stop", SourceFieldID: "F1", Condition: domain.ConditionIs, Value: str("quit"), Order: 0})
	r := newTestResolver(t, store)

	d, err := r.Resolve(context.Background(), "form", "F1", str("quit"))
	require.NoError(t, err)
	assert.True(t, d.IsEndOfForm)
	assert.Nil(t, d.NextFieldID)
	assert.Equal(t, "stop", *d.AppliedRuleID)
}

func TestResolveNoMatchFallsBack(t *testing.T) {
	store := threeFieldForm()
	store.addRules(domain.LogicRule{ID: "r", SourceFieldID: "F1", Condition: domain.ConditionGreaterThan, Value: str("10"), DestinationFieldID: str("F3"), Order: 0})
	r := newTestResolver(t, store)

	d, err := r.Resolve(context.Background(), "form", "F1", str("5"))
	require.NoError(t, err)
	assert.Equal(t, "F2", *d.NextFieldID)
	assert.Nil(t, d.AppliedRuleID)
}

func TestResolveAlwaysMatchesMissingAnswer(t *testing.T) {
	store := threeFieldForm()
	store.addRules(domain.LogicRule{ID: "skip", SourceFieldID: "F1", Condition: domain.ConditionAlways, DestinationFieldID: str("F3"), Order: 5})
	r := newTestResolver(t, store)

	d, err := r.Resolve(context.Background(), "form", "F1", nil)
	require.NoError(t, err)
	assert.Equal(t, "F3", *d.NextFieldID)
	assert.Equal(t, "skip", *d.AppliedRuleID)
}

func TestResolveNotFound(t *testing.T) {
	r := newTestResolver(t, threeFieldForm())
	ctx := context.Background()

	_, err := r.Resolve(ctx, "form", "missing", str("x"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = r.Resolve(ctx, "other-form", "F1", str("x"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolveStorageFailure(t *testing.T) {
	store := threeFieldForm()
	store.err = errors.New("database is locked")
	r := newTestResolver(t, store)

	_, err := r.Resolve(context.Background(), "form", "F1", str("x"))
	var se *domain.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "load field", se.Op)
}

func TestSelectRuleOrdering(t *testing.T) {
	tests := []struct {
		name   string
		rules  []domain.LogicRule
		answer *string
		want   string
	}{
		{
			name: "lowest order wins across groups and standalone",
			rules: []domain.LogicRule{
				{ID: "g-late", Condition: domain.ConditionAlways, Order: 4, GroupID: str("G"), Active: true},
				{ID: "solo", Condition: domain.ConditionIs, Value: str("a"), Order: 2, Active: true},
				{ID: "h-first", Condition: domain.ConditionIs, Value: str("b"), Order: 1, GroupID: str("H"), Active: true},
			},
			answer: str("a"),
			want:   "solo",
		},
		{
			name: "group short-circuits later members",
			rules: []domain.LogicRule{
				{ID: "g0", Condition: domain.ConditionContains, Value: str("a"), Order: 0, GroupID: str("G"), Active: true},
				{ID: "g1", Condition: domain.ConditionAlways, Order: 1, GroupID: str("G"), Active: true},
			},
			answer: str("abc"),
			want:   "g0",
		},
		{
			name: "grouped before standalone on equal order",
			rules: []domain.LogicRule{
				{ID: "a-solo", Condition: domain.ConditionAlways, Order: 3, Active: true},
				{ID: "z-grouped", Condition: domain.ConditionAlways, Order: 3, GroupID: str("G"), Active: true},
			},
			answer: str("x"),
			want:   "z-grouped",
		},
		{
			name: "inactive rules are skipped",
			rules: []domain.LogicRule{
				{ID: "off", Condition: domain.ConditionAlways, Order: 0, Active: false},
				{ID: "on", Condition: domain.ConditionAlways, Order: 9, Active: true},
			},
			answer: nil,
			want:   "on",
		},
		{
			name: "input order is irrelevant",
			rules: []domain.LogicRule{
				{ID: "g2", Condition: domain.ConditionAlways, Order: 2, GroupID: str("G"), Active: true},
				{ID: "solo", Condition: domain.ConditionAlways, Order: 1, Active: true},
				{ID: "g1", Condition: domain.ConditionAlways, Order: 1, GroupID: str("G"), Active: true},
			},
			answer: str("x"),
			want:   "g1",
		},
		{
			name: "kth rule of a chain",
			rules: []domain.LogicRule{
				{ID: "k0", Condition: domain.ConditionIs, Value: str("1"), Order: 0, GroupID: str("G"), Active: true},
				{ID: "k1", Condition: domain.ConditionIs, Value: str("2"), Order: 1, GroupID: str("G"), Active: true},
				{ID: "k2", Condition: domain.ConditionIs, Value: str("3"), Order: 2, GroupID: str("G"), Active: true},
				{ID: "other", Condition: domain.ConditionIs, Value: str("4"), Order: 1, Active: true},
			},
			answer: str("3"),
			want:   "k2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectRule(tt.rules, tt.answer)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.ID)
		})
	}

	_, ok := SelectRule(nil, str("x"))
	assert.False(t, ok)
}
