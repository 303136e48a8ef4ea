package branching

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"intakeline/internal/domain"
)

// Store is the read-only view of fields and rules the resolver needs.
type Store interface {
	GetField(ctx context.Context, id string) (domain.Field, error)
	RulesForField(ctx context.Context, fieldID string, includeInactive bool) ([]domain.LogicRule, error)
	NextField(ctx context.Context, formID string, afterOrder int) (domain.Field, error)
}

// Resolution outcomes recorded in metrics.
const (
	outcomeRule    = "rule"
	outcomeDefault = "default"
	outcomeEnd     = "end"
)

// Resolver decides the next field of a form from the rules on the current one.
type Resolver struct {
	store       Store
	logger      *zap.Logger
	resolutions *prometheus.CounterVec
}

// NewResolver builds a resolver. A nil registerer disables metrics
// registration; a nil logger discards logs.
func NewResolver(store Store, logger *zap.Logger, reg prometheus.Registerer) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:  store,
		logger: logger,
		resolutions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "intakeline",
			Subsystem: "branching",
			Name:      "resolutions_total",
			Help:      "Navigation decisions by how they were reached.",
		}, []string{"outcome"}),
	}
}

// Resolve decides which field follows currentFieldID for the given answer.
// It returns domain.ErrNotFound when the field is unknown or belongs to a
// different form than formID.
func (r *Resolver) Resolve(ctx context.Context, formID, currentFieldID string, answer *string) (domain.NavigationDecision, error) {
	field, err := r.store.GetField(ctx, currentFieldID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NavigationDecision{}, fmt.Errorf("field %s: %w", currentFieldID, domain.ErrNotFound)
		}
		return domain.NavigationDecision{}, domain.Storage("load field", err)
	}
	if field.FormID != formID {
		return domain.NavigationDecision{}, fmt.Errorf("field %s in form %s: %w", currentFieldID, formID, domain.ErrNotFound)
	}
	rules, err := r.store.RulesForField(ctx, field.ID, false)
	if err != nil {
		return domain.NavigationDecision{}, domain.Storage("load rules", err)
	}

	if rule, ok := SelectRule(rules, answer); ok {
		ruleID := rule.ID
		decision := domain.NavigationDecision{AppliedRuleID: &ruleID}
		if rule.DestinationFieldID != nil {
			next := *rule.DestinationFieldID
			decision.NextFieldID = &next
		} else {
			decision.IsEndOfForm = true
		}
		r.resolutions.WithLabelValues(outcomeRule).Inc()
		r.logger.Debug("rule matched",
			zap.String("form_id", formID),
			zap.String("field_id", field.ID),
			zap.String("rule_id", ruleID),
		)
		return decision, nil
	}

	next, err := r.store.NextField(ctx, formID, field.Order)
	if errors.Is(err, domain.ErrNotFound) {
		r.resolutions.WithLabelValues(outcomeEnd).Inc()
		return domain.NavigationDecision{IsEndOfForm: true}, nil
	}
	if err != nil {
		return domain.NavigationDecision{}, domain.Storage("load next field", err)
	}
	r.resolutions.WithLabelValues(outcomeDefault).Inc()
	nextID := next.ID
	return domain.NavigationDecision{NextFieldID: &nextID}, nil
}

// SelectRule picks the winning rule for answer: the first satisfied active
// rule in evaluation order. Within a group this is the if/elseif/else
// short-circuit; across groups and standalone rules the earliest candidate
// wins.
func SelectRule(rules []domain.LogicRule, answer *string) (domain.LogicRule, bool) {
	ordered := make([]domain.LogicRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Active {
			ordered = append(ordered, rule)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ruleLess(ordered[i], ordered[j]) })

	for _, rule := range ordered {
		if Evaluate(rule.Condition, rule.Value, answer) {
			return rule, true
		}
	}
	return domain.LogicRule{}, false
}

// ruleLess is the total evaluation order: order ascending, grouped rules
// before standalone ones, then group id and rule id.
func ruleLess(a, b domain.LogicRule) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	aGrouped, bGrouped := a.GroupID != nil, b.GroupID != nil
	if aGrouped != bGrouped {
		return aGrouped
	}
	if aGrouped && *a.GroupID != *b.GroupID {
		return *a.GroupID < *b.GroupID
	}
	return a.ID < b.ID
}
