package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"intakeline/internal/clock"
	"intakeline/internal/domain"
)

// Store is the persistence the aggregator needs.
type Store interface {
	UnreadAggregateSince(ctx context.Context, ownerID, formID, cutoff string) (domain.NotificationAggregate, error)
	InsertAggregate(ctx context.Context, a domain.NotificationAggregate) error
	UpdateAggregate(ctx context.Context, a domain.NotificationAggregate) error
}

type Aggregator struct {
	store     Store
	debouncer *Debouncer
	clock     clock.Clock
	locks     keyedMutex
	logger    *zap.Logger
	metrics   *Metrics
	NewID     func() string
}

// NewAggregator wires the aggregator to its store and debouncer. The
// debouncer's window is the aggregation window.
func NewAggregator(store Store, debouncer *Debouncer, clk clock.Clock, logger *zap.Logger, metrics *Metrics) *Aggregator {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Aggregator{
		store:     store,
		debouncer: debouncer,
		clock:     clk,
		locks:     keyedMutex{locks: make(map[Key]*refMutex)},
		logger:    logger,
		metrics:   metrics,
		NewID:     uuid.NewString,
	}
}

// RecordSubmission folds one submission event into the owner's current
// aggregate for formID (or starts a new one) and schedules a debounced
// publish of the result. Persistence failures are returned as
// *domain.StorageError and schedule nothing.
func (a *Aggregator) RecordSubmission(ctx context.Context, ownerID, formID, formTitle, submissionID string) (domain.NotificationAggregate, error) {
	key := Key{OwnerID: ownerID, FormID: formID}
	unlock := a.locks.Lock(key)
	defer unlock()

	now := a.clock.Now().UTC()
	ts := domain.FormatEventTime(now)
	cutoff := domain.FormatEventTime(now.Add(-a.debouncer.Window()))

	agg, err := a.store.UnreadAggregateSince(ctx, ownerID, formID, cutoff)
	switch {
	case err == nil:
		agg.Count++
		agg.LatestSubmissionID = submissionID
		agg.LastEventAt = ts
		agg.Message = Message(agg.Count, formTitle)
		agg = domain.StampUpdated(agg, now)
		if err := a.store.UpdateAggregate(ctx, agg); err != nil {
			return domain.NotificationAggregate{}, a.fail("update aggregate", err)
		}
		a.metrics.Aggregations.WithLabelValues("merged").Inc()
	case errors.Is(err, domain.ErrNotFound):
		agg = domain.StampCreated(domain.NotificationAggregate{
			ID:                 a.NewID(),
			OwnerID:            ownerID,
			FormID:             formID,
			LatestSubmissionID: submissionID,
			Count:              1,
			FirstEventAt:       ts,
			LastEventAt:        ts,
			Message:            Message(1, formTitle),
		}, now)
		if err := a.store.InsertAggregate(ctx, agg); err != nil {
			return domain.NotificationAggregate{}, a.fail("insert aggregate", err)
		}
		a.metrics.Aggregations.WithLabelValues("created").Inc()
	default:
		return domain.NotificationAggregate{}, a.fail("find unread aggregate", err)
	}

	a.debouncer.Schedule(key, agg.Event())
	a.logger.Debug("submission aggregated",
		zap.String("owner_id", ownerID),
		zap.String("form_id", formID),
		zap.String("notification_id", agg.ID),
		zap.Int("count", agg.Count),
	)
	return agg, nil
}

func (a *Aggregator) fail(op string, err error) error {
	a.metrics.Aggregations.WithLabelValues("failed").Inc()
	return domain.Storage(op, err)
}

// Message renders the human-readable text for an aggregate of count events.
func Message(count int, formTitle string) string {
	suffix := ""
	if formTitle != "" {
		suffix = fmt.Sprintf(" to %q", formTitle)
	}
	if count <= 1 {
		return "New submission" + suffix
	}
	return fmt.Sprintf("%d new submissions%s", count, suffix)
}

// keyedMutex serialises aggregate read-modify-write per (owner, form).
// Entries are reference counted and dropped when no holder remains.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[Key]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key Key) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
