package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"intakeline/internal/clock"
	"intakeline/internal/db"
	"intakeline/internal/domain"
	"intakeline/internal/migrate"
	"intakeline/internal/repo"
)

type harness struct {
	clock   *clock.Fake
	repo    repo.Repo
	hub     *Hub
	deb     *Debouncer
	agg     *Aggregator
	metrics *Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	logger := zaptest.NewLogger(t)
	m := NewMetrics(prometheus.NewRegistry())
	clk := clock.NewFake(epoch)
	hub := NewHub(16, logger, m)
	deb := NewDebouncer(30*time.Second, clk, hub.Publish, logger, m)
	r := repo.Repo{DB: conn}
	return &harness{
		clock:   clk,
		repo:    r,
		hub:     hub,
		deb:     deb,
		agg:     NewAggregator(r, deb, clk, logger, m),
		metrics: m,
	}
}

func drain(ch <-chan domain.NotificationEvent) []domain.NotificationEvent {
	var out []domain.NotificationEvent
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestBurstWithinWindowPublishesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.hub.Subscribe("owner-1")

	var last domain.NotificationAggregate
	for i := 1; i <= 5; i++ {
		agg, err := h.agg.RecordSubmission(ctx, "owner-1", "form-1", "Survey", fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		assert.Equal(t, i, agg.Count)
		last = agg
		h.clock.Advance(2 * time.Second)
	}
	assert.Empty(t, drain(sub.C))

	h.clock.Advance(20 * time.Second)
	got := drain(sub.C)
	require.Len(t, got, 1)
	assert.Equal(t, last.ID, got[0].NotificationID)
	assert.Equal(t, 5, got[0].Count)
	assert.Equal(t, "s5", got[0].LatestSubmissionID)
	assert.Equal(t, `5 new submissions to "Survey"`, got[0].Message)

	stored, err := h.repo.ListAggregates(ctx, "owner-1", false, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 5, stored[0].Count)
	assert.Equal(t, "2024-01-01T00:00:00.000000000Z", stored[0].FirstEventAt)
	assert.Equal(t, "2024-01-01T00:00:08.000000000Z", stored[0].LastEventAt)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Aggregations.WithLabelValues("created")))
	assert.Equal(t, float64(4), testutil.ToFloat64(h.metrics.Aggregations.WithLabelValues("merged")))
}

func TestEventsOutsideWindowStartNewAggregate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.hub.Subscribe("owner-1")

	first, err := h.agg.RecordSubmission(ctx, "owner-1", "form-1", "Survey", "s1")
	require.NoError(t, err)
	h.clock.Advance(31 * time.Second)

	second, err := h.agg.RecordSubmission(ctx, "owner-1", "form-1", "Survey", "s2")
	require.NoError(t, err)
	h.clock.Advance(30 * time.Second)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, second.Count)
	got := drain(sub.C)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].NotificationID)
	assert.Equal(t, second.ID, got[1].NotificationID)
	assert.Equal(t, `New submission to "Survey"`, got[1].Message)

	stored, err := h.repo.ListAggregates(ctx, "owner-1", false, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestWindowBoundaryKeepsSubSecondPrecision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.clock.Advance(100 * time.Millisecond)
	first, err := h.agg.RecordSubmission(ctx, "owner-1", "form-1", "Survey", "s1")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00.100000000Z", first.LastEventAt)

	h.clock.Advance(29900 * time.Millisecond)
	merged, err := h.agg.RecordSubmission(ctx, "owner-1", "form-1", "Survey", "s2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, merged.ID)
	assert.Equal(t, 2, merged.Count)

	h.clock.Advance(30800 * time.Millisecond)
	late, err := h.agg.RecordSubmission(ctx, "owner-1", "form-1", "Survey", "s3")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, late.ID)
	assert.Equal(t, 1, late.Count)
	assert.Equal(t, "2024-01-01T00:01:00.800000000Z", late.FirstEventAt)
}

func TestReadAggregateIsNotReused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.agg.RecordSubmission(ctx, "owner-1", "form-1", "Survey", "s1")
	require.NoError(t, err)
	require.NoError(t, h.repo.MarkAggregateRead(ctx, first.ID, "owner-1", "2024-01-01T00:00:01Z"))

	second, err := h.agg.RecordSubmission(ctx, "owner-1", "form-1", "Survey", "s2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, second.Count)
}

func TestUnsubscribeMidBurst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	leaving := h.hub.Subscribe("owner-1")
	staying := h.hub.Subscribe("owner-1")

	_, err := h.agg.RecordSubmission(ctx, "owner-1", "form-1", "Survey", "s1")
	require.NoError(t, err)
	h.hub.Unsubscribe(leaving)
	_, err = h.agg.RecordSubmission(ctx, "owner-1", "form-1", "Survey", "s2")
	require.NoError(t, err)
	h.clock.Advance(30 * time.Second)

	assert.Empty(t, drain(leaving.C))
	got := drain(staying.C)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Count)
}

func TestConcurrentSubmissionsPublishOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.hub.Subscribe("owner-1")

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.agg.RecordSubmission(ctx, "owner-1", "form-1", "Survey", fmt.Sprintf("s%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	h.clock.Advance(30 * time.Second)
	got := drain(sub.C)
	require.Len(t, got, 1)
	assert.Equal(t, n, got[0].Count)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Publishes))
}

type failingStore struct {
	findErr, writeErr error
}

func (s failingStore) UnreadAggregateSince(context.Context, string, string, string) (domain.NotificationAggregate, error) {
	return domain.NotificationAggregate{}, s.findErr
}

func (s failingStore) InsertAggregate(context.Context, domain.NotificationAggregate) error {
	return s.writeErr
}

func (s failingStore) UpdateAggregate(context.Context, domain.NotificationAggregate) error {
	return s.writeErr
}

func TestStorageFailureSchedulesNothing(t *testing.T) {
	boom := errors.New("disk full")
	cases := []failingStore{
		{findErr: boom},
		{findErr: domain.ErrNotFound, writeErr: boom},
		{writeErr: boom},
	}
	for _, store := range cases {
		clk := clock.NewFake(epoch)
		rec := &recorder{}
		deb := NewDebouncer(30*time.Second, clk, rec.publish, nil, nil)
		agg := NewAggregator(store, deb, clk, zaptest.NewLogger(t), nil)

		_, err := agg.RecordSubmission(context.Background(), "o", "f", "T", "s1")
		var se *domain.StorageError
		require.ErrorAs(t, err, &se)
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, deb.Pending())
	}
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "New submission", Message(1, ""))
	assert.Equal(t, `New submission to "Intake"`, Message(1, "Intake"))
	assert.Equal(t, `3 new submissions to "Intake"`, Message(3, "Intake"))
}
