package notify

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"intakeline/internal/clock"
	"intakeline/internal/domain"
)

type published struct {
	ownerID string
	evt     domain.NotificationEvent
}

type recorder struct {
	mu  sync.Mutex
	got []published
}

func (r *recorder) publish(ownerID string, evt domain.NotificationEvent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, published{ownerID: ownerID, evt: evt})
	return 1
}

func (r *recorder) events() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.got...)
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestDebouncerCoalescesBurstIntoLatestPayload(t *testing.T) {
	clk := clock.NewFake(epoch)
	rec := &recorder{}
	m := NewMetrics(prometheus.NewRegistry())
	d := NewDebouncer(30*time.Second, clk, rec.publish, zaptest.NewLogger(t), m)
	key := Key{OwnerID: "owner-1", FormID: "form-1"}

	for i := 1; i <= 3; i++ {
		d.Schedule(key, domain.NotificationEvent{NotificationID: "n1", Count: i})
		clk.Advance(5 * time.Second)
	}
	assert.Equal(t, 1, d.Pending())
	assert.Equal(t, 1, clk.Pending())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Scheduled))

	// Window runs from the first event, so 15s more closes it.
	clk.Advance(14 * time.Second)
	assert.Empty(t, rec.events())
	clk.Advance(time.Second)

	got := rec.events()
	require.Len(t, got, 1)
	assert.Equal(t, "owner-1", got[0].ownerID)
	assert.Equal(t, 3, got[0].evt.Count)
	assert.Zero(t, d.Pending())
	assert.Zero(t, testutil.ToFloat64(m.Scheduled))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Publishes))
}

func TestDebouncerKeysAreIndependent(t *testing.T) {
	clk := clock.NewFake(epoch)
	rec := &recorder{}
	d := NewDebouncer(10*time.Second, clk, rec.publish, nil, nil)

	d.Schedule(Key{OwnerID: "a", FormID: "f"}, domain.NotificationEvent{NotificationID: "a"})
	clk.Advance(5 * time.Second)
	d.Schedule(Key{OwnerID: "a", FormID: "g"}, domain.NotificationEvent{NotificationID: "g"})
	d.Schedule(Key{OwnerID: "b", FormID: "f"}, domain.NotificationEvent{NotificationID: "b"})
	assert.Equal(t, 3, d.Pending())

	clk.Advance(5 * time.Second)
	require.Len(t, rec.events(), 1)
	assert.Equal(t, "a", rec.events()[0].evt.NotificationID)

	clk.Advance(5 * time.Second)
	assert.Len(t, rec.events(), 3)
}

func TestDebouncerSchedulesFreshWindowAfterFire(t *testing.T) {
	clk := clock.NewFake(epoch)
	rec := &recorder{}
	d := NewDebouncer(10*time.Second, clk, rec.publish, nil, nil)
	key := Key{OwnerID: "o", FormID: "f"}

	d.Schedule(key, domain.NotificationEvent{Count: 1})
	clk.Advance(10 * time.Second)
	d.Schedule(key, domain.NotificationEvent{Count: 2})
	clk.Advance(9 * time.Second)
	require.Len(t, rec.events(), 1)
	clk.Advance(time.Second)
	require.Len(t, rec.events(), 2)
	assert.Equal(t, 2, rec.events()[1].evt.Count)
}

func TestDebouncerStopDiscardsPending(t *testing.T) {
	clk := clock.NewFake(epoch)
	rec := &recorder{}
	m := NewMetrics(prometheus.NewRegistry())
	d := NewDebouncer(10*time.Second, clk, rec.publish, nil, m)

	d.Schedule(Key{OwnerID: "o", FormID: "f"}, domain.NotificationEvent{Count: 1})
	d.Stop()
	clk.Advance(time.Minute)

	assert.Empty(t, rec.events())
	assert.Zero(t, d.Pending())
	assert.Zero(t, clk.Pending())
	assert.Zero(t, testutil.ToFloat64(m.Scheduled))
}

func TestDebouncerDefaults(t *testing.T) {
	d := NewDebouncer(0, nil, func(string, domain.NotificationEvent) int { return 0 }, nil, nil)
	assert.Equal(t, DefaultWindow, d.Window())
}

func TestDebouncerRealClockPublishesLastPayload(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(5*time.Millisecond, clock.Real(), rec.publish, zaptest.NewLogger(t), nil)
	t.Cleanup(d.Stop)
	key := Key{OwnerID: "o", FormID: "f"}

	const n = 200
	for i := 1; i <= n; i++ {
		d.Schedule(key, domain.NotificationEvent{NotificationID: strconv.Itoa(i), Count: i})
		if i%50 == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	require.Eventually(t, func() bool {
		got := rec.events()
		return d.Pending() == 0 && len(got) > 0 && got[len(got)-1].evt.Count == n
	}, 2*time.Second, 5*time.Millisecond)
}
