package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"intakeline/internal/clock"
	"intakeline/internal/domain"
)

// DefaultWindow is the aggregation and debounce window.
const DefaultWindow = 30 * time.Second

// Key identifies one debounce slot.
type Key struct {
	OwnerID string
	FormID  string
}

// PublishFunc delivers a debounced event; Hub.Publish satisfies it.
type PublishFunc func(ownerID string, evt domain.NotificationEvent) int

type slot struct {
	mu        sync.Mutex
	scheduled bool
	retired   bool
	pending   domain.NotificationEvent
	timer     clock.Timer
}

// Debouncer coalesces bursts of events per key into a single publish. The
// window is fixed from the first event of a burst: later events only replace
// the pending payload, so the owner sees the latest state at most one window
// after the burst began.
type Debouncer struct {
	window  time.Duration
	clock   clock.Clock
	publish PublishFunc
	slots   sync.Map // Key -> *slot
	logger  *zap.Logger
	metrics *Metrics
}

func NewDebouncer(window time.Duration, clk clock.Clock, publish PublishFunc, logger *zap.Logger, metrics *Metrics) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Debouncer{
		window:  window,
		clock:   clk,
		publish: publish,
		logger:  logger,
		metrics: metrics,
	}
}

func (d *Debouncer) Window() time.Duration { return d.window }

// Schedule records evt as the pending payload for key and starts the window
// timer if none is running.
func (d *Debouncer) Schedule(key Key, evt domain.NotificationEvent) {
	for {
		v, _ := d.slots.LoadOrStore(key, &slot{})
		s := v.(*slot)
		s.mu.Lock()
		if s.retired {
			// Lost a race with fire; the map already holds a fresh slot or none.
			s.mu.Unlock()
			continue
		}
		s.pending = evt
		if s.scheduled {
			s.mu.Unlock()
			return
		}
		s.scheduled = true
		s.timer = d.clock.AfterFunc(d.window, func() { d.fire(key, s) })
		s.mu.Unlock()
		d.metrics.Scheduled.Inc()
		return
	}
}

func (d *Debouncer) fire(key Key, s *slot) {
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return
	}
	evt := s.pending
	s.pending = domain.NotificationEvent{}
	s.scheduled = false
	s.retired = true
	d.slots.CompareAndDelete(key, s)
	s.mu.Unlock()

	d.metrics.Scheduled.Dec()
	d.metrics.Publishes.Inc()
	delivered := d.publish(key.OwnerID, evt)
	d.logger.Debug("debounced publish",
		zap.String("owner_id", key.OwnerID),
		zap.String("form_id", key.FormID),
		zap.String("notification_id", evt.NotificationID),
		zap.Int("count", evt.Count),
		zap.Int("delivered", delivered),
	)
}

// Pending returns the number of keys with a publish scheduled.
func (d *Debouncer) Pending() int {
	n := 0
	d.slots.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stop cancels every scheduled publish. Pending payloads are discarded.
func (d *Debouncer) Stop() {
	d.slots.Range(func(k, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if !s.retired {
			if s.timer != nil {
				s.timer.Stop()
			}
			s.retired = true
			if s.scheduled {
				d.metrics.Scheduled.Dec()
			}
			s.scheduled = false
			d.slots.CompareAndDelete(k, s)
		}
		s.mu.Unlock()
		return true
	})
}
