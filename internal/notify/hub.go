package notify

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"intakeline/internal/domain"
)

// DefaultSubscriberBuffer is the per-subscription queue depth used when the
// hub is built with a non-positive buffer.
const DefaultSubscriberBuffer = 64

// Subscription is a live listener's handle. Receive events from C; C is
// closed once the subscription is removed from the hub.
type Subscription struct {
	OwnerID string
	ID      string
	C       <-chan domain.NotificationEvent

	ch chan domain.NotificationEvent
}

// Hub fans notification events out to every live subscription of an owner.
// Sends never block: a subscriber whose queue is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	owners  map[string]map[string]*Subscription
	buffer  int
	logger  *zap.Logger
	metrics *Metrics
}

func NewHub(buffer int, logger *zap.Logger, metrics *Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		owners:  make(map[string]map[string]*Subscription),
		buffer:  buffer,
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe registers a new delivery channel for ownerID. The channel is
// buffered; when the subscriber falls behind and the buffer is full, Publish
// drops the event for that subscription, so delivery can be lost.
func (h *Hub) Subscribe(ownerID string) *Subscription {
	ch := make(chan domain.NotificationEvent, h.buffer)
	sub := &Subscription{OwnerID: ownerID, ID: uuid.NewString(), C: ch, ch: ch}

	h.mu.Lock()
	subs, ok := h.owners[ownerID]
	if !ok {
		subs = make(map[string]*Subscription)
		h.owners[ownerID] = subs
	}
	subs[sub.ID] = sub
	count := len(subs)
	h.mu.Unlock()

	h.metrics.Subscriptions.Inc()
	h.logger.Info("subscription opened",
		zap.String("owner_id", ownerID),
		zap.String("subscription_id", sub.ID),
		zap.Int("owner_subscriptions", count),
	)
	return sub
}

// Unsubscribe removes sub and closes its channel. Calling it more than once
// is harmless.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	subs, ok := h.owners[sub.OwnerID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := subs[sub.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(subs, sub.ID)
	close(sub.ch)
	remaining := len(subs)
	if remaining == 0 {
		delete(h.owners, sub.OwnerID)
	}
	h.mu.Unlock()

	h.metrics.Subscriptions.Dec()
	h.logger.Info("subscription closed",
		zap.String("owner_id", sub.OwnerID),
		zap.String("subscription_id", sub.ID),
		zap.Int("owner_subscriptions", remaining),
	)
}

// Publish offers evt to every subscription of ownerID and returns how many
// accepted it. Sends happen under the read lock, so a concurrent
// Unsubscribe cannot close a channel mid-send.
func (h *Hub) Publish(ownerID string, evt domain.NotificationEvent) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.owners[ownerID]
	if len(subs) == 0 {
		h.logger.Debug("no live subscriptions", zap.String("owner_id", ownerID), zap.String("notification_id", evt.NotificationID))
		return 0
	}
	delivered := 0
	for _, sub := range subs {
		select {
		case sub.ch <- evt:
			delivered++
			h.metrics.Deliveries.WithLabelValues("delivered").Inc()
		default:
			h.metrics.Deliveries.WithLabelValues("dropped").Inc()
			h.logger.Warn("subscriber queue full, event dropped",
				zap.String("owner_id", ownerID),
				zap.String("subscription_id", sub.ID),
				zap.String("notification_id", evt.NotificationID),
			)
		}
	}
	return delivered
}

// Subscribers returns the number of live subscriptions for ownerID.
func (h *Hub) Subscribers(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.owners[ownerID])
}

// Close removes every subscription, ending all streams.
func (h *Hub) Close() {
	h.mu.Lock()
	owners := h.owners
	h.owners = make(map[string]map[string]*Subscription)
	h.mu.Unlock()

	for _, subs := range owners {
		for _, sub := range subs {
			close(sub.ch)
			h.metrics.Subscriptions.Dec()
		}
	}
}
