package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the notification path's Prometheus collectors. Build one
// per registry; a nil registerer yields unregistered collectors.
type Metrics struct {
	Subscriptions prometheus.Gauge
	Deliveries    *prometheus.CounterVec
	Publishes     prometheus.Counter
	Aggregations  *prometheus.CounterVec
	Scheduled     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "intakeline",
			Subsystem: "notify",
			Name:      "subscriptions",
			Help:      "Live notification subscriptions.",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intakeline",
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Per-subscription delivery attempts by result.",
		}, []string{"result"}),
		Publishes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "intakeline",
			Subsystem: "notify",
			Name:      "publishes_total",
			Help:      "Debounced publishes handed to the hub.",
		}),
		Aggregations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intakeline",
			Subsystem: "notify",
			Name:      "aggregations_total",
			Help:      "Submission events recorded, by whether they created or merged an aggregate.",
		}, []string{"result"}),
		Scheduled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "intakeline",
			Subsystem: "notify",
			Name:      "scheduled_publishes",
			Help:      "Debounce slots waiting for their window to close.",
		}),
	}
}
