package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	EventsPublished *prometheus.CounterVec
	PublishFailures *prometheus.CounterVec
	PublishLatency  *prometheus.HistogramVec

	DeliveriesReceived *prometheus.CounterVec
	DeliveriesAcked    *prometheus.CounterVec
	DeliveriesNacked   *prometheus.CounterVec
	HandlerLatency     *prometheus.HistogramVec

	Reconnects    *prometheus.CounterVec
	ConsumerState *prometheus.GaugeVec
)

// Register is idempotent; every component calls it from its constructor.
func Register() {
	once.Do(func() {
		EventsPublished = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkoutbus_events_published_total",
				Help: "Total number of events accepted by the broker",
			},
			[]string{"routing_key"},
		)

		PublishFailures = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkoutbus_publish_failures_total",
				Help: "Total number of failed publish calls",
			},
			[]string{"routing_key", "error_type"},
		)

		PublishLatency = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "checkoutbus_publish_latency_seconds",
				Help:    "Publish latency in seconds, including broker confirmation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"routing_key"},
		)

		DeliveriesReceived = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkoutbus_deliveries_received_total",
				Help: "Total number of deliveries received from the broker",
			},
			[]string{"queue"},
		)

		DeliveriesAcked = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkoutbus_deliveries_acked_total",
				Help: "Total number of deliveries positively acknowledged",
			},
			[]string{"queue"},
		)

		DeliveriesNacked = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkoutbus_deliveries_nacked_total",
				Help: "Total number of deliveries negatively acknowledged with requeue",
			},
			[]string{"queue", "reason"},
		)

		HandlerLatency = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "checkoutbus_handler_latency_seconds",
				Help:    "Delivery handler execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		)

		Reconnects = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkoutbus_reconnects_total",
				Help: "Total number of scheduled broker reconnects",
			},
			[]string{"role"},
		)

		ConsumerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "checkoutbus_consumer_state",
				Help: "Consumer state: 0 disconnected, 1 connecting, 2 consuming",
			},
			[]string{"role"},
		)
	})
}
