package queue

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the collectors shared by every queue in the process. Queues are told apart
// by the "queue" label, normally the org ID.
type Metrics struct {
	dispatched *prometheus.CounterVec
	retried    *prometheus.CounterVec
	failed     *prometheus.CounterVec
	inFlight   *prometheus.GaugeVec
}

// NewMetrics creates the queue collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgsync",
			Subsystem: "queue",
			Name:      "dispatched_total",
			Help:      "Operations dispatched to the external API, retries included.",
		}, []string{"queue"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgsync",
			Subsystem: "queue",
			Name:      "retried_total",
			Help:      "Dispatches that failed with a retryable error and were retried.",
		}, []string{"queue"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgsync",
			Subsystem: "queue",
			Name:      "failed_total",
			Help:      "Operations that settled with an error.",
		}, []string{"queue"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orgsync",
			Subsystem: "queue",
			Name:      "in_flight",
			Help:      "Operations currently holding a concurrency slot.",
		}, []string{"queue"}),
	}

	if reg != nil {
		reg.MustRegister(m.dispatched, m.retried, m.failed, m.inFlight)
	}
	return m
}
