// Package metrics provides Prometheus metrics for the scheduling engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics.
type Metrics struct {
	BookingsCreated      prometheus.Counter
	BookingConflicts     prometheus.Counter
	Reassignments        *prometheus.CounterVec // by outcome
	BulkOperationsRun    prometheus.Counter
	BulkOperationsActive prometheus.Gauge
	BulkExecuteDuration  prometheus.Histogram
	NotificationsDropped prometheus.Counter
}

// New creates and registers all metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BookingsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appointments_created_total",
			Help: "Total appointments created",
		}),
		BookingConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "booking_conflicts_total",
			Help: "Bookings rejected by the double-booking or capacity check",
		}),
		Reassignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reassignments_total",
			Help: "Reassignments by outcome",
		}, []string{"outcome"}),
		BulkOperationsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulk_operations_executed_total",
			Help: "Bulk cancellation operations executed",
		}),
		BulkOperationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bulk_operations_in_progress",
			Help: "Bulk cancellation operations currently executing",
		}),
		BulkExecuteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bulk_execute_duration_seconds",
			Help:    "Bulk cancellation execution duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Notifications that could not be dispatched",
		}),
	}

	reg.MustRegister(
		m.BookingsCreated,
		m.BookingConflicts,
		m.Reassignments,
		m.BulkOperationsRun,
		m.BulkOperationsActive,
		m.BulkExecuteDuration,
		m.NotificationsDropped,
	)

	return m
}
