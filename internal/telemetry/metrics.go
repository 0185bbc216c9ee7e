package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the billing engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	reservations      *prometheus.CounterVec
	guardBreaches     *prometheus.CounterVec
	ledgerEntries     *prometheus.CounterVec
	externalEvents    *prometheus.CounterVec
	trackingFailures  prometheus.Counter
	reservationErrors *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reservations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterline_reservations_total",
				Help: "Reservation decisions by outcome",
			},
			[]string{"decision", "reason"},
		),

		guardBreaches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterline_daily_guard_breaches_total",
				Help: "Requests over the daily soft or hard limit",
			},
			[]string{"level"},
		),

		ledgerEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterline_ledger_entries_total",
				Help: "Ledger entries appended by kind",
			},
			[]string{"kind"},
		),

		externalEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterline_external_events_total",
				Help: "Payment gateway events by type and outcome",
			},
			[]string{"event_type", "outcome"},
		),

		trackingFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "meterline_credit_tracking_failures_total",
				Help: "Best-effort credit pack tracking writes that failed",
			},
		),

		reservationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterline_reservation_errors_total",
				Help: "Reservations that ended in a system or transient error",
			},
			[]string{"code"},
		),
	}
}

func (m *Metrics) observeReservation(decision, reason string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(decision, reason).Inc()
}

func (m *Metrics) observeGuardBreach(level string) {
	if m == nil {
		return
	}
	m.guardBreaches.WithLabelValues(level).Inc()
}

func (m *Metrics) observeLedgerEntry(kind string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeExternalEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.externalEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) observeTrackingFailure() {
	if m == nil {
		return
	}
	m.trackingFailures.Inc()
}

// ObserveReservationError counts a failed reservation by error code.
func (m *Metrics) ObserveReservationError(code string) {
	if m == nil {
		return
	}
	m.reservationErrors.WithLabelValues(code).Inc()
}
