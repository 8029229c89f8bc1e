package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace prefixes every collector, so dashboards and the textfile writer
// can select the control plane's metrics by name.
const namespace = "fleetgate"

var (
	CertValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cert_validations_total",
		Help:      "Certificate validation attempts by outcome (success or rejection code).",
	}, []string{"outcome"})
	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservations_total",
		Help:      "Reservation operations by op (reserve/claim/release) and outcome.",
	}, []string{"op", "outcome"})
	ReservationsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reservations_pending",
		Help:      "Reservations currently in the Pending state.",
	})
	SweepExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_expired_total",
		Help:      "Pending reservations transitioned to Expired by the sweeper.",
	})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Duration of expiry sweeper passes.",
		Buckets:   prometheus.DefBuckets,
	})
	AuditWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_entries_written_total",
		Help:      "Audit entries durably persisted.",
	})
	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_entries_dropped_total",
		Help:      "Audit entries dropped because the recorder buffer was full.",
	})
	AuditPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_entries_purged_total",
		Help:      "Audit entries deleted by the retention sweep.",
	})
	OutboxPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_published_total",
		Help:      "Outbox records acknowledged by the broker.",
	})
	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_pending",
		Help:      "Outbox records awaiting publication.",
	})
	Heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeats_total",
		Help:      "Node heartbeats by outcome (applied or conflict).",
	}, []string{"outcome"})
)
