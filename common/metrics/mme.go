// Package metrics exposes the MME NAS core's Prometheus instrumentation,
// grounded on the teacher's per-NF metrics files (amf.go, smf.go): one
// promauto vector per concern, with small Set/Record helper functions
// wrapping them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RegisteredUEs is the number of UE contexts currently held by the
	// UE Context Store.
	RegisteredUEs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mme",
		Name:      "registered_ues",
		Help:      "Number of UE contexts currently held.",
	})

	// ActivePDNConnections is the number of PDN contexts across all UEs.
	ActivePDNConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mme",
		Name:      "active_pdn_connections",
		Help:      "Number of active PDN connections across all UEs.",
	})

	// ActiveBearers is the number of bearers in each EBR state.
	ActiveBearers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mme",
		Name:      "bearers",
		Help:      "Number of bearers, by EBR state.",
	}, []string{"state"})

	// EBRTimerExpiries counts T3485 (and similar) timer expiries.
	EBRTimerExpiries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mme",
		Name:      "ebr_timer_expiries_total",
		Help:      "Count of EBR retransmission timer expiries, by timer name.",
	}, []string{"timer"})

	// ProcedureDuration observes procedure completion latency by kind.
	ProcedureDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mme",
		Name:      "procedure_duration_seconds",
		Help:      "Procedure duration in seconds, by kind.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// ESMDecodeOutcomes counts ESM PDU decode outcomes.
	ESMDecodeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mme",
		Name:      "esm_decode_outcomes_total",
		Help:      "Count of ESM PDU decode outcomes, by outcome.",
	}, []string{"outcome"})
)

// SetRegisteredUEs records the current UE context count.
func SetRegisteredUEs(n int) { RegisteredUEs.Set(float64(n)) }

// SetActivePDNConnections records the current PDN connection count.
func SetActivePDNConnections(n int) { ActivePDNConnections.Set(float64(n)) }

// SetBearerCount records the bearer count for a given EBR state.
func SetBearerCount(state string, n int) { ActiveBearers.WithLabelValues(state).Set(float64(n)) }

// RecordEBRTimerExpiry increments the expiry counter for timer.
func RecordEBRTimerExpiry(timer string) { EBRTimerExpiries.WithLabelValues(timer).Inc() }

// RecordProcedureDuration observes seconds for a completed procedure kind.
func RecordProcedureDuration(kind string, seconds float64) {
	ProcedureDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordESMDecodeOutcome increments the decode-outcome counter.
func RecordESMDecodeOutcome(outcome string) { ESMDecodeOutcomes.WithLabelValues(outcome).Inc() }
