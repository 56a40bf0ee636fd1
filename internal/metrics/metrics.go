// Package metrics holds the prometheus collectors shared by the bot components.
// Everything registers on the default registry and is served by the admin server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "videobot"

// ─── Orchestrator ───────────────────────────────────────────────────────────

var GenerationsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "orchestrator",
	Name:      "generations_admitted_total",
	Help:      "Generations that passed admission and were debited.",
}, []string{"model"})

var AdmissionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "orchestrator",
	Name:      "admission_rejected_total",
	Help:      "Submissions refused before any debit, by reason.",
}, []string{"reason"})

var GenerationsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "orchestrator",
	Name:      "generations_finished_total",
	Help:      "Generations that reached a terminal status.",
}, []string{"status", "error_kind"})

var ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "orchestrator",
	Name:      "active_jobs",
	Help:      "Generations currently owned by a running job.",
})

var GenerationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "orchestrator",
	Name:      "generation_seconds",
	Help:      "Wall time from provider acceptance to terminal status.",
	Buckets:   []float64{15, 30, 60, 90, 120, 180, 240, 360, 600},
}, []string{"model", "status"})

// ─── Ledger ─────────────────────────────────────────────────────────────────

var LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "entries_total",
	Help:      "Transaction rows written, by kind.",
}, []string{"kind"})

var LedgerCredits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "credits_total",
	Help:      "Absolute credits moved, by transaction kind.",
}, []string{"kind"})

// ─── Provider / gate ────────────────────────────────────────────────────────

var ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "provider",
	Name:      "requests_total",
	Help:      "Upstream API calls by operation and outcome class.",
}, []string{"op", "result"})

var ProviderBalance = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "gate",
	Name:      "provider_balance",
	Help:      "Last observed upstream account balance.",
})

var GateState = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "gate",
	Name:      "state",
	Help:      "Service gate state (0=normal, 1=low, 2=critical).",
})

var GateAvailable = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "gate",
	Name:      "available",
	Help:      "1 when admission is open, 0 when the gate is closed.",
})

// ─── Recovery ───────────────────────────────────────────────────────────────

var RecoveryHealed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "recovery",
	Name:      "healed_total",
	Help:      "Failed generations found completed upstream and healed.",
})

var OrphansReaped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "recovery",
	Name:      "orphans_reaped_total",
	Help:      "Stuck generations finalised as failed with a refund.",
})
