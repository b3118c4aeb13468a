package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	invoicesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debts_invoice_generation_total",
		Help: "Invoice generation attempts by outcome (generated, not_found, already_generated, provider_error, error).",
	}, []string{"outcome"})

	providerCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "debts_provider_call_duration_seconds",
		Help:    "Latency of boleto provider calls.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	fileRowsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debts_file_rows_terminal_total",
		Help: "File rows that reached a terminal state, by status and error kind.",
	}, []string{"status", "error_kind"})

	sweepRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debts_sweep_requeued_total",
		Help: "File rows re-enqueued by the reconciliation sweep, by row status.",
	}, []string{"status"})
)
