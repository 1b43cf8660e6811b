package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine-level prometheus metrics. Registered on the default registry; the
// daemon exposes them via promhttp.
var (
	callsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docunet_calls_executed_total",
		Help: "Gateway method calls executed.",
	})
	changesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docunet_changes_committed_total",
		Help: "Changes applied to storage from committed proposals.",
	})
	proposalsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docunet_proposals_processed_total",
		Help: "Proposals admitted into the consensus store.",
	})
	listScans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docunet_list_scans_total",
		Help: "Index range scans served.",
	})
	confirmedHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docunet_confirmed_height",
		Help: "Height of the last confirmed proposal.",
	})
)
