package valset

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ton_telemetry_valset_refreshes_total",
		Help: "Total number of validator set refresh attempts",
	})

	refreshFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ton_telemetry_valset_refresh_failures_total",
		Help: "Total number of failed validator set refreshes",
	})
)
