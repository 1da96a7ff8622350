package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ton_telemetry_build_info",
		Help: "Build information of the telemetry server",
	},
		[]string{"version", "commit", "date"},
	)

	ReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ton_telemetry_reports_total",
		Help: "Total number of accepted reports",
	},
		[]string{"endpoint"},
	)

	ReportErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ton_telemetry_report_errors_total",
		Help: "Total number of rejected or failed reports",
	},
		[]string{"endpoint", "reason"},
	)

	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ton_telemetry_queries_total",
		Help: "Total number of data query requests",
	},
		[]string{"endpoint"},
	)
)
