package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "astria_system_tests_build_info",
			Help: "Build information of the upgrade test driver",
		},
		[]string{"version", "commit", "date"},
	)

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "astria_system_tests_requests_total",
		Help: "Total number of requests sent to sequencer nodes",
	}, []string{"transport", "method", "result"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "astria_system_tests_request_duration_seconds",
		Help:    "Duration of requests sent to sequencer nodes",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
	}, []string{"transport", "method"})

	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "astria_system_tests_retries_total",
		Help: "Total number of retried node operations",
	}, []string{"operation"})

	PortForwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "astria_system_tests_port_forwards_total",
		Help: "Total number of port-forwarding processes started",
	}, []string{"namespace", "result"})

	BlockHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "astria_system_tests_block_height",
		Help: "Latest block height observed per node",
	}, []string{"node"})

	UpgradeRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "astria_system_tests_upgrade_runs_total",
		Help: "Total number of upgrade protocol runs",
	}, []string{"mode", "result"})
)
