// Package metrics holds the Prometheus collectors shared by the gateway
// components. Collectors are registered on the default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Credentials per pool state.
	CredentialsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "session_gateway_credentials",
			Help: "Number of pooled credentials in each state",
		},
		[]string{"state"},
	)

	CheckoutWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "session_gateway_checkout_wait_seconds",
			Help:    "Time spent waiting for a credential lease",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	CheckoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_gateway_checkouts_total",
			Help: "Credential checkouts by result",
		},
		[]string{"result"},
	)

	LeaseReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_gateway_lease_releases_total",
			Help: "Lease releases by outcome",
		},
		[]string{"outcome"},
	)

	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_gateway_upstream_requests_total",
			Help: "Upstream calls by phase and result",
		},
		[]string{"phase", "result"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "session_gateway_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"phase"},
	)

	StreamedChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_gateway_streamed_chunks_total",
			Help: "Content chunks relayed to clients",
		},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_gateway_requests_total",
			Help: "Dispatched chat requests by mode and result",
		},
		[]string{"mode", "result"},
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_gateway_inflight",
			Help: "Chat requests currently holding a worker slot",
		},
	)
)
