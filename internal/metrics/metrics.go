// Package metrics holds the Prometheus collectors for ragbridge.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ragbridge"

// Interception outcomes.
const (
	OutcomeServed = "served"
	OutcomeMiss   = "miss"
	OutcomeError  = "error"
	OutcomePass   = "pass"
)

var (
	InterceptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intercept_requests_total",
			Help:      "Runtime resource requests seen by the interceptor",
		},
		[]string{"outcome"},
	)

	InterceptBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intercept_bytes_total",
			Help:      "Bytes served to the runtime from local sources",
		},
		[]string{"source"}, // cache / bundle
	)

	BridgeOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_operations_total",
			Help:      "Bridge operations by name and result",
		},
		[]string{"op", "status"},
	)

	CacheFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_fetch_total",
			Help:      "Remote source downloads during provisioning",
		},
		[]string{"status"},
	)

	CacheFetchBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_fetch_bytes_total",
			Help:      "Bytes written into the content-addressed store",
		},
	)
)

var registerOnce sync.Once

// Register adds every collector to reg. Only the first call has an effect.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			InterceptTotal,
			InterceptBytes,
			BridgeOpsTotal,
			CacheFetchTotal,
			CacheFetchBytes,
			httpRequestDuration,
			httpRequestsTotal,
		)
	})
}
