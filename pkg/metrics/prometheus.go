// Package metrics exports nonce manager and RPC activity to Prometheus.
package metrics

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/noncemanager/pkg/nonce"
)

// NonceMetrics holds all Prometheus metrics for managed nonces.
// It implements nonce.Recorder and the rpc client's call observer.
type NonceMetrics struct {
	// Nonce lifecycle
	Commits   *prometheus.CounterVec
	Rollbacks *prometheus.CounterVec
	NextNonce *prometheus.GaugeVec

	// Chain queries used for seeding and resync
	ChainQueries      *prometheus.CounterVec
	ChainQueryLatency prometheus.Histogram
	GuardWait         prometheus.Histogram

	RPCLatency *prometheus.HistogramVec
}

var _ nonce.Recorder = (*NonceMetrics)(nil)

// NewNonceMetrics creates and registers all Prometheus metrics.
func NewNonceMetrics(reg prometheus.Registerer) *NonceMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &NonceMetrics{
		Commits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noncemanager_commits_total",
				Help: "Nonces consumed by successful operations",
			},
			[]string{"address"},
		),

		Rollbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noncemanager_rollbacks_total",
				Help: "Reservations released without consuming the nonce, by outcome",
			},
			[]string{"address", "outcome"},
		),

		NextNonce: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "noncemanager_next_nonce",
				Help: "Next nonce to be issued",
			},
			[]string{"address"},
		),

		ChainQueries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noncemanager_chain_queries_total",
				Help: "Transaction count queries by status",
			},
			[]string{"status"},
		),

		ChainQueryLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "noncemanager_chain_query_latency_seconds",
				Help:    "Transaction count query latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		),

		GuardWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "noncemanager_guard_wait_seconds",
				Help:    "Time spent waiting for the per-account nonce guard",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "noncemanager_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "status"},
		),
	}
}

// ObserveGuardWait records how long a caller waited for the guard.
// Latency histograms are not labelled by account.
func (m *NonceMetrics) ObserveGuardWait(_ common.Address, wait time.Duration) {
	m.GuardWait.Observe(wait.Seconds())
}

// ObserveChainQuery records a transaction count query.
func (m *NonceMetrics) ObserveChainQuery(_ common.Address, err error, took time.Duration) {
	m.ChainQueries.WithLabelValues(status(err)).Inc()
	m.ChainQueryLatency.Observe(took.Seconds())
}

// RecordCommit records a consumed nonce.
func (m *NonceMetrics) RecordCommit(address common.Address, n uint64) {
	addr := address.Hex()
	m.Commits.WithLabelValues(addr).Inc()
	m.NextNonce.WithLabelValues(addr).Set(float64(n + 1))
}

// RecordRollback records a released reservation.
func (m *NonceMetrics) RecordRollback(address common.Address, n uint64, outcome nonce.Outcome) {
	m.Rollbacks.WithLabelValues(address.Hex(), string(outcome)).Inc()
}

// knownRPCMethods is a fixed set of known RPC methods to prevent cardinality explosion
var knownRPCMethods = map[string]bool{
	"eth_sendRawTransaction":   true,
	"eth_getTransactionCount":  true,
	"eth_chainId":              true,
	"eth_gasPrice":             true,
	"eth_maxPriorityFeePerGas": true,
	"eth_getBlockByNumber":     true,
	"eth_estimateGas":          true,
	"eth_getBalance":           true,
}

// ObserveCall records RPC call latency.
func (m *NonceMetrics) ObserveCall(method string, err error, took time.Duration) {
	// Bucket unknown methods into 'other' to prevent cardinality explosion
	bucketedMethod := method
	if !knownRPCMethods[method] {
		bucketedMethod = "other"
	}
	m.RPCLatency.WithLabelValues(bucketedMethod, status(err)).Observe(took.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
