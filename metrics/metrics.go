// Package metrics exposes engine outcomes to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/economy-engine/economy"
)

// EconomyMetrics implements economy.Observer. The zero of *EconomyMetrics
// (nil) is a valid observer that records nothing.
type EconomyMetrics struct {
	ledgerDeltas *prometheus.CounterVec
	grantClaims  *prometheus.CounterVec
	exchanges    *prometheus.CounterVec
	jackpotPool  *prometheus.GaugeVec
}

var (
	economyMetricsOnce sync.Once
	economyRegistry    *EconomyMetrics
)

// Economy returns the process-wide collectors, registering them on first use.
func Economy() *EconomyMetrics {
	economyMetricsOnce.Do(func() {
		economyRegistry = newEconomyMetrics()
		prometheus.MustRegister(
			economyRegistry.ledgerDeltas,
			economyRegistry.grantClaims,
			economyRegistry.exchanges,
			economyRegistry.jackpotPool,
		)
	})
	return economyRegistry
}

func newEconomyMetrics() *EconomyMetrics {
	return &EconomyMetrics{
		ledgerDeltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "economy",
			Subsystem: "ledger",
			Name:      "delta_total",
			Help:      "Ledger postings by ledger kind and outcome.",
		}, []string{"ledger", "outcome"}),
		grantClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "economy",
			Subsystem: "rewards",
			Name:      "claims_total",
			Help:      "Reward claims by grant kind and outcome.",
		}, []string{"kind", "outcome"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "economy",
			Subsystem: "exchange",
			Name:      "executions_total",
			Help:      "Exchange saga executions by direction and outcome.",
		}, []string{"direction", "outcome"}),
		jackpotPool: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "economy",
			Subsystem: "jackpot",
			Name:      "pool",
			Help:      "Current pool of each jackpot.",
		}, []string{"id"}),
	}
}

func (m *EconomyMetrics) LedgerDelta(kind economy.LedgerKind, outcome string) {
	if m == nil {
		return
	}
	m.ledgerDeltas.WithLabelValues(string(kind), outcome).Inc()
}

func (m *EconomyMetrics) GrantClaimed(kind economy.GrantKind, outcome string) {
	if m == nil {
		return
	}
	m.grantClaims.WithLabelValues(string(kind), outcome).Inc()
}

func (m *EconomyMetrics) Exchange(direction economy.Direction, outcome string) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(string(direction), outcome).Inc()
}

func (m *EconomyMetrics) JackpotPool(id string, pool int64) {
	if m == nil {
		return
	}
	m.jackpotPool.WithLabelValues(id).Set(float64(pool))
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

var _ economy.Observer = (*EconomyMetrics)(nil)
