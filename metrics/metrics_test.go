package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/economy-engine/economy"
)

func TestEconomyMetrics_Records(t *testing.T) {
	// GIVEN: Collectors on a private registry
	// WHEN: The engine reports outcomes
	// THEN: Counters and the pool gauge reflect them
	m := newEconomyMetrics()
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.ledgerDeltas, m.grantClaims, m.exchanges, m.jackpotPool)

	m.LedgerDelta(economy.LedgerCurrency, economy.OutcomeOK)
	m.LedgerDelta(economy.LedgerCurrency, economy.OutcomeOK)
	m.GrantClaimed("advent", economy.OutcomeDuplicate)
	m.Exchange(economy.DirectionBuy, economy.OutcomeCompensated)
	m.JackpotPool("default", 1500)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, values["economy_ledger_delta_total"])
	assert.Equal(t, 1.0, values["economy_rewards_claims_total"])
	assert.Equal(t, 1.0, values["economy_exchange_executions_total"])
	assert.Equal(t, 1500.0, values["economy_jackpot_pool"])
}

func TestEconomyMetrics_NilIsNop(t *testing.T) {
	var m *EconomyMetrics
	assert.NotPanics(t, func() {
		m.LedgerDelta(economy.LedgerTokens, economy.OutcomeOK)
		m.GrantClaimed("daily", economy.OutcomeOK)
		m.Exchange(economy.DirectionSell, economy.OutcomeOK)
		m.JackpotPool("default", 1)
	})
}

func TestEconomy_Singleton(t *testing.T) {
	assert.Same(t, Economy(), Economy())
}
