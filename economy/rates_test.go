package economy_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/economy-engine/economy"
)

func TestRateConverter_Quote(t *testing.T) {
	rates, err := economy.NewRateConverter(economy.DefaultRateTable())
	require.NoError(t, err)

	tests := []struct {
		name      string
		direction economy.Direction
		quantity  int64
		debit     int64
		credit    int64
	}{
		{"buy 1000", economy.DirectionBuy, 1000, 500, 1000},
		{"buy 100", economy.DirectionBuy, 100, 50, 100},
		{"buy rounds cost up", economy.DirectionBuy, 3, 2, 3},
		{"sell 1000", economy.DirectionSell, 1000, 1000, 400},
		{"sell rounds proceeds down", economy.DirectionSell, 7, 7, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := rates.Quote(tt.direction, tt.quantity)
			require.NoError(t, err)
			assert.Equal(t, tt.debit, q.DebitAmount)
			assert.Equal(t, tt.credit, q.CreditAmount)
			assert.Equal(t, tt.quantity, q.Quantity)
		})
	}

	q, err := rates.Quote(economy.DirectionBuy, 10)
	require.NoError(t, err)
	assert.Equal(t, economy.LedgerCurrency, q.DebitLedger)
	assert.Equal(t, economy.LedgerTokens, q.CreditLedger)

	q, err = rates.Quote(economy.DirectionSell, 10)
	require.NoError(t, err)
	assert.Equal(t, economy.LedgerTokens, q.DebitLedger)
	assert.Equal(t, economy.LedgerCurrency, q.CreditLedger)
}

func TestRateConverter_Rejects(t *testing.T) {
	rates, err := economy.NewRateConverter(economy.DefaultRateTable())
	require.NoError(t, err)

	tests := []struct {
		name      string
		direction economy.Direction
		quantity  int64
	}{
		{"zero quantity", economy.DirectionBuy, 0},
		{"negative quantity", economy.DirectionSell, -5},
		{"above max", economy.DirectionBuy, 1_000_001},
		{"sell proceeds round to zero", economy.DirectionSell, 2},
		{"unknown direction", economy.Direction("swap"), 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rates.Quote(tt.direction, tt.quantity)
			require.ErrorIs(t, err, economy.ErrQuoteRejected)
			assert.True(t, economy.IsClientError(err))
		})
	}
}

func TestRateTable_Validate(t *testing.T) {
	table := economy.DefaultRateTable()
	require.NoError(t, table.Validate())

	inverted := table
	inverted.SellRate = decimal.RequireFromString("0.6")
	assert.ErrorContains(t, inverted.Validate(), "exceeds buy rate")

	zero := table
	zero.BuyRate = decimal.Zero
	assert.Error(t, zero.Validate())

	bounds := table
	bounds.MinQuantity, bounds.MaxQuantity = 10, 5
	assert.Error(t, bounds.Validate())

	_, err := economy.NewRateConverter(inverted)
	assert.Error(t, err)
}

func TestParseDirection(t *testing.T) {
	d, err := economy.ParseDirection(" BUY ")
	require.NoError(t, err)
	assert.Equal(t, economy.DirectionBuy, d)

	_, err = economy.ParseDirection("hold")
	assert.ErrorIs(t, err, economy.ErrQuoteRejected)
}
