/*
rates.go - Exchange rate tables and quoting

PURPOSE:
  Maps (direction, quantity) to the amounts an exchange debits and credits.
  Pure: no I/O, no clock, no state. The same input always yields the same
  quote, so a RateConverter can be shared freely.

SPREAD:
  Buy and sell rates differ on purpose. With the defaults, 1000 tokens cost
  500 currency but sell back for 400. Rounding also favours the house:
  buy costs round up, sell proceeds round down.

PRECISION:
  Rates are decimal.Decimal; amounts are whole units. A quote whose debit or
  credit rounds to zero is rejected.
*/
package economy

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RateTable holds the currency-per-token rates of both directions.
type RateTable struct {
	BuyRate     decimal.Decimal // currency paid per token bought
	SellRate    decimal.Decimal // currency received per token sold
	MinQuantity int64
	MaxQuantity int64
}

// DefaultRateTable: 1000 tokens cost 500 currency, sell for 400.
func DefaultRateTable() RateTable {
	return RateTable{
		BuyRate:     decimal.RequireFromString("0.5"),
		SellRate:    decimal.RequireFromString("0.4"),
		MinQuantity: 1,
		MaxQuantity: 1_000_000,
	}
}

// Validate rejects tables that are unusable or that would let a buy and a
// sell round trip create currency.
func (t RateTable) Validate() error {
	if !t.BuyRate.IsPositive() || !t.SellRate.IsPositive() {
		return fmt.Errorf("rates must be positive (buy %s, sell %s)", t.BuyRate, t.SellRate)
	}
	if t.SellRate.GreaterThan(t.BuyRate) {
		return fmt.Errorf("sell rate %s exceeds buy rate %s", t.SellRate, t.BuyRate)
	}
	if t.MinQuantity < 1 || t.MaxQuantity < t.MinQuantity {
		return fmt.Errorf("invalid quantity bounds [%d, %d]", t.MinQuantity, t.MaxQuantity)
	}
	return nil
}

// RateConverter quotes exchanges against a fixed table.
type RateConverter struct {
	table RateTable
}

func NewRateConverter(table RateTable) (*RateConverter, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &RateConverter{table: table}, nil
}

// Table returns a copy of the rate table.
func (c *RateConverter) Table() RateTable { return c.table }

// Quote resolves an exchange. Invalid input returns a *QuoteError.
func (c *RateConverter) Quote(direction Direction, quantity int64) (Quote, error) {
	if quantity < c.table.MinQuantity || quantity > c.table.MaxQuantity {
		return Quote{}, &QuoteError{Reason: fmt.Sprintf("quantity %d outside [%d, %d]",
			quantity, c.table.MinQuantity, c.table.MaxQuantity)}
	}

	q := decimal.NewFromInt(quantity)
	var quote Quote
	switch direction {
	case DirectionBuy:
		quote = Quote{
			DebitLedger:  LedgerCurrency,
			DebitAmount:  q.Mul(c.table.BuyRate).Ceil().IntPart(),
			CreditLedger: LedgerTokens,
			CreditAmount: quantity,
		}
	case DirectionSell:
		quote = Quote{
			DebitLedger:  LedgerTokens,
			DebitAmount:  quantity,
			CreditLedger: LedgerCurrency,
			CreditAmount: q.Mul(c.table.SellRate).Floor().IntPart(),
		}
	default:
		return Quote{}, &QuoteError{Reason: fmt.Sprintf("unknown direction %q", direction)}
	}
	quote.Direction = direction
	quote.Quantity = quantity

	if quote.DebitAmount <= 0 || quote.CreditAmount <= 0 {
		return Quote{}, &QuoteError{Reason: fmt.Sprintf("%s %d rounds to a zero amount", direction, quantity)}
	}
	return quote, nil
}
