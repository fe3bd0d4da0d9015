package economy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/economy-engine/economy"
)

func (f *fixture) saga(t *testing.T) *economy.ExchangeSaga {
	t.Helper()
	rates, err := economy.NewRateConverter(economy.DefaultRateTable())
	require.NoError(t, err)
	return &economy.ExchangeSaga{Rates: rates, Ledgers: f.ledgers, Incidents: f.store}
}

func failOn(typ economy.EntryType, err error) func(economy.Posting) error {
	return func(p economy.Posting) error {
		if p.Type == typ {
			return err
		}
		return nil
	}
}

func TestSaga_BuyCommits(t *testing.T) {
	// GIVEN: 1000 currency
	f := newFixture(t)
	f.fund(t, economy.LedgerCurrency, "u1", 1000)

	// WHEN: Buying 100 tokens
	res, err := f.saga(t).Execute(context.Background(), economy.ExchangeRequest{
		Principal: "u1", Direction: economy.DirectionBuy, Quantity: 100,
	})

	// THEN: 50 currency moved into 100 tokens
	require.NoError(t, err)
	assert.Equal(t, int64(950), res.NewDebitBalance)
	assert.Equal(t, int64(100), res.NewCreditBalance)
	assert.Equal(t, int64(950), f.balance(t, economy.LedgerCurrency, "u1"))
	assert.Equal(t, int64(100), f.balance(t, economy.LedgerTokens, "u1"))

	steps := f.entries(t, economy.JournalFilter{CorrelationID: res.CorrelationID})
	require.Len(t, steps, 2)
	types := []economy.EntryType{steps[0].Type, steps[1].Type}
	assert.ElementsMatch(t, []economy.EntryType{economy.EntryExchangeDebit, economy.EntryExchangeCredit}, types)
}

func TestSaga_SellCommits(t *testing.T) {
	f := newFixture(t)
	f.fund(t, economy.LedgerTokens, "u1", 1000)

	res, err := f.saga(t).Execute(context.Background(), economy.ExchangeRequest{
		Principal: "u1", Direction: economy.DirectionSell, Quantity: 1000,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(0), f.balance(t, economy.LedgerTokens, "u1"))
	assert.Equal(t, int64(400), f.balance(t, economy.LedgerCurrency, "u1"))
	assert.Equal(t, int64(400), res.NewCreditBalance)
}

func TestSaga_QuoteRejectedChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.fund(t, economy.LedgerCurrency, "u1", 1000)

	_, err := f.saga(t).Execute(context.Background(), economy.ExchangeRequest{
		Principal: "u1", Direction: economy.DirectionBuy, Quantity: 0,
	})

	require.ErrorIs(t, err, economy.ErrQuoteRejected)
	assert.Len(t, f.entries(t, economy.JournalFilter{}), 1)
}

func TestSaga_DebitFailed(t *testing.T) {
	// GIVEN: 10 currency, too little for 100 tokens
	f := newFixture(t)
	f.fund(t, economy.LedgerCurrency, "u1", 10)

	// WHEN: Buying 100 tokens
	_, err := f.saga(t).Execute(context.Background(), economy.ExchangeRequest{
		Principal: "u1", Direction: economy.DirectionBuy, Quantity: 100,
	})

	// THEN: The saga ends in DebitFailed with no state changed
	require.ErrorIs(t, err, economy.ErrDebitFailed)
	assert.ErrorIs(t, err, economy.ErrInsufficientFunds)
	assert.True(t, economy.IsClientError(err))
	assert.Equal(t, int64(10), f.balance(t, economy.LedgerCurrency, "u1"))
	assert.Equal(t, int64(0), f.balance(t, economy.LedgerTokens, "u1"))
}

func TestSaga_CreditFailureIsCompensated(t *testing.T) {
	// GIVEN: A tokens ledger that fails every credit
	f := newFixture(t)
	f.fund(t, economy.LedgerCurrency, "u1", 1000)
	f.ledgers[economy.LedgerTokens] = &failingLedger{
		Ledger: f.ledgers[economy.LedgerTokens],
		fail:   failOn(economy.EntryExchangeCredit, &economy.StorageError{Op: "save balance", Err: errDiskFull}),
	}

	// WHEN: Buying 100 tokens
	_, err := f.saga(t).Execute(context.Background(), economy.ExchangeRequest{
		Principal: "u1", Direction: economy.DirectionBuy, Quantity: 100,
	})

	// THEN: The debit is refunded and the saga reports Compensated
	require.ErrorIs(t, err, economy.ErrCompensated)
	assert.ErrorIs(t, err, errDiskFull)
	var compensated *economy.CompensatedError
	require.True(t, errors.As(err, &compensated))
	assert.NotEmpty(t, compensated.CorrelationID)

	assert.Equal(t, int64(1000), f.balance(t, economy.LedgerCurrency, "u1"))
	assert.Equal(t, int64(0), f.balance(t, economy.LedgerTokens, "u1"))

	steps := f.entries(t, economy.JournalFilter{CorrelationID: compensated.CorrelationID})
	require.Len(t, steps, 2)
	assert.Equal(t, economy.EntryExchangeDebit, steps[0].Type)
	assert.Equal(t, economy.EntryCompensation, steps[1].Type)
	assert.Equal(t, int64(50), steps[1].Delta)

	incs, err := f.store.ListIncidents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, incs)
}

func TestSaga_CompensationFailureRecordsIncident(t *testing.T) {
	// GIVEN: Credits fail and so do refunds
	f := newFixture(t)
	f.fund(t, economy.LedgerCurrency, "u1", 1000)
	f.ledgers[economy.LedgerTokens] = &failingLedger{
		Ledger: f.ledgers[economy.LedgerTokens],
		fail:   failOn(economy.EntryExchangeCredit, errDiskFull),
	}
	f.ledgers[economy.LedgerCurrency] = &failingLedger{
		Ledger: f.ledgers[economy.LedgerCurrency],
		fail:   failOn(economy.EntryCompensation, errors.New("refund rejected")),
	}
	s := f.saga(t)
	now := time.Date(2026, 12, 5, 10, 0, 0, 0, time.UTC)
	s.Clock = func() time.Time { return now }

	// WHEN: Buying 100 tokens
	_, err := s.Execute(context.Background(), economy.ExchangeRequest{
		Principal: "u1", Direction: economy.DirectionBuy, Quantity: 100,
	})

	// THEN: The principal stays debited and an incident is on file
	require.ErrorIs(t, err, economy.ErrCompensationFailed)
	assert.False(t, economy.IsRetryable(err))
	var failed *economy.CompensationFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, int64(50), failed.Amount)
	assert.Equal(t, economy.LedgerCurrency, failed.Ledger)

	assert.Equal(t, int64(950), f.balance(t, economy.LedgerCurrency, "u1"))

	incs, err := f.store.ListIncidents(context.Background())
	require.NoError(t, err)
	require.Len(t, incs, 1)
	assert.Equal(t, failed.CorrelationID, incs[0].CorrelationID)
	assert.Equal(t, economy.Principal("u1"), incs[0].Principal)
	assert.Equal(t, int64(50), incs[0].Amount)
	assert.Equal(t, now, incs[0].CreatedAt)
}

func TestSaga_CancelAfterDebitStillFinishes(t *testing.T) {
	// GIVEN: A caller that cancels as soon as the debit commits
	f := newFixture(t)
	f.fund(t, economy.LedgerCurrency, "u1", 1000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ledgers[economy.LedgerTokens] = &failingLedger{
		Ledger: f.ledgers[economy.LedgerTokens],
		fail: func(p economy.Posting) error {
			cancel()
			return nil
		},
	}

	// WHEN: Buying 100 tokens
	res, err := f.saga(t).Execute(ctx, economy.ExchangeRequest{
		Principal: "u1", Direction: economy.DirectionBuy, Quantity: 100,
	})

	// THEN: The credit still commits
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.NewCreditBalance)
	assert.Equal(t, int64(100), f.balance(t, economy.LedgerTokens, "u1"))
}
