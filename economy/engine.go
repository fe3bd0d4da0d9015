package economy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// =============================================================================
// ENGINE - The surface exposed to the surrounding application
// =============================================================================

// Deps are the collaborators of an Engine. Ledgers must contain currency and
// tokens; orbs is optional (claims of orb rewards fail without it).
type Deps struct {
	Ledgers     Ledgers
	Grants      GrantStore
	Jackpots    JackpotStore
	Incidents   IncidentStore
	Journals    []JournalReader
	Catalog     RewardCatalog
	Rates       RateTable
	Locker      Locker
	JackpotBase int64
	Logger      *zap.Logger
	Observer    Observer
}

// Engine wires the distributor, the saga, the jackpot and the reconciler over
// one shared Locker.
type Engine struct {
	Ledgers     Ledgers
	Rates       *RateConverter
	Tracker     *IdempotencyTracker
	Distributor *RewardDistributor
	Saga        *ExchangeSaga
	Jackpot     *JackpotAccumulator
	Reconciler  *Reconciler
}

func NewEngine(d Deps) (*Engine, error) {
	for _, k := range []LedgerKind{LedgerCurrency, LedgerTokens} {
		if _, err := d.Ledgers.For(k); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}
	if d.Grants == nil || d.Jackpots == nil || d.Catalog == nil {
		return nil, errors.New("engine: grant store, jackpot store and reward catalog are required")
	}
	if d.Locker == nil {
		d.Locker = NewKeyedMutex()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Rates.BuyRate.IsZero() && d.Rates.SellRate.IsZero() {
		d.Rates = DefaultRateTable()
	}
	rates, err := NewRateConverter(d.Rates)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	tracker := NewIdempotencyTracker(d.Grants)
	return &Engine{
		Ledgers: d.Ledgers,
		Rates:   rates,
		Tracker: tracker,
		Distributor: &RewardDistributor{
			Catalog:  d.Catalog,
			Ledgers:  d.Ledgers,
			Tracker:  tracker,
			Locker:   d.Locker,
			Logger:   d.Logger.Named("rewards"),
			Observer: d.Observer,
		},
		Saga: &ExchangeSaga{
			Rates:     rates,
			Ledgers:   d.Ledgers,
			Incidents: d.Incidents,
			Logger:    d.Logger.Named("exchange"),
			Observer:  d.Observer,
		},
		Jackpot: &JackpotAccumulator{
			Store:      d.Jackpots,
			Locker:     d.Locker,
			BaseAmount: d.JackpotBase,
			Logger:     d.Logger.Named("jackpot"),
			Observer:   d.Observer,
		},
		Reconciler: &Reconciler{
			Journals:  d.Journals,
			Grants:    d.Grants,
			Incidents: d.Incidents,
		},
	}, nil
}

// ClaimReward pays (grantKind, grantID) to principal at most once.
func (e *Engine) ClaimReward(ctx context.Context, principal Principal, kind GrantKind, grantID string) (Reward, error) {
	return e.Distributor.Claim(ctx, principal, kind, grantID)
}

// Exchange buys or sells tokens.
func (e *Engine) Exchange(ctx context.Context, principal Principal, direction Direction, quantity int64) (ExchangeResult, error) {
	return e.Saga.Execute(ctx, ExchangeRequest{Principal: principal, Direction: direction, Quantity: quantity})
}

// Quote prices an exchange without touching any ledger.
func (e *Engine) Quote(direction Direction, quantity int64) (Quote, error) {
	return e.Rates.Quote(direction, quantity)
}

// GetBalance reads one committed balance.
func (e *Engine) GetBalance(ctx context.Context, principal Principal, kind LedgerKind) (int64, error) {
	l, err := e.Ledgers.For(kind)
	if err != nil {
		return 0, err
	}
	return l.Get(ctx, principal)
}

// Balances reads every configured ledger. A ledger that cannot be read is
// reported in errs and left out of the map.
func (e *Engine) Balances(ctx context.Context, principal Principal) (map[LedgerKind]int64, map[LedgerKind]error) {
	out := make(map[LedgerKind]int64)
	errs := make(map[LedgerKind]error)
	for _, kind := range LedgerKinds {
		l, err := e.Ledgers.For(kind)
		if err != nil {
			continue
		}
		bal, err := l.Get(ctx, principal)
		if err != nil {
			errs[kind] = err
			continue
		}
		out[kind] = bal
	}
	return out, errs
}

// Grants lists the recorded grants of a principal.
func (e *Engine) Grants(ctx context.Context, principal Principal) ([]GrantRecord, error) {
	return e.Tracker.Grants(ctx, principal)
}

// IncreaseJackpot feeds a loss into the pool.
func (e *Engine) IncreaseJackpot(ctx context.Context, id string, amount int64) (int64, error) {
	return e.Jackpot.Increase(ctx, id, amount)
}

// ResetJackpot records a win and restarts the pool.
func (e *Engine) ResetJackpot(ctx context.Context, id string, winner Principal) (JackpotReset, error) {
	return e.Jackpot.Reset(ctx, id, winner)
}

// JackpotState reads a pool.
func (e *Engine) JackpotState(ctx context.Context, id string) (JackpotState, error) {
	return e.Jackpot.Get(ctx, id)
}

// Report runs reconciliation for principal, or everyone when empty.
func (e *Engine) Report(ctx context.Context, principal Principal) (ReconciliationReport, error) {
	return e.Reconciler.Report(ctx, principal)
}

// Incidents lists the sagas that could not be compensated.
func (e *Engine) Incidents(ctx context.Context) ([]Incident, error) {
	if e.Reconciler.Incidents == nil {
		return nil, nil
	}
	return e.Reconciler.Incidents.ListIncidents(ctx)
}
