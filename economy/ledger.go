/*
ledger.go - Serialized balance mutation for one ledger kind

PURPOSE:
  A Ledger owns every write to its balances. Callers never read a balance,
  compute a new value and write it back; they call Delta and the ledger does
  the read-modify-write under a per-(kind, principal) lock.

CRITICAL INVARIANTS:
  1. SERIALIZED: Deltas for the same (kind, principal) never interleave
  2. NON-NEGATIVE: A delta that would go below zero is rejected, no side effect
  3. JOURNALED: Every committed delta appends exactly one journal entry
  4. FAILURE IS FAILURE: A timeout is reported as ErrStorageUnavailable

LEDGER KINDS:
  currency, tokens: LocalLedger over a BalanceStore
  orbs:             orbs.Client, a remote grant endpoint (no local balance)

SEE ALSO:
  - keylock.go: The Locker the ledger serializes through
  - store.go: BalanceStore document contract
  - orbs/client.go: Remote ledger
*/
package economy

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// DefaultOpTimeout bounds one ledger operation, lock wait included.
const DefaultOpTimeout = 5 * time.Second

// maxConflictRetries bounds reloads after ErrConcurrentModification.
const maxConflictRetries = 3

// =============================================================================
// LEDGER - Balance access for one ledger kind
// =============================================================================

// Ledger is the only writer of its balances.
type Ledger interface {
	Kind() LedgerKind

	// Get returns the committed balance; 0 for an unknown principal.
	Get(ctx context.Context, principal Principal) (int64, error)

	// Delta adds amount (may be negative) and returns the new balance.
	Delta(ctx context.Context, principal Principal, amount int64) (int64, error)

	// Post is Delta with journal context.
	Post(ctx context.Context, p Posting) (int64, error)
}

// Posting is one requested balance change.
type Posting struct {
	Principal     Principal
	Amount        int64
	Type          EntryType
	Reference     string
	CorrelationID string
}

// =============================================================================
// LOCAL LEDGER - Ledger over a BalanceStore
// =============================================================================

type LocalLedger struct {
	LedgerKind LedgerKind
	Store      BalanceStore
	Locker     Locker
	Timeout    time.Duration
	Observer   Observer
	Clock      func() time.Time
}

// NewLocalLedger creates a ledger of the given kind. A nil locker gets a
// private KeyedMutex, which is only correct when this ledger is the sole
// writer of the store.
func NewLocalLedger(kind LedgerKind, store BalanceStore, locker Locker) *LocalLedger {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &LocalLedger{
		LedgerKind: kind,
		Store:      store,
		Locker:     locker,
		Timeout:    DefaultOpTimeout,
		Clock:      time.Now,
	}
}

func (l *LocalLedger) Kind() LedgerKind { return l.LedgerKind }

func (l *LocalLedger) Get(ctx context.Context, principal Principal) (int64, error) {
	if err := principal.Validate(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout())
	defer cancel()

	doc, err := l.Store.LoadBalance(ctx, l.LedgerKind, principal)
	if err != nil {
		return 0, &StorageError{Op: "load balance", Ledger: l.LedgerKind, Err: err}
	}
	return doc.Balance, nil
}

func (l *LocalLedger) Delta(ctx context.Context, principal Principal, amount int64) (int64, error) {
	return l.Post(ctx, Posting{Principal: principal, Amount: amount, Type: EntryAdjustment})
}

func (l *LocalLedger) Post(ctx context.Context, p Posting) (int64, error) {
	if err := p.Principal.Validate(); err != nil {
		return 0, err
	}
	if p.Type == "" {
		p.Type = EntryAdjustment
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout())
	defer cancel()

	unlock, err := l.Locker.Lock(ctx, LedgerLockKey(l.LedgerKind, p.Principal))
	if err != nil {
		l.observer().LedgerDelta(l.LedgerKind, OutcomeStorageUnavailable)
		return 0, &StorageError{Op: "lock balance", Ledger: l.LedgerKind, Err: err}
	}
	defer unlock()

	var balance int64
	for attempt := 0; ; attempt++ {
		balance, err = l.apply(ctx, p)
		if errors.Is(err, ErrConcurrentModification) && attempt < maxConflictRetries {
			continue
		}
		break
	}
	l.observer().LedgerDelta(l.LedgerKind, outcomeOf(err))
	return balance, err
}

// apply runs one read-modify-write. Must hold the (kind, principal) lock.
func (l *LocalLedger) apply(ctx context.Context, p Posting) (int64, error) {
	doc, err := l.Store.LoadBalance(ctx, l.LedgerKind, p.Principal)
	if err != nil {
		return 0, &StorageError{Op: "load balance", Ledger: l.LedgerKind, Err: err}
	}
	if p.Amount == 0 {
		return doc.Balance, nil
	}
	if p.Amount > 0 && doc.Balance > math.MaxInt64-p.Amount {
		return doc.Balance, ErrInvalidAmount
	}

	next := doc.Balance + p.Amount
	if next < 0 {
		return doc.Balance, &InsufficientFundsError{
			Ledger:    l.LedgerKind,
			Principal: p.Principal,
			Available: doc.Balance,
			Requested: -p.Amount,
		}
	}

	now := l.now()
	updated := BalanceDocument{
		Kind:      l.LedgerKind,
		Principal: p.Principal,
		Balance:   next,
		Version:   doc.Version + 1,
		UpdatedAt: now,
	}
	entry := JournalEntry{
		ID:            uuid.NewString(),
		Kind:          l.LedgerKind,
		Principal:     p.Principal,
		Delta:         p.Amount,
		BalanceAfter:  next,
		Type:          p.Type,
		Reference:     p.Reference,
		CorrelationID: p.CorrelationID,
		CreatedAt:     now,
	}
	if err := l.Store.SaveBalance(ctx, updated, entry); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return doc.Balance, err
		}
		return doc.Balance, &StorageError{Op: "save balance", Ledger: l.LedgerKind, Err: err}
	}
	return next, nil
}

func (l *LocalLedger) timeout() time.Duration {
	if l.Timeout <= 0 {
		return DefaultOpTimeout
	}
	return l.Timeout
}

func (l *LocalLedger) now() time.Time {
	if l.Clock == nil {
		return time.Now().UTC()
	}
	return l.Clock().UTC()
}

func (l *LocalLedger) observer() Observer { return observerOrNop(l.Observer) }

// =============================================================================
// LEDGER SET - Lookup by kind
// =============================================================================

// Ledgers maps each kind to the ledger that owns it.
type Ledgers map[LedgerKind]Ledger

// For returns the ledger of kind, or ErrUnknownLedgerKind.
func (ls Ledgers) For(kind LedgerKind) (Ledger, error) {
	l, ok := ls[kind]
	if !ok || l == nil {
		return nil, &unknownLedgerError{kind: kind}
	}
	return l, nil
}

type unknownLedgerError struct{ kind LedgerKind }

func (e *unknownLedgerError) Error() string { return "no ledger configured for " + string(e.kind) }
func (e *unknownLedgerError) Unwrap() error { return ErrUnknownLedgerKind }
