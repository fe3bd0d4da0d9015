/*
Package economy provides the economic consistency engine.

PURPOSE:
  Mutates a user's balances across three independently persisted ledgers:
  a spendable currency, an exchangeable token, and a gacha-orb ledger that
  only exists behind a remote HTTP service. There is no transaction boundary
  shared by the three, so every multi-ledger operation is a saga of locally
  committed steps with explicit compensation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Principal:      Opaque user identifier, the key of every ledger
  - LedgerKind:     currency | tokens | orbs
  - Reward:         A typed, positive amount paid by a grant
  - GrantKey:       (principal, grant kind, grant id) idempotency key
  - Quote:          A resolved exchange (debit ledger/amount, credit ledger/amount)
  - JournalEntry:   Append-only record of a committed ledger mutation

DESIGN PRINCIPLES:
  1. Integers only: balances are whole units, never floats
  2. Documents are replaced wholesale; readers never see a half-written value
  3. Every committed mutation leaves a journal entry for reconciliation

SEE ALSO:
  - ledger.go: Serialized balance mutation
  - distributor.go: Idempotent reward grants
  - saga.go: Two-ledger exchange with compensation
*/
package economy

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// Principal identifies the user every ledger and grant record is keyed by.
type Principal string

func (p Principal) Validate() error {
	if strings.TrimSpace(string(p)) == "" || strings.Contains(string(p), "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPrincipal, string(p))
	}
	return nil
}

// LedgerKind names one of the three balance ledgers.
type LedgerKind string

const (
	LedgerCurrency LedgerKind = "currency"
	LedgerTokens   LedgerKind = "tokens"
	LedgerOrbs     LedgerKind = "orbs"
)

// LedgerKinds lists every known ledger in display order.
var LedgerKinds = []LedgerKind{LedgerCurrency, LedgerTokens, LedgerOrbs}

// ParseLedgerKind resolves a ledger name. Unknown names return ErrUnknownLedgerKind.
func ParseLedgerKind(s string) (LedgerKind, error) {
	switch k := LedgerKind(strings.ToLower(strings.TrimSpace(s))); k {
	case LedgerCurrency, LedgerTokens, LedgerOrbs:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLedgerKind, s)
}

// IsRemote reports whether the authoritative balance lives outside this process.
func (k LedgerKind) IsRemote() bool { return k == LedgerOrbs }

// =============================================================================
// REWARDS AND GRANTS
// =============================================================================

// GrantKind groups grant ids into a namespace, e.g. "advent" or "daily".
type GrantKind string

// Reward is immutable; Kind selects the ledger it is paid into.
type Reward struct {
	Kind   LedgerKind `json:"kind" toml:"kind"`
	Amount int64      `json:"amount" toml:"amount"`
}

func (r Reward) Validate() error {
	if _, err := ParseLedgerKind(string(r.Kind)); err != nil {
		return err
	}
	if r.Amount <= 0 {
		return fmt.Errorf("%w: reward amount must be positive, got %d", ErrInvalidAmount, r.Amount)
	}
	return nil
}

func (r Reward) String() string { return fmt.Sprintf("%d %s", r.Amount, r.Kind) }

// GrantKey is the idempotency key of a one-time grant.
type GrantKey struct {
	Principal Principal `json:"principal"`
	Kind      GrantKind `json:"grant_kind"`
	ID        string    `json:"grant_id"`
}

// String is the canonical form stored as the journal reference of a grant.
func (k GrantKey) String() string {
	return string(k.Principal) + "/" + string(k.Kind) + "/" + k.ID
}

// ParseGrantKey reverses GrantKey.String. The principal may not contain '/'
// but the grant id may.
func ParseGrantKey(s string) (GrantKey, bool) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return GrantKey{}, false
	}
	return GrantKey{Principal: Principal(parts[0]), Kind: GrantKind(parts[1]), ID: parts[2]}, true
}

// GrantRecord marks a grant as paid. Present iff the reward was applied.
type GrantRecord struct {
	Key       GrantKey  `json:"key"`
	Reward    Reward    `json:"reward"`
	GrantedAt time.Time `json:"granted_at"`
}

// =============================================================================
// EXCHANGE
// =============================================================================

// Direction of a token exchange.
type Direction string

const (
	// DirectionBuy spends currency to gain tokens.
	DirectionBuy Direction = "buy"
	// DirectionSell spends tokens to gain currency.
	DirectionSell Direction = "sell"
)

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case DirectionBuy, DirectionSell:
		return d, nil
	}
	return "", &QuoteError{Reason: fmt.Sprintf("unknown direction %q", s)}
}

// ExchangeRequest is transient; it lives for one saga.
type ExchangeRequest struct {
	Principal Principal
	Direction Direction
	Quantity  int64
}

// Quote is the resolved form of an ExchangeRequest.
type Quote struct {
	Direction    Direction  `json:"direction"`
	Quantity     int64      `json:"quantity"`
	DebitLedger  LedgerKind `json:"debit_ledger"`
	DebitAmount  int64      `json:"debit_amount"`
	CreditLedger LedgerKind `json:"credit_ledger"`
	CreditAmount int64      `json:"credit_amount"`
}

// ExchangeResult is returned by a committed saga.
type ExchangeResult struct {
	CorrelationID    string `json:"correlation_id"`
	Quote            Quote  `json:"quote"`
	NewDebitBalance  int64  `json:"new_debit_balance"`
	NewCreditBalance int64  `json:"new_credit_balance"`
}

// =============================================================================
// PERSISTED DOCUMENTS
// =============================================================================

// BalanceDocument is the whole stored value of one (kind, principal) balance.
// Version increases by one on every save and guards against writers that
// bypass the Locker (e.g. a second process without a shared lock).
type BalanceDocument struct {
	Kind      LedgerKind
	Principal Principal
	Balance   int64
	Version   int64
	UpdatedAt time.Time
}

// EntryType classifies journal entries.
type EntryType string

const (
	EntryGrant          EntryType = "grant"
	EntryExchangeDebit  EntryType = "exchange_debit"
	EntryExchangeCredit EntryType = "exchange_credit"
	EntryCompensation   EntryType = "compensation"
	EntryAdjustment     EntryType = "adjustment"
)

// JournalEntry is an append-only record of one committed ledger mutation.
// Entries are never updated or deleted.
type JournalEntry struct {
	ID            string     `json:"id"`
	Kind          LedgerKind `json:"ledger"`
	Principal     Principal  `json:"principal"`
	Delta         int64      `json:"delta"`
	BalanceAfter  int64      `json:"balance_after"`
	Type          EntryType  `json:"type"`
	Reference     string     `json:"reference,omitempty"`      // grant key for grants
	CorrelationID string     `json:"correlation_id,omitempty"` // saga id for exchange steps
	CreatedAt     time.Time  `json:"created_at"`
}

// JournalFilter selects journal entries. Zero fields match everything.
type JournalFilter struct {
	Kind          LedgerKind
	Principal     Principal
	Types         []EntryType
	CorrelationID string
}

// Matches reports whether e passes the filter.
func (f JournalFilter) Matches(e JournalEntry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Principal != "" && e.Principal != f.Principal {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if e.Type == t {
			return true
		}
	}
	return false
}

// JackpotState is the single stored document of one jackpot pool.
type JackpotState struct {
	ID          string     `json:"id"`
	Pool        int64      `json:"pool"`
	LastWinner  Principal  `json:"last_winner,omitempty"`
	LastWinDate *time.Time `json:"last_win_date,omitempty"`
	TotalWins   int64      `json:"total_wins"`
	Version     int64      `json:"version"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JackpotReset is the outcome of a win.
type JackpotReset struct {
	OldTotal int64        `json:"old_total"`
	NewTotal int64        `json:"new_total"`
	State    JackpotState `json:"state"`
}

// Incident records a saga that could not be compensated. Incidents are
// resolved by an operator, never by an automatic retry.
type Incident struct {
	ID            string     `json:"id"`
	CorrelationID string     `json:"correlation_id"`
	Principal     Principal  `json:"principal"`
	Ledger        LedgerKind `json:"ledger"`
	Amount        int64      `json:"amount"` // amount owed back to the principal
	Reason        string     `json:"reason"`
	CreatedAt     time.Time  `json:"created_at"`
}
