package economy

import "errors"

// Observer receives operation outcomes for metrics. Implementations must be
// safe for concurrent use. See metrics.Economy for the Prometheus one.
type Observer interface {
	LedgerDelta(kind LedgerKind, outcome string)
	GrantClaimed(kind GrantKind, outcome string)
	Exchange(direction Direction, outcome string)
	JackpotPool(id string, pool int64)
}

// Outcome labels.
const (
	OutcomeOK                   = "ok"
	OutcomeInsufficientFunds    = "insufficient_funds"
	OutcomeStorageUnavailable   = "storage_unavailable"
	OutcomeConflict             = "conflict"
	OutcomeDuplicate            = "duplicate"
	OutcomeFailed               = "failed"
	OutcomePaymentWithoutRecord = "payment_without_record"
	OutcomeQuoteRejected        = "quote_rejected"
	OutcomeDebitFailed          = "debit_failed"
	OutcomeCompensated          = "compensated"
	OutcomeCompensationFailed   = "compensation_failed"
	OutcomeInvalid              = "invalid"
)

type nopObserver struct{}

func (nopObserver) LedgerDelta(LedgerKind, string) {}
func (nopObserver) GrantClaimed(GrantKind, string) {}
func (nopObserver) Exchange(Direction, string) {}
func (nopObserver) JackpotPool(string, int64) {}

// NopObserver discards every outcome.
func NopObserver() Observer { return nopObserver{} }

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}

// outcomeOf maps an error to its outcome label. Saga errors are checked
// first because they wrap the underlying cause.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrCompensationFailed):
		return OutcomeCompensationFailed
	case errors.Is(err, ErrCompensated):
		return OutcomeCompensated
	case errors.Is(err, ErrDebitFailed):
		return OutcomeDebitFailed
	case errors.Is(err, ErrQuoteRejected):
		return OutcomeQuoteRejected
	case errors.Is(err, ErrRejectedDuplicate):
		return OutcomeDuplicate
	case errors.Is(err, ErrInsufficientFunds):
		return OutcomeInsufficientFunds
	case errors.Is(err, ErrConcurrentModification):
		return OutcomeConflict
	case errors.Is(err, ErrFailed):
		return OutcomeFailed
	case errors.Is(err, ErrStorageUnavailable):
		return OutcomeStorageUnavailable
	}
	return OutcomeInvalid
}
