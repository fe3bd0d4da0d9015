/*
saga.go - Two-ledger exchange with compensation

PURPOSE:
  Moves value between the currency and tokens ledgers. The two ledgers have
  no shared transaction, so the exchange is a saga: debit A, credit B, and
  refund A if crediting B fails.

STATE MACHINE:
  Quoting -> Debiting -> Crediting -> Committed
     |          |           |
     |          |           +--> Compensating -> Compensated
     |          |                             \-> CompensationFailed
     |          +--> DebitFailed              (no state changed)
     +--> QuoteRejected                       (no state changed)

CANCELLATION:
  Once the debit commits the saga can only run forward to Crediting or
  Compensating. From that point it ignores the caller's cancellation and
  runs under its own timeout.

COMPENSATION FAILURE:
  The principal is left debited with nothing credited. The saga logs it,
  counts it and records an Incident for manual reconciliation. It does not
  retry the refund: a refund that failed may still have been applied.

CORRELATION:
  Every saga gets a uuid. All its journal entries carry it, which is how
  reconciliation pairs debits with credits and refunds.
*/
package economy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SagaState names the exchange saga states.
type SagaState string

const (
	SagaQuoting            SagaState = "quoting"
	SagaDebiting           SagaState = "debiting"
	SagaCrediting          SagaState = "crediting"
	SagaCommitted          SagaState = "committed"
	SagaQuoteRejected      SagaState = "quote_rejected"
	SagaDebitFailed        SagaState = "debit_failed"
	SagaCompensating       SagaState = "compensating"
	SagaCompensated        SagaState = "compensated"
	SagaCompensationFailed SagaState = "compensation_failed"
)

// ExchangeSaga orchestrates buy and sell exchanges.
type ExchangeSaga struct {
	Rates     *RateConverter
	Ledgers   Ledgers
	Incidents IncidentStore
	Logger    *zap.Logger
	Observer  Observer

	// Timeout bounds the part of the saga that runs after the debit.
	Timeout time.Duration
	Clock   func() time.Time
}

// Execute runs one exchange to a terminal state.
func (s *ExchangeSaga) Execute(ctx context.Context, req ExchangeRequest) (ExchangeResult, error) {
	if err := req.Principal.Validate(); err != nil {
		return ExchangeResult{}, err
	}
	correlationID := uuid.NewString()
	log := s.logger().With(
		zap.String("correlation_id", correlationID),
		zap.String("principal", string(req.Principal)),
		zap.String("direction", string(req.Direction)),
		zap.Int64("quantity", req.Quantity))

	// Quoting
	quote, err := s.Rates.Quote(req.Direction, req.Quantity)
	if err != nil {
		s.observer().Exchange(req.Direction, OutcomeQuoteRejected)
		return ExchangeResult{}, err
	}
	debit, err := s.Ledgers.For(quote.DebitLedger)
	if err != nil {
		return ExchangeResult{}, err
	}
	credit, err := s.Ledgers.For(quote.CreditLedger)
	if err != nil {
		return ExchangeResult{}, err
	}
	reference := fmt.Sprintf("%s %d", quote.Direction, quote.Quantity)

	// Debiting
	debitBalance, err := debit.Post(ctx, Posting{
		Principal:     req.Principal,
		Amount:        -quote.DebitAmount,
		Type:          EntryExchangeDebit,
		Reference:     reference,
		CorrelationID: correlationID,
	})
	if err != nil {
		s.observer().Exchange(req.Direction, OutcomeDebitFailed)
		log.Info("exchange debit failed", zap.Error(err))
		return ExchangeResult{}, &DebitFailedError{CorrelationID: correlationID, Ledger: quote.DebitLedger, Cause: err}
	}

	// Past this point the saga cannot be cancelled.
	sagaCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout())
	defer cancel()

	// Crediting
	creditBalance, creditErr := credit.Post(sagaCtx, Posting{
		Principal:     req.Principal,
		Amount:        quote.CreditAmount,
		Type:          EntryExchangeCredit,
		Reference:     reference,
		CorrelationID: correlationID,
	})
	if creditErr != nil {
		return ExchangeResult{}, s.compensate(sagaCtx, log, correlationID, req, quote, debit, creditErr)
	}

	// Committed
	s.observer().Exchange(req.Direction, OutcomeOK)
	log.Info("exchange committed",
		zap.Int64("debit_amount", quote.DebitAmount),
		zap.Int64("credit_amount", quote.CreditAmount))

	return ExchangeResult{
		CorrelationID:    correlationID,
		Quote:            quote,
		NewDebitBalance:  debitBalance,
		NewCreditBalance: creditBalance,
	}, nil
}

// compensate refunds exactly what was debited.
func (s *ExchangeSaga) compensate(
	ctx context.Context,
	log *zap.Logger,
	correlationID string,
	req ExchangeRequest,
	quote Quote,
	debit Ledger,
	creditErr error,
) error {
	log.Warn("exchange credit failed, compensating", zap.Error(creditErr))

	_, refundErr := debit.Post(ctx, Posting{
		Principal:     req.Principal,
		Amount:        quote.DebitAmount,
		Type:          EntryCompensation,
		Reference:     fmt.Sprintf("refund %s %d", quote.Direction, quote.Quantity),
		CorrelationID: correlationID,
	})
	if refundErr == nil {
		s.observer().Exchange(req.Direction, OutcomeCompensated)
		log.Info("exchange compensated")
		return &CompensatedError{CorrelationID: correlationID, Cause: creditErr}
	}

	failure := &CompensationFailedError{
		CorrelationID: correlationID,
		Principal:     req.Principal,
		Ledger:        quote.DebitLedger,
		Amount:        quote.DebitAmount,
		CreditErr:     creditErr,
		RefundErr:     refundErr,
	}
	s.observer().Exchange(req.Direction, OutcomeCompensationFailed)
	log.Error("exchange compensation failed, manual reconciliation required",
		zap.String("ledger", string(quote.DebitLedger)),
		zap.Int64("amount_owed", quote.DebitAmount),
		zap.NamedError("credit_error", creditErr),
		zap.NamedError("refund_error", refundErr))

	if s.Incidents != nil {
		inc := Incident{
			ID:            uuid.NewString(),
			CorrelationID: correlationID,
			Principal:     req.Principal,
			Ledger:        quote.DebitLedger,
			Amount:        quote.DebitAmount,
			Reason:        failure.Error(),
			CreatedAt:     s.now(),
		}
		if err := s.Incidents.RecordIncident(ctx, inc); err != nil {
			log.Error("failed to record incident", zap.Error(err))
		}
	}
	return failure
}

func (s *ExchangeSaga) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 3 * DefaultOpTimeout
	}
	return s.Timeout
}

func (s *ExchangeSaga) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock().UTC()
}

func (s *ExchangeSaga) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *ExchangeSaga) observer() Observer { return observerOrNop(s.Observer) }
