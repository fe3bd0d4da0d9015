/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain records that
  already carry json tags (JournalEntry, GrantRecord, Incident, JackpotState)
  are returned as-is; everything shaped for HTTP lives here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and in the engine, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/economy-engine/economy"
	"github.com/warp/economy-engine/store/sqlite"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ClaimRequest claims one grant for the calling principal.
type ClaimRequest struct {
	GrantKind string `json:"grant_kind"`
	GrantID   string `json:"grant_id"`
}

// ExchangeRequest buys or sells tokens.
type ExchangeRequest struct {
	Direction string `json:"direction"`
	Quantity  int64  `json:"quantity"`
}

// JackpotIncreaseRequest feeds a loss into a pool.
type JackpotIncreaseRequest struct {
	Amount int64 `json:"amount"`
}

// JackpotResetRequest records a win.
type JackpotResetRequest struct {
	Winner string `json:"winner"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// BalancesDTO lists every ledger of a principal. Ledgers that could not be
// read are reported in Unavailable instead of Balances.
type BalancesDTO struct {
	Principal   string            `json:"principal"`
	Balances    map[string]int64  `json:"balances"`
	Unavailable map[string]string `json:"unavailable,omitempty"`
}

// BalanceDTO is a single ledger balance.
type BalanceDTO struct {
	Principal string `json:"principal"`
	Ledger    string `json:"ledger"`
	Balance   int64  `json:"balance"`
}

// ClaimDTO is a paid claim.
type ClaimDTO struct {
	GrantKind string         `json:"grant_kind"`
	GrantID   string         `json:"grant_id"`
	Reward    economy.Reward `json:"reward"`
}

// JackpotIncreaseDTO is the pool after an increase.
type JackpotIncreaseDTO struct {
	ID   string `json:"id"`
	Pool int64  `json:"pool"`
}

// ReconciliationRunDTO is one scheduler run.
type ReconciliationRunDTO struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	UnrecordedGrants int    `json:"unrecorded_grants"`
	OrphanDebits     int    `json:"orphan_debits"`
	Incidents        int    `json:"incidents"`
	Error            string `json:"error,omitempty"`
	StartedAt        string `json:"started_at,omitempty"`
	CompletedAt      string `json:"completed_at,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code,omitempty"`
	Details       any    `json:"details,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toRunDTO(run sqlite.ReconciliationRun) ReconciliationRunDTO {
	dto := ReconciliationRunDTO{
		ID:               run.ID,
		Status:           run.Status,
		UnrecordedGrants: run.UnrecordedGrants,
		OrphanDebits:     run.OrphanDebits,
		Incidents:        run.Incidents,
		Error:            run.Error,
	}
	if run.StartedAt != nil {
		dto.StartedAt = run.StartedAt.Format(time.RFC3339)
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return dto
}
