/*
handlers.go - HTTP API handlers for the economy engine

PURPOSE:
  Exposes the economy engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to economy.Engine.

ENDPOINTS:
  Caller (principal from PrincipalResolver):
    GET    /api/me/balances            Every ledger balance
    GET    /api/me/balances/{ledger}   One ledger balance
    POST   /api/me/claims              Claim a one-time reward
    GET    /api/me/grants              Grants already paid
    POST   /api/me/exchanges           Buy or sell tokens

  Public:
    GET    /api/quotes                 Price an exchange without executing it
    GET    /api/jackpots/{id}          Read a jackpot pool

  Game server / admin:
    POST   /api/jackpots/{id}/increase Feed a loss into the pool
    POST   /api/jackpots/{id}/reset    Record a win
    GET    /api/admin/reconciliation   Run a reconciliation report now
    GET    /api/admin/reconciliation/runs  Scheduler history
    GET    /api/admin/incidents        Failed compensations

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status (see statusFor):
  - 400: Insufficient funds, debit failed, quote rejected, invalid input
  - 403: Grant not yet available
  - 404: Unknown ledger, grant or jackpot
  - 409: Reward already claimed
  - 503: Storage unavailable, exchange rolled back
  - 500: Compensation failed; the body carries the correlation id

SECURITY NOTE:
  Identity comes from the X-Principal-ID header by default. Deployments must
  put an authenticating gateway in front or supply their own resolver.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/economy-engine/economy"
	"github.com/warp/economy-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// RunStore persists scheduler runs.
type RunStore interface {
	SaveReconciliationRun(ctx context.Context, r sqlite.ReconciliationRun) error
	GetReconciliationRuns(ctx context.Context, status string, limit int) ([]sqlite.ReconciliationRun, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *economy.Engine
	Runs   RunStore // optional
	Logger *zap.Logger
}

// NewHandler creates a new handler over engine.
func NewHandler(engine *economy.Engine, runs RunStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Engine: engine, Runs: runs, Logger: logger}
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetBalances returns every ledger of the caller.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	balances, errs := h.Engine.Balances(r.Context(), p)

	dto := BalancesDTO{Principal: string(p), Balances: make(map[string]int64, len(balances))}
	for k, v := range balances {
		dto.Balances[string(k)] = v
	}
	if len(errs) > 0 {
		dto.Unavailable = make(map[string]string, len(errs))
		for k, err := range errs {
			dto.Unavailable[string(k)] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetLedgerBalance returns one ledger of the caller.
func (h *Handler) GetLedgerBalance(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	kind, err := economy.ParseLedgerKind(chi.URLParam(r, "ledger"))
	if err != nil {
		h.writeEngineError(w, "Unknown ledger", err)
		return
	}
	bal, err := h.Engine.GetBalance(r.Context(), p, kind)
	if err != nil {
		h.writeEngineError(w, "Failed to read balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{Principal: string(p), Ledger: string(kind), Balance: bal})
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

// ClaimReward pays a one-time grant to the caller.
// POST /api/me/claims
func (h *Handler) ClaimReward(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.GrantKind = strings.TrimSpace(req.GrantKind)
	req.GrantID = strings.TrimSpace(req.GrantID)
	if req.GrantKind == "" || req.GrantID == "" {
		writeError(w, http.StatusBadRequest, "grant_kind and grant_id are required", nil)
		return
	}

	reward, err := h.Engine.ClaimReward(r.Context(), principalFrom(r.Context()), economy.GrantKind(req.GrantKind), req.GrantID)
	if err != nil {
		h.writeEngineError(w, "Claim failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimDTO{GrantKind: req.GrantKind, GrantID: req.GrantID, Reward: reward})
}

// ListGrants returns the grants already paid to the caller.
func (h *Handler) ListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.Engine.Grants(r.Context(), principalFrom(r.Context()))
	if err != nil {
		h.writeEngineError(w, "Failed to list grants", err)
		return
	}
	if grants == nil {
		grants = []economy.GrantRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

// =============================================================================
// EXCHANGE HANDLERS
// =============================================================================

// Exchange runs the buy/sell saga for the caller.
// POST /api/me/exchanges
func (h *Handler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	dir, err := economy.ParseDirection(req.Direction)
	if err != nil {
		h.writeEngineError(w, "Invalid direction", err)
		return
	}

	res, err := h.Engine.Exchange(r.Context(), principalFrom(r.Context()), dir, req.Quantity)
	if err != nil {
		h.writeEngineError(w, "Exchange failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetQuote prices an exchange.
// GET /api/quotes?direction=buy&quantity=100
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	dir, err := economy.ParseDirection(r.URL.Query().Get("direction"))
	if err != nil {
		h.writeEngineError(w, "Invalid direction", err)
		return
	}
	qty, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}
	q, err := h.Engine.Quote(dir, qty)
	if err != nil {
		h.writeEngineError(w, "Quote rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// =============================================================================
// JACKPOT HANDLERS
// =============================================================================

func (h *Handler) GetJackpot(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.JackpotState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, "Failed to read jackpot", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) IncreaseJackpot(w http.ResponseWriter, r *http.Request) {
	var req JackpotIncreaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := chi.URLParam(r, "id")
	pool, err := h.Engine.IncreaseJackpot(r.Context(), id, req.Amount)
	if err != nil {
		h.writeEngineError(w, "Failed to increase jackpot", err)
		return
	}
	writeJSON(w, http.StatusOK, JackpotIncreaseDTO{ID: id, Pool: pool})
}

func (h *Handler) ResetJackpot(w http.ResponseWriter, r *http.Request) {
	var req JackpotResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Engine.ResetJackpot(r.Context(), chi.URLParam(r, "id"), economy.Principal(req.Winner))
	if err != nil {
		h.writeEngineError(w, "Failed to reset jackpot", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// RECONCILIATION ENDPOINTS
// =============================================================================

// GetReconciliationReport runs a report now.
// GET /api/admin/reconciliation?principal=u1
func (h *Handler) GetReconciliationReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Report(r.Context(), economy.Principal(r.URL.Query().Get("principal")))
	if err != nil {
		h.writeEngineError(w, "Failed to build report", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clean": report.Clean(), "report": report})
}

// ListReconciliationRuns returns reconciliation run history.
// GET /api/admin/reconciliation/runs?status=findings&limit=20
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []ReconciliationRunDTO{}})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Runs.GetReconciliationRuns(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get reconciliation runs", err)
		return
	}
	dtos := make([]ReconciliationRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// ListIncidents returns every failed compensation awaiting an operator.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	incs, err := h.Engine.Incidents(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to list incidents", err)
		return
	}
	if incs == nil {
		incs = []economy.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incs})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps engine errors to HTTP status and a stable code. Saga
// outcomes are checked first because they wrap the underlying cause.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, economy.ErrCompensationFailed):
		return http.StatusInternalServerError, "compensation_failed"
	case errors.Is(err, economy.ErrCompensated):
		return http.StatusServiceUnavailable, "compensated"
	case errors.Is(err, economy.ErrDebitFailed):
		if errors.Is(err, economy.ErrStorageUnavailable) {
			return http.StatusServiceUnavailable, "debit_failed"
		}
		return http.StatusBadRequest, "debit_failed"
	case errors.Is(err, economy.ErrRejectedDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, economy.ErrGrantLocked):
		return http.StatusForbidden, "grant_locked"
	case economy.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, economy.ErrInsufficientFunds):
		return http.StatusBadRequest, "insufficient_funds"
	case errors.Is(err, economy.ErrQuoteRejected):
		return http.StatusBadRequest, "quote_rejected"
	case errors.Is(err, economy.ErrStorageUnavailable),
		errors.Is(err, economy.ErrFailed),
		errors.Is(err, economy.ErrConcurrentModification):
		return http.StatusServiceUnavailable, "unavailable"
	case economy.IsClientError(err):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}

	var cf *economy.CompensationFailedError
	if errors.As(err, &cf) {
		resp.Error = "Exchange could not be completed, please contact support"
		resp.Details = nil
		resp.CorrelationID = cf.CorrelationID
	}
	var ce *economy.CompensatedError
	if errors.As(err, &ce) {
		resp.CorrelationID = ce.CorrelationID
	}
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, zap.String("code", code), zap.Error(err))
	}
	writeJSON(w, status, resp)
}
