/*
handlers_test.go - HTTP tests for the economy API

Tests for:
- Claims (paid once, duplicate 409, locked 403, unknown 404)
- Exchanges and quotes
- Jackpot endpoints
- Error mapping, including the compensation failure body
- Rate limiting and principal resolution
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/economy-engine/economy"
	"github.com/warp/economy-engine/economy/store"
	"github.com/warp/economy-engine/rewards"
)

type testServer struct {
	mem     *store.Memory
	engine  *economy.Engine
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T, limiter *RateLimiter) *testServer {
	t.Helper()
	mem := store.NewMemory()
	locker := economy.NewKeyedMutex()

	catalog, err := rewards.NewCatalog(rewards.Config{AdventYear: 2026})
	require.NoError(t, err)
	catalog.WithClock(func() time.Time { return time.Date(2026, 12, 5, 12, 0, 0, 0, time.UTC) })

	engine, err := economy.NewEngine(economy.Deps{
		Ledgers: economy.Ledgers{
			economy.LedgerCurrency: economy.NewLocalLedger(economy.LedgerCurrency, mem, locker),
			economy.LedgerTokens:   economy.NewLocalLedger(economy.LedgerTokens, mem, locker),
			economy.LedgerOrbs:     economy.NewLocalLedger(economy.LedgerOrbs, mem, locker),
		},
		Grants:      mem,
		Jackpots:    mem,
		Incidents:   mem,
		Journals:    []economy.JournalReader{mem},
		Catalog:     catalog,
		Locker:      locker,
		JackpotBase: 1000,
	})
	require.NoError(t, err)

	h := NewHandler(engine, nil, nil)
	return &testServer{
		mem:     mem,
		engine:  engine,
		handler: h,
		router:  NewRouter(h, RouterOptions{Limiter: limiter}),
	}
}

func (s *testServer) do(t *testing.T, method, path, principal string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestClaimReward_PaysOnce(t *testing.T) {
	// GIVEN: Advent day 1 is open
	// WHEN: Claiming it twice
	// THEN: The first pays 100 currency, the second is a 409 and pays nothing
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/me/claims", "u1", ClaimRequest{GrantKind: "advent", GrantID: "2026-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claim := decode[ClaimDTO](t, rec)
	assert.Equal(t, economy.Reward{Kind: economy.LedgerCurrency, Amount: 100}, claim.Reward)

	rec = s.do(t, http.MethodPost, "/api/me/claims", "u1", ClaimRequest{GrantKind: "advent", GrantID: "2026-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/me/balances/currency", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(100), decode[BalanceDTO](t, rec).Balance)

	rec = s.do(t, http.MethodGet, "/api/me/grants", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	grants := decode[struct {
		Grants []economy.GrantRecord `json:"grants"`
	}](t, rec)
	require.Len(t, grants.Grants, 1)
	assert.Equal(t, "2026-1", grants.Grants[0].Key.ID)
}

func TestClaimReward_Errors(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		req    ClaimRequest
		status int
	}{
		{"locked day", ClaimRequest{GrantKind: "advent", GrantID: "2026-24"}, http.StatusForbidden},
		{"unknown day", ClaimRequest{GrantKind: "advent", GrantID: "2026-99"}, http.StatusNotFound},
		{"unknown kind", ClaimRequest{GrantKind: "birthday", GrantID: "1"}, http.StatusNotFound},
		{"missing id", ClaimRequest{GrantKind: "advent"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/me/claims", "u1", tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestMe_RequiresPrincipal(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/api/me/balances", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/me/balances", "a/b", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExchange_Buy(t *testing.T) {
	// GIVEN: u1 holds 1000 currency
	// WHEN: Buying 100 tokens at 0.5
	// THEN: 950 currency and 100 tokens
	s := newTestServer(t, nil)
	ctx := context.Background()
	_, err := s.engine.Ledgers[economy.LedgerCurrency].Delta(ctx, "u1", 1000)
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/api/me/exchanges", "u1", ExchangeRequest{Direction: "buy", Quantity: 100})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[economy.ExchangeResult](t, rec)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Equal(t, int64(950), res.NewDebitBalance)
	assert.Equal(t, int64(100), res.NewCreditBalance)

	rec = s.do(t, http.MethodGet, "/api/me/balances", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bals := decode[BalancesDTO](t, rec)
	assert.Equal(t, int64(950), bals.Balances["currency"])
	assert.Equal(t, int64(100), bals.Balances["tokens"])
	assert.Equal(t, int64(0), bals.Balances["orbs"])
	assert.Empty(t, bals.Unavailable)
}

func TestExchange_InsufficientFunds(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/me/exchanges", "u1", ExchangeRequest{Direction: "buy", Quantity: 100})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "debit_failed", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/me/exchanges", "u1", ExchangeRequest{Direction: "hold", Quantity: 100})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExchange_StorageDown(t *testing.T) {
	s := newTestServer(t, nil)
	s.mem.InjectFault(store.OpLoadBalance, errors.New("disk gone"))

	rec := s.do(t, http.MethodPost, "/api/me/exchanges", "u1", ExchangeRequest{Direction: "sell", Quantity: 10})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/me/balances", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[BalancesDTO](t, rec).Unavailable, 3)
}

func TestGetQuote(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/quotes?direction=sell&quantity=1000", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	q := decode[economy.Quote](t, rec)
	assert.Equal(t, economy.LedgerTokens, q.DebitLedger)
	assert.Equal(t, int64(1000), q.DebitAmount)
	assert.Equal(t, int64(400), q.CreditAmount)

	rec = s.do(t, http.MethodGet, "/api/quotes?direction=buy&quantity=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "quote_rejected", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/quotes?direction=buy&quantity=lots", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJackpot(t *testing.T) {
	// GIVEN: A fresh pool with base 1000
	// WHEN: Two losses then a win
	// THEN: The pool grows, the win pays the total and resets to base
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/jackpots/main", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1000), decode[economy.JackpotState](t, rec).Pool)

	for _, amt := range []int64{50, 25} {
		rec = s.do(t, http.MethodPost, "/api/jackpots/main/increase", "", JackpotIncreaseRequest{Amount: amt})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.Equal(t, int64(1075), decode[JackpotIncreaseDTO](t, rec).Pool)

	rec = s.do(t, http.MethodPost, "/api/jackpots/main/reset", "", JackpotResetRequest{Winner: "u7"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reset := decode[economy.JackpotReset](t, rec)
	assert.Equal(t, int64(1075), reset.OldTotal)
	assert.Equal(t, int64(1000), reset.NewTotal)
	assert.Equal(t, economy.Principal("u7"), reset.State.LastWinner)
	assert.Equal(t, int64(1), reset.State.TotalWins)

	rec = s.do(t, http.MethodPost, "/api/jackpots/main/increase", "", JackpotIncreaseRequest{Amount: -5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimiter_MutatingRoutes(t *testing.T) {
	// GIVEN: One request per principal, no refill to speak of
	// WHEN: u1 claims twice and u2 once
	// THEN: u1's second request is throttled, u2 is independent, reads are not limited
	s := newTestServer(t, NewRateLimiter(0.0001, 1))

	rec := s.do(t, http.MethodPost, "/api/me/claims", "u1", ClaimRequest{GrantKind: "advent", GrantID: "2026-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/me/claims", "u1", ClaimRequest{GrantKind: "advent", GrantID: "2026-2"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/me/claims", "u2", ClaimRequest{GrantKind: "advent", GrantID: "2026-1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	for i := 0; i < 3; i++ {
		rec = s.do(t, http.MethodGet, "/api/me/balances", "u1", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimiter_SweepsIdle(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("u1"))
	now = now.Add(10 * time.Minute)
	assert.True(t, rl.Allow("u2"))
	assert.Len(t, rl.visitors, 1)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"duplicate", economy.ErrRejectedDuplicate, http.StatusConflict},
		{"insufficient", &economy.InsufficientFundsError{}, http.StatusBadRequest},
		{"debit failed", &economy.DebitFailedError{Cause: &economy.InsufficientFundsError{}}, http.StatusBadRequest},
		{"debit storage", &economy.DebitFailedError{Cause: &economy.StorageError{Op: "save", Err: errors.New("x")}}, http.StatusServiceUnavailable},
		{"quote", &economy.QuoteError{Reason: "zero"}, http.StatusBadRequest},
		{"unknown ledger", economy.ErrUnknownLedgerKind, http.StatusNotFound},
		{"unknown grant", economy.ErrUnknownGrant, http.StatusNotFound},
		{"locked", economy.ErrGrantLocked, http.StatusForbidden},
		{"storage", &economy.StorageError{Op: "load", Err: errors.New("x")}, http.StatusServiceUnavailable},
		{"compensated", &economy.CompensatedError{Cause: errors.New("x")}, http.StatusServiceUnavailable},
		{"compensation failed", &economy.CompensationFailedError{}, http.StatusInternalServerError},
		{"invalid principal", economy.ErrInvalidPrincipal, http.StatusBadRequest},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestWriteEngineError_CompensationFailed(t *testing.T) {
	// GIVEN: A saga that could not refund
	// WHEN: The error reaches the client
	// THEN: 500, a support message and the correlation id, no internals
	h := NewHandler(nil, nil, nil)
	rec := httptest.NewRecorder()
	h.writeEngineError(rec, "Exchange failed", &economy.CompensationFailedError{
		CorrelationID: "corr-1",
		Principal:     "u1",
		CreditErr:     errors.New("tokens down"),
		RefundErr:     errors.New("currency down"),
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Contains(t, resp.Error, "please contact support")
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.Nil(t, resp.Details)
}

func TestAdminEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, s.mem.RecordIncident(ctx, economy.Incident{ID: "inc-1", CorrelationID: "c1", Principal: "u1", Ledger: economy.LedgerCurrency, Amount: 50}))

	rec := s.do(t, http.MethodGet, "/api/admin/incidents", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	incs := decode[struct {
		Incidents []economy.Incident `json:"incidents"`
	}](t, rec)
	require.Len(t, incs.Incidents, 1)
	assert.Equal(t, "c1", incs.Incidents[0].CorrelationID)

	rec = s.do(t, http.MethodGet, "/api/admin/reconciliation?principal=u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[struct {
		Clean  bool                         `json:"clean"`
		Report economy.ReconciliationReport `json:"report"`
	}](t, rec)
	assert.False(t, report.Clean)
	assert.Len(t, report.Report.Incidents, 1)

	rec = s.do(t, http.MethodGet, "/api/admin/reconciliation/runs", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
