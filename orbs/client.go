/*
Package orbs provides the remote orbs ledger.

PURPOSE:
  Orbs are held by an external service. This process keeps no balance; a
  positive delta is a "grant N orbs" call to that service.

PROTOCOL:
  POST {base}/grant  {"principal": "...", "amount": N}  -> 2xx on success
  GET  {base}/balance?principal=...  -> {"balance": N}   (optional)

  Any other status, a transport error or a timeout is a failure
  (economy.ErrStorageUnavailable). A timed-out grant is never assumed to
  have succeeded; the distributor does not record it, so the claim can be
  retried. The grant reference is sent as Idempotency-Key for services that
  deduplicate.

LIMITS:
  Negative deltas return economy.ErrUnsupportedDebit.

SEE ALSO:
  - economy/ledger.go: The Ledger interface this implements
  - economy/distributor.go: The only caller that pays orbs
*/
package orbs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/economy-engine/economy"
)

// Config defines the HTTP client settings for the orbs service.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	// BalanceEnabled turns on GET /balance. Without it Get always fails.
	BalanceEnabled bool
}

// Client implements economy.Ledger for LedgerOrbs.
type Client struct {
	baseURL        string
	token          string
	balanceEnabled bool
	httpClient     *http.Client

	// Journal receives one entry per successful grant. Optional.
	Journal  economy.JournalWriter
	Logger   *zap.Logger
	Observer economy.Observer
	Clock    func() time.Time
}

// ErrBalanceUnavailable is the cause reported by Get when the balance endpoint is off.
var ErrBalanceUnavailable = errors.New("orbs balance endpoint not enabled")

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("orbs: base url required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("orbs: base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = economy.DefaultOpTimeout
	}
	return &Client{
		baseURL:        strings.TrimRight(base, "/"),
		token:          strings.TrimSpace(cfg.Token),
		balanceEnabled: cfg.BalanceEnabled,
		httpClient:     &http.Client{Timeout: timeout},
		Logger:         zap.NewNop(),
		Clock:          time.Now,
	}, nil
}

func (c *Client) Kind() economy.LedgerKind { return economy.LedgerOrbs }

type grantRequest struct {
	Principal string `json:"principal"`
	Amount    int64  `json:"amount"`
}

type balanceResponse struct {
	Balance *int64 `json:"balance"`
}

func (c *Client) Delta(ctx context.Context, principal economy.Principal, amount int64) (int64, error) {
	return c.Post(ctx, economy.Posting{Principal: principal, Amount: amount, Type: economy.EntryAdjustment})
}

// Post grants p.Amount orbs. The returned balance is the service's new
// balance when it reports one, otherwise 0.
func (c *Client) Post(ctx context.Context, p economy.Posting) (int64, error) {
	if err := p.Principal.Validate(); err != nil {
		return 0, err
	}
	if p.Amount < 0 {
		c.observer().LedgerDelta(economy.LedgerOrbs, economy.OutcomeInvalid)
		return 0, fmt.Errorf("%w: orbs delta %d", economy.ErrUnsupportedDebit, p.Amount)
	}
	if p.Amount == 0 {
		return 0, nil
	}

	body, err := json.Marshal(grantRequest{Principal: string(p.Principal), Amount: p.Amount})
	if err != nil {
		return 0, fmt.Errorf("orbs: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/grant", bytes.NewReader(body))
	if err != nil {
		return 0, c.unavailable("grant", fmt.Errorf("request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Reference != "" {
		req.Header.Set("Idempotency-Key", p.Reference)
	}
	c.authorize(req)

	balance, err := c.do(req)
	if err != nil {
		c.logger().Warn("orbs grant failed",
			zap.String("principal", string(p.Principal)),
			zap.Int64("amount", p.Amount),
			zap.Error(err))
		return 0, c.unavailable("grant", err)
	}
	c.observer().LedgerDelta(economy.LedgerOrbs, economy.OutcomeOK)
	c.journal(ctx, p, balance)
	return balance, nil
}

// Get reads the balance from the service. Fails with ErrStorageUnavailable
// when the balance endpoint is not enabled.
func (c *Client) Get(ctx context.Context, principal economy.Principal) (int64, error) {
	if err := principal.Validate(); err != nil {
		return 0, err
	}
	if !c.balanceEnabled {
		return 0, &economy.StorageError{Op: "get balance", Ledger: economy.LedgerOrbs, Err: ErrBalanceUnavailable}
	}
	u := c.baseURL + "/balance?principal=" + url.QueryEscape(string(principal))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, &economy.StorageError{Op: "get balance", Ledger: economy.LedgerOrbs, Err: err}
	}
	c.authorize(req)
	balance, err := c.do(req)
	if err != nil {
		return 0, &economy.StorageError{Op: "get balance", Ledger: economy.LedgerOrbs, Err: err}
	}
	return balance, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// do sends req and decodes an optional {"balance": N} body.
func (c *Client) do(req *http.Request) (int64, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return 0, nil
	}
	var payload balanceResponse
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Balance == nil {
		return 0, nil
	}
	return *payload.Balance, nil
}

func (c *Client) unavailable(op string, err error) error {
	c.observer().LedgerDelta(economy.LedgerOrbs, economy.OutcomeStorageUnavailable)
	return &economy.StorageError{Op: op, Ledger: economy.LedgerOrbs, Err: err}
}

// journal records the grant locally. The grant already happened, so a
// journal failure is logged and swallowed.
func (c *Client) journal(ctx context.Context, p economy.Posting, balance int64) {
	if c.Journal == nil {
		return
	}
	typ := p.Type
	if typ == "" {
		typ = economy.EntryAdjustment
	}
	entry := economy.JournalEntry{
		ID:            uuid.NewString(),
		Kind:          economy.LedgerOrbs,
		Principal:     p.Principal,
		Delta:         p.Amount,
		BalanceAfter:  balance,
		Type:          typ,
		Reference:     p.Reference,
		CorrelationID: p.CorrelationID,
		CreatedAt:     c.now(),
	}
	if err := c.Journal.AppendEntry(context.WithoutCancel(ctx), entry); err != nil {
		c.logger().Error("orbs grant not journaled",
			zap.String("principal", string(p.Principal)),
			zap.Int64("amount", p.Amount),
			zap.String("reference", p.Reference),
			zap.Error(err))
	}
}

func (c *Client) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock().UTC()
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Client) observer() economy.Observer {
	if c.Observer == nil {
		return economy.NopObserver()
	}
	return c.Observer
}

var _ economy.Ledger = (*Client)(nil)
