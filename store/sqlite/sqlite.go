/*
Package sqlite provides a SQLite-backed implementation of the economy storage interfaces.

PURPOSE:
  Holds the currency ledger, the journal, grant records, jackpots, incidents
  and reconciliation runs. The tokens ledger lives in store/leveldb; nothing
  here assumes the two share a transaction.

INTERFACES IMPLEMENTED:
  economy.BalanceStore:  Balance documents + journal entry, one SQL transaction
  economy.JournalReader: Journal queries for reconciliation
  economy.JournalWriter: Journal-only entries (remote orbs grants)
  economy.GrantStore:    Write-once grant records
  economy.JackpotStore:  Jackpot documents
  economy.IncidentStore: Uncompensated sagas

VERSION CHECK:
  SaveBalance never blindly overwrites. Version 1 is an INSERT (a concurrent
  first write hits the primary key); later versions are
  UPDATE ... WHERE version = doc.Version-1. Zero rows affected means
  another writer got there first: economy.ErrConcurrentModification.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on journal, grants or incidents
  - The grants primary key (principal, grant_kind, grant_id) is the last
    line of defence against a double-recorded grant

KEY TABLES:
  balances:            One row per (kind, principal), replaced on every delta
  journal:             Immutable record of every committed delta
  grants:              Idempotency records
  jackpots:            One row per pool
  incidents:           Failed compensations awaiting an operator
  reconciliation_runs: Scheduler history

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and a single connection:
  - Readers don't block the writer
  - ":memory:" databases stay one database across calls

USAGE:
  store, err := sqlite.New("./data/economy.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  currency := economy.NewLocalLedger(economy.LedgerCurrency, store, locker)

SEE ALSO:
  - economy/store.go: Interface definitions
  - economy/store/memory.go: In-memory implementation for testing
  - store/leveldb: Tokens ledger
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/economy-engine/economy"
)

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Balance documents (replaced wholesale, version-checked)
	CREATE TABLE IF NOT EXISTS balances (
		kind TEXT NOT NULL,
		principal TEXT NOT NULL,
		balance INTEGER NOT NULL CHECK (balance >= 0),
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, principal)
	);

	-- Journal (append-only)
	CREATE TABLE IF NOT EXISTS journal (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		principal TEXT NOT NULL,
		delta INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		entry_type TEXT NOT NULL,
		reference TEXT,
		correlation_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_principal
		ON journal(principal, kind);
	CREATE INDEX IF NOT EXISTS idx_journal_correlation
		ON journal(correlation_id) WHERE correlation_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_journal_type
		ON journal(entry_type);

	-- Grant records (write-once)
	CREATE TABLE IF NOT EXISTS grants (
		principal TEXT NOT NULL,
		grant_kind TEXT NOT NULL,
		grant_id TEXT NOT NULL,
		reward_kind TEXT NOT NULL,
		amount INTEGER NOT NULL,
		granted_at TEXT NOT NULL,
		PRIMARY KEY (principal, grant_kind, grant_id)
	);

	-- Jackpot pools
	CREATE TABLE IF NOT EXISTS jackpots (
		id TEXT PRIMARY KEY,
		pool INTEGER NOT NULL,
		last_winner TEXT,
		last_win_date TEXT,
		total_wins INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Incidents (failed compensations)
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		ledger TEXT NOT NULL,
		amount INTEGER NOT NULL,
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_incidents_principal
		ON incidents(principal);

	-- Reconciliation Runs (for scheduled reconciliation)
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'pending',
		unrecorded_grants INTEGER DEFAULT 0,
		orphan_debits INTEGER DEFAULT 0,
		incidents INTEGER DEFAULT 0,
		error TEXT,
		started_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_status
		ON reconciliation_runs(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BALANCE STORE (economy.BalanceStore interface)
// =============================================================================

func (s *Store) LoadBalance(ctx context.Context, kind economy.LedgerKind, principal economy.Principal) (economy.BalanceDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := economy.BalanceDocument{Kind: kind, Principal: principal}
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT balance, version, updated_at FROM balances WHERE kind = ? AND principal = ?",
		kind, principal,
	).Scan(&doc.Balance, &doc.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, nil
	}
	if err != nil {
		return economy.BalanceDocument{}, fmt.Errorf("failed to load balance: %w", err)
	}
	doc.UpdatedAt = parseTime(updatedAt)
	return doc, nil
}

// SaveBalance replaces the document and appends the entry in one SQL transaction.
func (s *Store) SaveBalance(ctx context.Context, doc economy.BalanceDocument, entry economy.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if doc.Version == 1 {
		_, err = sqlTx.ExecContext(ctx, `
			INSERT INTO balances (kind, principal, balance, version, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			doc.Kind, doc.Principal, doc.Balance, doc.Version, formatTime(doc.UpdatedAt))
		if isUniqueConstraintError(err) {
			return economy.ErrConcurrentModification
		}
		if err != nil {
			return fmt.Errorf("failed to insert balance: %w", err)
		}
	} else {
		res, err := sqlTx.ExecContext(ctx, `
			UPDATE balances SET balance = ?, version = ?, updated_at = ?
			WHERE kind = ? AND principal = ? AND version = ?`,
			doc.Balance, doc.Version, formatTime(doc.UpdatedAt),
			doc.Kind, doc.Principal, doc.Version-1)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return economy.ErrConcurrentModification
		}
	}

	if err := appendEntry(ctx, sqlTx, entry); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// JOURNAL (economy.JournalReader / economy.JournalWriter)
// =============================================================================

// AppendEntry records an entry with no balance document, e.g. a remote orbs grant.
func (s *Store) AppendEntry(ctx context.Context, entry economy.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendEntry(ctx context.Context, db execer, e economy.JournalEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO journal
		(id, kind, principal, delta, balance_after, entry_type, reference, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.Principal, e.Delta, e.BalanceAfter, e.Type,
		nullString(e.Reference), nullString(e.CorrelationID), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// Entries returns matching entries in commit order.
func (s *Store) Entries(ctx context.Context, f economy.JournalFilter) ([]economy.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, principal, delta, balance_after, entry_type, reference, correlation_id, created_at
		FROM journal WHERE 1 = 1`
	var args []any
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, f.Kind)
	}
	if f.Principal != "" {
		query += " AND principal = ?"
		args = append(args, f.Principal)
	}
	if f.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, f.CorrelationID)
	}
	if len(f.Types) > 0 {
		query += " AND entry_type IN (?" + strings.Repeat(", ?", len(f.Types)-1) + ")"
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	query += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []economy.JournalEntry
	for rows.Next() {
		var e economy.JournalEntry
		var reference, correlationID sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Principal, &e.Delta, &e.BalanceAfter, &e.Type,
			&reference, &correlationID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Reference = reference.String
		e.CorrelationID = correlationID.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// GRANT STORE (economy.GrantStore interface)
// =============================================================================

func (s *Store) HasGrant(ctx context.Context, key economy.GrantKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM grants WHERE principal = ? AND grant_kind = ? AND grant_id = ?",
		key.Principal, key.Kind, key.ID,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) PutGrant(ctx context.Context, rec economy.GrantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grants (principal, grant_kind, grant_id, reward_kind, amount, granted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Key.Principal, rec.Key.Kind, rec.Key.ID, rec.Reward.Kind, rec.Reward.Amount,
		formatTime(rec.GrantedAt))
	if isUniqueConstraintError(err) {
		return economy.ErrDuplicateGrant
	}
	if err != nil {
		return fmt.Errorf("failed to record grant: %w", err)
	}
	return nil
}

func (s *Store) ListGrants(ctx context.Context, principal economy.Principal) ([]economy.GrantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT principal, grant_kind, grant_id, reward_kind, amount, granted_at
		FROM grants`
	var args []any
	if principal != "" {
		query += " WHERE principal = ?"
		args = append(args, principal)
	}
	query += " ORDER BY granted_at ASC, grant_kind ASC, grant_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var records []economy.GrantRecord
	for rows.Next() {
		var (
			rec       economy.GrantRecord
			grantedAt string
		)
		if err := rows.Scan(&rec.Key.Principal, &rec.Key.Kind, &rec.Key.ID,
			&rec.Reward.Kind, &rec.Reward.Amount, &grantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		rec.GrantedAt = parseTime(grantedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =============================================================================
// JACKPOT STORE (economy.JackpotStore interface)
// =============================================================================

func (s *Store) LoadJackpot(ctx context.Context, id string) (economy.JackpotState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st economy.JackpotState
	var lastWinner, lastWinAt sql.NullString
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pool, last_winner, last_win_date, total_wins, version, updated_at
		FROM jackpots WHERE id = ?`, id,
	).Scan(&st.ID, &st.Pool, &lastWinner, &lastWinAt, &st.TotalWins, &st.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return economy.JackpotState{}, economy.ErrJackpotNotFound
	}
	if err != nil {
		return economy.JackpotState{}, fmt.Errorf("failed to load jackpot: %w", err)
	}
	st.LastWinner = economy.Principal(lastWinner.String)
	if lastWinAt.Valid {
		t := parseTime(lastWinAt.String)
		st.LastWinDate = &t
	}
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}

func (s *Store) SaveJackpot(ctx context.Context, st economy.JackpotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastWinAt *string
	if st.LastWinDate != nil {
		v := formatTime(*st.LastWinDate)
		lastWinAt = &v
	}

	if st.Version == 1 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jackpots (id, pool, last_winner, last_win_date, total_wins, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.Pool, nullString(string(st.LastWinner)), lastWinAt, st.TotalWins, st.Version,
			formatTime(st.UpdatedAt))
		if isUniqueConstraintError(err) {
			return economy.ErrConcurrentModification
		}
		if err != nil {
			return fmt.Errorf("failed to insert jackpot: %w", err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jackpots
		SET pool = ?, last_winner = ?, last_win_date = ?, total_wins = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		st.Pool, nullString(string(st.LastWinner)), lastWinAt, st.TotalWins, st.Version,
		formatTime(st.UpdatedAt), st.ID, st.Version-1)
	if err != nil {
		return fmt.Errorf("failed to update jackpot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return economy.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// INCIDENT STORE (economy.IncidentStore interface)
// =============================================================================

func (s *Store) RecordIncident(ctx context.Context, inc economy.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, correlation_id, principal, ledger, amount, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.CorrelationID, inc.Principal, inc.Ledger, inc.Amount, inc.Reason,
		formatTime(inc.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record incident: %w", err)
	}
	return nil
}

func (s *Store) ListIncidents(ctx context.Context) ([]economy.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, correlation_id, principal, ledger, amount, reason, created_at
		FROM incidents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []economy.Incident
	for rows.Next() {
		var (
			inc       economy.Incident
			createdAt string
		)
		if err := rows.Scan(&inc.ID, &inc.CorrelationID, &inc.Principal, &inc.Ledger,
			&inc.Amount, &inc.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		inc.CreatedAt = parseTime(createdAt)
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// =============================================================================
// RECONCILIATION RUNS STORE
// =============================================================================

// ReconciliationRun is one scheduled reconciliation report.
type ReconciliationRun struct {
	ID               string
	Status           string // running, clean, findings, failed
	UnrecordedGrants int
	OrphanDebits     int
	Incidents        int
	Error            string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
}

// Run statuses
const (
	RunRunning  = "running"
	RunClean    = "clean"
	RunFindings = "findings"
	RunFailed   = "failed"
)

// SaveReconciliationRun inserts or updates a run.
func (s *Store) SaveReconciliationRun(ctx context.Context, r ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO reconciliation_runs (id, status, unrecorded_grants, orphan_debits, incidents,
			error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			unrecorded_grants = excluded.unrecorded_grants,
			orphan_debits = excluded.orphan_debits,
			incidents = excluded.incidents,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	var startedAt, completedAt *string
	if r.StartedAt != nil {
		v := formatTime(*r.StartedAt)
		startedAt = &v
	}
	if r.CompletedAt != nil {
		v := formatTime(*r.CompletedAt)
		completedAt = &v
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Status, r.UnrecordedGrants, r.OrphanDebits, r.Incidents,
		nullString(r.Error), startedAt, completedAt, formatTime(r.CreatedAt),
	)
	return err
}

// GetReconciliationRuns returns runs newest first, optionally filtered by status.
// A limit of 0 returns every run.
func (s *Store) GetReconciliationRuns(ctx context.Context, status string, limit int) ([]ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, status, unrecorded_grants, orphan_debits, incidents, error,
			started_at, completed_at, created_at
		FROM reconciliation_runs`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ReconciliationRun
	for rows.Next() {
		var r ReconciliationRun
		var errText, startedAt, completedAt sql.NullString
		var createdAt string
		if err := rows.Scan(
			&r.ID, &r.Status, &r.UnrecordedGrants, &r.OrphanDebits, &r.Incidents, &errText,
			&startedAt, &completedAt, &createdAt,
		); err != nil {
			return nil, err
		}

		r.Error = errText.String
		r.CreatedAt = parseTime(createdAt)
		if startedAt.Valid {
			t := parseTime(startedAt.String)
			r.StartedAt = &t
		}
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}

		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// Compile-time interface checks
var (
	_ economy.BalanceStore  = (*Store)(nil)
	_ economy.JournalReader = (*Store)(nil)
	_ economy.JournalWriter = (*Store)(nil)
	_ economy.GrantStore    = (*Store)(nil)
	_ economy.JackpotStore  = (*Store)(nil)
	_ economy.IncidentStore = (*Store)(nil)
)
