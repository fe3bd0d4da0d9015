package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/economy-engine/economy"
	"github.com/warp/economy-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var t0 = time.Date(2026, time.December, 3, 9, 0, 0, 0, time.UTC)

func doc(p economy.Principal, balance, version int64) economy.BalanceDocument {
	return economy.BalanceDocument{Kind: economy.LedgerCurrency, Principal: p, Balance: balance, Version: version, UpdatedAt: t0}
}

func entry(id string, p economy.Principal, delta, after int64, typ economy.EntryType) economy.JournalEntry {
	return economy.JournalEntry{
		ID: id, Kind: economy.LedgerCurrency, Principal: p, Delta: delta, BalanceAfter: after,
		Type: typ, CreatedAt: t0,
	}
}

// =============================================================================
// BALANCE DOCUMENT TESTS
// =============================================================================

func TestBalance_UnknownPrincipalIsZero(t *testing.T) {
	store := newTestStore(t)

	got, err := store.LoadBalance(context.Background(), economy.LedgerCurrency, "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Balance)
	assert.Equal(t, int64(0), got.Version)
}

func TestBalance_SaveAndReload(t *testing.T) {
	// GIVEN: A first write then an update
	// WHEN: Reloading
	// THEN: The latest document and both journal entries are there
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBalance(ctx, doc("u1", 100, 1), entry("e1", "u1", 100, 100, economy.EntryGrant)))
	require.NoError(t, store.SaveBalance(ctx, doc("u1", 40, 2), entry("e2", "u1", -60, 40, economy.EntryExchangeDebit)))

	got, err := store.LoadBalance(ctx, economy.LedgerCurrency, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.Balance)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.UpdatedAt.Equal(t0))

	entries, err := store.Entries(ctx, economy.JournalFilter{Principal: "u1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e1", entries[0].ID)
	assert.Equal(t, "e2", entries[1].ID)
}

func TestBalance_StaleVersionRejected(t *testing.T) {
	// GIVEN: A stored document at version 2
	// WHEN: A writer saves based on version 1 (or re-creates version 1)
	// THEN: ErrConcurrentModification, and neither journal entry is written
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBalance(ctx, doc("u1", 100, 1), entry("e1", "u1", 100, 100, economy.EntryGrant)))
	require.NoError(t, store.SaveBalance(ctx, doc("u1", 150, 2), entry("e2", "u1", 50, 150, economy.EntryGrant)))

	err := store.SaveBalance(ctx, doc("u1", 120, 2), entry("e3", "u1", 20, 120, economy.EntryGrant))
	assert.ErrorIs(t, err, economy.ErrConcurrentModification)

	err = store.SaveBalance(ctx, doc("u1", 5, 1), entry("e4", "u1", 5, 5, economy.EntryGrant))
	assert.ErrorIs(t, err, economy.ErrConcurrentModification)

	entries, err := store.Entries(ctx, economy.JournalFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLedgerOverSQLite(t *testing.T) {
	// GIVEN: A currency ledger over SQLite
	// WHEN: Crediting then overdrawing
	// THEN: The overdraft is rejected and the balance is unchanged
	store := newTestStore(t)
	ctx := context.Background()
	ledger := economy.NewLocalLedger(economy.LedgerCurrency, store, nil)

	bal, err := ledger.Delta(ctx, "u1", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal)

	_, err = ledger.Delta(ctx, "u1", -1001)
	assert.ErrorIs(t, err, economy.ErrInsufficientFunds)

	bal, err = ledger.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal)
}

// =============================================================================
// JOURNAL TESTS
// =============================================================================

func TestJournal_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	orbs := economy.JournalEntry{
		ID: "o1", Kind: economy.LedgerOrbs, Principal: "u1", Delta: 5, Type: economy.EntryGrant,
		Reference: "u1/advent/3", CreatedAt: t0,
	}
	require.NoError(t, store.AppendEntry(ctx, orbs))

	debit := entry("d1", "u2", -50, 50, economy.EntryExchangeDebit)
	debit.CorrelationID = "saga-1"
	require.NoError(t, store.AppendEntry(ctx, debit))

	got, err := store.Entries(ctx, economy.JournalFilter{Kind: economy.LedgerOrbs})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u1/advent/3", got[0].Reference)

	got, err = store.Entries(ctx, economy.JournalFilter{CorrelationID: "saga-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].ID)

	got, err = store.Entries(ctx, economy.JournalFilter{Types: []economy.EntryType{economy.EntryGrant, economy.EntryExchangeDebit}})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// =============================================================================
// GRANT TESTS
// =============================================================================

func TestGrants_WriteOnce(t *testing.T) {
	// GIVEN: A recorded grant
	// WHEN: Recording the same key again
	// THEN: ErrDuplicateGrant
	store := newTestStore(t)
	ctx := context.Background()
	key := economy.GrantKey{Principal: "u1", Kind: "advent", ID: "1"}
	rec := economy.GrantRecord{Key: key, Reward: economy.Reward{Kind: economy.LedgerCurrency, Amount: 100}, GrantedAt: t0}

	ok, err := store.HasGrant(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.PutGrant(ctx, rec))
	assert.ErrorIs(t, store.PutGrant(ctx, rec), economy.ErrDuplicateGrant)

	ok, err = store.HasGrant(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	recs, err := store.ListGrants(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.Reward, recs[0].Reward)
	assert.Equal(t, key, recs[0].Key)

	recs, err = store.ListGrants(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// =============================================================================
// JACKPOT AND INCIDENT TESTS
// =============================================================================

func TestJackpot_VersionedDocument(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.LoadJackpot(ctx, "default")
	assert.ErrorIs(t, err, economy.ErrJackpotNotFound)

	st := economy.JackpotState{ID: "default", Pool: 1500, Version: 1, UpdatedAt: t0}
	require.NoError(t, store.SaveJackpot(ctx, st))

	won := t0.Add(time.Hour)
	st.Pool, st.LastWinner, st.LastWinDate, st.TotalWins, st.Version = 1000, "u1", &won, 1, 2
	require.NoError(t, store.SaveJackpot(ctx, st))
	assert.ErrorIs(t, store.SaveJackpot(ctx, st), economy.ErrConcurrentModification)

	got, err := store.LoadJackpot(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Pool)
	assert.Equal(t, economy.Principal("u1"), got.LastWinner)
	require.NotNil(t, got.LastWinDate)
	assert.True(t, got.LastWinDate.Equal(won))
	assert.Equal(t, int64(1), got.TotalWins)
}

func TestIncidents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inc := economy.Incident{
		ID: "i1", CorrelationID: "saga-1", Principal: "u1", Ledger: economy.LedgerCurrency,
		Amount: 50, Reason: "refund failed", CreatedAt: t0,
	}
	require.NoError(t, store.RecordIncident(ctx, inc))

	got, err := store.ListIncidents(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].CreatedAt.Equal(t0))
	got[0].CreatedAt = inc.CreatedAt
	assert.Equal(t, inc, got[0])
}

// =============================================================================
// RECONCILIATION RUN TESTS
// =============================================================================

func TestReconciliationRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := t0
	run := sqlite.ReconciliationRun{ID: "r1", Status: sqlite.RunRunning, StartedAt: &started, CreatedAt: t0}
	require.NoError(t, store.SaveReconciliationRun(ctx, run))

	done := t0.Add(time.Second)
	run.Status, run.OrphanDebits, run.CompletedAt = sqlite.RunFindings, 2, &done
	require.NoError(t, store.SaveReconciliationRun(ctx, run))

	require.NoError(t, store.SaveReconciliationRun(ctx, sqlite.ReconciliationRun{
		ID: "r2", Status: sqlite.RunClean, CreatedAt: t0.Add(time.Minute),
	}))

	runs, err := store.GetReconciliationRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)

	runs, err = store.GetReconciliationRuns(ctx, sqlite.RunFindings, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].OrphanDebits)
	require.NotNil(t, runs[0].CompletedAt)
}

func TestPersistsAcrossReopen(t *testing.T) {
	// GIVEN: A file-backed store with a balance
	// WHEN: Closing and reopening
	// THEN: The balance survives
	path := filepath.Join(t.TempDir(), "economy.db")
	ctx := context.Background()

	store, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveBalance(ctx, doc("u1", 7, 1), entry("e1", "u1", 7, 7, economy.EntryGrant)))
	require.NoError(t, store.Close())

	store, err = sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	got, err := store.LoadBalance(ctx, economy.LedgerCurrency, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Balance)
}
