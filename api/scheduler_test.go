package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/economy-engine/economy"
	"github.com/warp/economy-engine/store/sqlite"
)

func TestScheduler_RecordsRuns(t *testing.T) {
	// GIVEN: A clean engine and a run store
	// WHEN: Running twice, the second time with an open incident
	// THEN: A clean run then a findings run, newest first
	s := newTestServer(t, nil)
	runs, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer runs.Close()
	s.handler.Runs = runs
	ctx := context.Background()

	sched := NewReconciliationScheduler(s.engine, runs, nil)
	report, err := sched.RunNow(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())

	require.NoError(t, s.mem.RecordIncident(ctx, economy.Incident{ID: "inc-1", CorrelationID: "c1", Principal: "u1", Ledger: economy.LedgerTokens, Amount: 10}))
	report, err = sched.RunNow(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Incidents, 1)

	all, err := runs.GetReconciliationRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	statuses := []string{all[0].Status, all[1].Status}
	assert.ElementsMatch(t, []string{sqlite.RunClean, sqlite.RunFindings}, statuses)

	findings, err := runs.GetReconciliationRuns(ctx, sqlite.RunFindings, 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, 1, findings[0].Incidents)
	assert.NotNil(t, findings[0].CompletedAt)

	rec := s.do(t, http.MethodGet, "/api/admin/reconciliation/runs?status=clean", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Runs []ReconciliationRunDTO `json:"runs"`
	}](t, rec)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, sqlite.RunClean, body.Runs[0].Status)
}

func TestScheduler_StartStop(t *testing.T) {
	s := newTestServer(t, nil)
	sched := NewReconciliationScheduler(s.engine, nil, nil)

	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()

	sched.Enabled = false
	sched.Start()
	sched.Stop()
}
