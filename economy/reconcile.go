/*
reconcile.go - Reconciliation report across ledgers and grant records

PURPOSE:
  The engine accepts two rare inconsistencies instead of engineering them
  away. This report makes both visible:

  1. UNRECORDED GRANTS: a grant journal entry with no matching GrantRecord.
     The reward was paid but Recording failed (distributor.go).
  2. ORPHAN DEBITS: an exchange debit whose saga has neither a credit nor a
     compensation entry. Normally an in-flight saga, so debits younger than
     Grace are skipped.

  Open incidents (failed compensations) are listed alongside.

  The report only reads. Fixing anything it lists is an operator decision.
*/
package economy

import (
	"context"
	"sort"
	"time"
)

// ReconciliationReport lists the inconsistencies found at GeneratedAt.
type ReconciliationReport struct {
	GeneratedAt      time.Time         `json:"generated_at"`
	UnrecordedGrants []UnrecordedGrant `json:"unrecorded_grants"`
	OrphanDebits     []JournalEntry    `json:"orphan_debits"`
	Incidents        []Incident        `json:"incidents"`
}

// UnrecordedGrant is a payment without a grant record.
type UnrecordedGrant struct {
	Key   GrantKey     `json:"key"`
	Entry JournalEntry `json:"entry"`
}

// Clean reports whether nothing needs attention.
func (r ReconciliationReport) Clean() bool {
	return len(r.UnrecordedGrants) == 0 && len(r.OrphanDebits) == 0 && len(r.Incidents) == 0
}

// Reconciler builds reports. Journals holds one reader per backing store;
// passing the same reader twice is harmless.
type Reconciler struct {
	Journals  []JournalReader
	Grants    GrantStore
	Incidents IncidentStore
	Grace     time.Duration // zero means DefaultReconcileGrace, negative means none
	Clock     func() time.Time
}

// DefaultReconcileGrace covers the longest a healthy saga stays between debit and credit.
const DefaultReconcileGrace = time.Minute

// Report scans the journals of principal, or of everyone when principal is empty.
func (r *Reconciler) Report(ctx context.Context, principal Principal) (ReconciliationReport, error) {
	now := r.now()
	report := ReconciliationReport{
		GeneratedAt:      now,
		UnrecordedGrants: []UnrecordedGrant{},
		OrphanDebits:     []JournalEntry{},
		Incidents:        []Incident{},
	}

	entries, err := r.entries(ctx, principal)
	if err != nil {
		return report, err
	}

	records, err := r.Grants.ListGrants(ctx, principal)
	if err != nil {
		return report, &StorageError{Op: "list grants", Err: err}
	}
	recorded := make(map[string]bool, len(records))
	for _, rec := range records {
		recorded[rec.Key.String()] = true
	}

	type sagaSteps struct {
		debit    *JournalEntry
		credit   bool
		refunded bool
	}
	sagas := make(map[string]*sagaSteps)

	for i := range entries {
		e := entries[i]
		switch e.Type {
		case EntryGrant:
			if !recorded[e.Reference] {
				key, _ := ParseGrantKey(e.Reference)
				report.UnrecordedGrants = append(report.UnrecordedGrants, UnrecordedGrant{Key: key, Entry: e})
			}
		case EntryExchangeDebit, EntryExchangeCredit, EntryCompensation:
			if e.CorrelationID == "" {
				continue
			}
			s := sagas[e.CorrelationID]
			if s == nil {
				s = &sagaSteps{}
				sagas[e.CorrelationID] = s
			}
			switch e.Type {
			case EntryExchangeDebit:
				s.debit = &entries[i]
			case EntryExchangeCredit:
				s.credit = true
			case EntryCompensation:
				s.refunded = true
			}
		}
	}

	for _, s := range sagas {
		if s.debit == nil || s.credit || s.refunded {
			continue
		}
		if now.Sub(s.debit.CreatedAt) < r.grace() {
			continue
		}
		report.OrphanDebits = append(report.OrphanDebits, *s.debit)
	}
	sort.Slice(report.OrphanDebits, func(i, j int) bool {
		return report.OrphanDebits[i].CreatedAt.Before(report.OrphanDebits[j].CreatedAt)
	})

	if r.Incidents != nil {
		incs, err := r.Incidents.ListIncidents(ctx)
		if err != nil {
			return report, &StorageError{Op: "list incidents", Err: err}
		}
		for _, inc := range incs {
			if principal == "" || inc.Principal == principal {
				report.Incidents = append(report.Incidents, inc)
			}
		}
	}
	return report, nil
}

// entries merges every journal, deduplicated by entry id, oldest first.
func (r *Reconciler) entries(ctx context.Context, principal Principal) ([]JournalEntry, error) {
	seen := make(map[string]bool)
	var all []JournalEntry
	for _, j := range r.Journals {
		if j == nil {
			continue
		}
		es, err := j.Entries(ctx, JournalFilter{Principal: principal})
		if err != nil {
			return nil, &StorageError{Op: "read journal", Err: err}
		}
		for _, e := range es {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			all = append(all, e)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all, nil
}

func (r *Reconciler) grace() time.Duration {
	if r.Grace < 0 {
		return 0
	}
	if r.Grace == 0 {
		return DefaultReconcileGrace
	}
	return r.Grace
}

func (r *Reconciler) now() time.Time {
	if r.Clock == nil {
		return time.Now().UTC()
	}
	return r.Clock().UTC()
}
