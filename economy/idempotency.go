package economy

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// IDEMPOTENCY TRACKER - "Already granted" set per principal
// =============================================================================

// IdempotencyTracker answers whether a grant was paid and records that it was.
//
// ORDERING CONTRACT (enforced by callers, see RewardDistributor):
//  1. IsGranted before applying a reward
//  2. MarkGranted only after the ledger write succeeded
type IdempotencyTracker struct {
	Store GrantStore
	Clock func() time.Time
}

func NewIdempotencyTracker(store GrantStore) *IdempotencyTracker {
	return &IdempotencyTracker{Store: store, Clock: time.Now}
}

func (t *IdempotencyTracker) IsGranted(ctx context.Context, key GrantKey) (bool, error) {
	ok, err := t.Store.HasGrant(ctx, key)
	if err != nil {
		return false, &StorageError{Op: "check grant", Err: err}
	}
	return ok, nil
}

// MarkGranted records the grant. Marking an existing key is a no-op: it
// neither errors nor writes a second record.
func (t *IdempotencyTracker) MarkGranted(ctx context.Context, key GrantKey, reward Reward) error {
	rec := GrantRecord{Key: key, Reward: reward, GrantedAt: t.now()}
	err := t.Store.PutGrant(ctx, rec)
	if err == nil || errors.Is(err, ErrDuplicateGrant) {
		return nil
	}
	return &StorageError{Op: "record grant", Err: err}
}

// Grants lists the recorded grants of a principal.
func (t *IdempotencyTracker) Grants(ctx context.Context, principal Principal) ([]GrantRecord, error) {
	recs, err := t.Store.ListGrants(ctx, principal)
	if err != nil {
		return nil, &StorageError{Op: "list grants", Err: err}
	}
	return recs, nil
}

func (t *IdempotencyTracker) now() time.Time {
	if t.Clock == nil {
		return time.Now().UTC()
	}
	return t.Clock().UTC()
}
