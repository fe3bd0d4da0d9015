/*
distributor.go - Idempotent reward grants

PURPOSE:
  Pays one typed reward into the matching ledger and records the grant so it
  is never paid twice.

STATE MACHINE:
  Checking -> Applying -> Recording -> Done
     |           |
     |           +--> Failed            (nothing recorded, retry is safe)
     +--> RejectedDuplicate             (no side effects)

ORDER: CHECK, APPLY, RECORD
  Recording only after the ledger write succeeded means "recorded without
  payment" cannot happen, and the grant-key lock means "paid twice" cannot
  happen. The one remaining window is "paid without record", when Recording
  fails after Applying. That case returns the reward to the caller, is
  logged, and shows up in the reconciliation report.

SEE ALSO:
  - idempotency.go: The grant record set
  - reconcile.go: Finds payments without records
  - rewards/: Reward catalogs
*/
package economy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultClaimTimeout bounds one claim. Recording runs under its own timeout
// of the same length, so a grant lock is held for at most MaxGrantLockHold.
const DefaultClaimTimeout = 2 * DefaultOpTimeout

// MaxGrantLockHold is the longest a distributor with the default timeout
// holds a grant lock. A lock that expires sooner lets a second claim of the
// same grant pay again.
const MaxGrantLockHold = 2 * DefaultClaimTimeout

// RewardCatalog resolves the reward of a grant. It returns ErrUnknownGrant
// for keys it does not know and ErrGrantLocked for grants not yet claimable.
type RewardCatalog interface {
	Reward(ctx context.Context, key GrantKey) (Reward, error)
}

// ClaimState names the distributor states.
type ClaimState string

const (
	ClaimChecking          ClaimState = "checking"
	ClaimApplying          ClaimState = "applying"
	ClaimRecording         ClaimState = "recording"
	ClaimDone              ClaimState = "done"
	ClaimRejectedDuplicate ClaimState = "rejected_duplicate"
	ClaimFailed            ClaimState = "failed"
)

// ClaimError reports a claim that ended in Failed.
type ClaimError struct {
	Key   GrantKey
	State ClaimState // state the failure happened in
	Cause error
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("claim %s failed while %s: %v", e.Key, e.State, e.Cause)
}

func (e *ClaimError) Unwrap() []error { return []error{ErrFailed, e.Cause} }

// RewardDistributor applies rewards and records grants as one logical unit.
type RewardDistributor struct {
	Catalog  RewardCatalog
	Ledgers  Ledgers
	Tracker  *IdempotencyTracker
	Locker   Locker
	Logger   *zap.Logger
	Observer Observer
	Timeout  time.Duration
}

// Claim pays the reward of (principal, kind, id) at most once.
func (d *RewardDistributor) Claim(ctx context.Context, principal Principal, kind GrantKind, id string) (Reward, error) {
	if err := principal.Validate(); err != nil {
		return Reward{}, err
	}
	key := GrantKey{Principal: principal, Kind: kind, ID: id}
	if kind == "" || id == "" {
		return Reward{}, fmt.Errorf("%w: %s", ErrUnknownGrant, key)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	unlock, err := d.Locker.Lock(ctx, GrantLockKey(key))
	if err != nil {
		return Reward{}, d.fail(key, ClaimChecking, &StorageError{Op: "lock grant", Err: err})
	}
	defer unlock()

	// Checking. A paid grant is a duplicate even once the catalog no longer
	// offers it.
	granted, err := d.Tracker.IsGranted(ctx, key)
	if err != nil {
		return Reward{}, d.fail(key, ClaimChecking, err)
	}
	if granted {
		d.observer().GrantClaimed(kind, OutcomeDuplicate)
		return Reward{}, fmt.Errorf("%w: %s", ErrRejectedDuplicate, key)
	}

	reward, err := d.Catalog.Reward(ctx, key)
	if err != nil {
		d.observer().GrantClaimed(kind, OutcomeInvalid)
		return Reward{}, err
	}
	if err := reward.Validate(); err != nil {
		return Reward{}, fmt.Errorf("catalog reward for %s: %w", key, err)
	}
	ledger, err := d.Ledgers.For(reward.Kind)
	if err != nil {
		return Reward{}, err
	}

	// Applying
	if _, err := ledger.Post(ctx, Posting{
		Principal: principal,
		Amount:    reward.Amount,
		Type:      EntryGrant,
		Reference: key.String(),
	}); err != nil {
		return Reward{}, d.fail(key, ClaimApplying, err)
	}

	// Recording. The reward is paid; the caller going away must not stop the record.
	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), d.timeout())
	defer cancelRecord()
	if err := d.Tracker.MarkGranted(recordCtx, key, reward); err != nil {
		d.logger().Error("reward paid without grant record",
			zap.String("grant", key.String()),
			zap.String("ledger", string(reward.Kind)),
			zap.Int64("amount", reward.Amount),
			zap.Error(err))
		d.observer().GrantClaimed(kind, OutcomePaymentWithoutRecord)
		return reward, nil
	}

	d.logger().Info("reward granted",
		zap.String("grant", key.String()),
		zap.String("ledger", string(reward.Kind)),
		zap.Int64("amount", reward.Amount))
	d.observer().GrantClaimed(kind, OutcomeOK)
	return reward, nil
}

func (d *RewardDistributor) fail(key GrantKey, state ClaimState, cause error) error {
	d.logger().Warn("reward claim failed",
		zap.String("grant", key.String()),
		zap.String("state", string(state)),
		zap.Error(cause))
	d.observer().GrantClaimed(key.Kind, OutcomeFailed)
	return &ClaimError{Key: key, State: state, Cause: cause}
}

func (d *RewardDistributor) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultClaimTimeout
	}
	return d.Timeout
}

func (d *RewardDistributor) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *RewardDistributor) observer() Observer { return observerOrNop(d.Observer) }
