package economy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// JACKPOT ACCUMULATOR - Single-document pool counter
// =============================================================================

// JackpotAccumulator grows a pool on loss events and resets it on a win.
// One ledger, so no saga, but the same read-modify-write hazard as a balance:
// both operations run under the jackpot's lock key.
type JackpotAccumulator struct {
	Store      JackpotStore
	Locker     Locker
	BaseAmount int64
	Logger     *zap.Logger
	Observer   Observer
	Timeout    time.Duration
	Clock      func() time.Time
}

// DefaultJackpotID names the pool used when callers do not pick one.
const DefaultJackpotID = "default"

// Get returns the current pool. A pool never written reads as the base amount.
func (j *JackpotAccumulator) Get(ctx context.Context, id string) (JackpotState, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout())
	defer cancel()
	return j.load(ctx, id)
}

// Increase adds a positive amount and returns the new total.
func (j *JackpotAccumulator) Increase(ctx context.Context, id string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: jackpot increase must be positive, got %d", ErrInvalidAmount, amount)
	}
	st, err := j.update(ctx, id, func(st *JackpotState) error {
		if st.Pool > math.MaxInt64-amount {
			return fmt.Errorf("%w: jackpot overflow", ErrInvalidAmount)
		}
		st.Pool += amount
		return nil
	})
	if err != nil {
		return 0, err
	}
	return st.Pool, nil
}

// Reset pays out the pool to winner and restarts it at the base amount.
func (j *JackpotAccumulator) Reset(ctx context.Context, id string, winner Principal) (JackpotReset, error) {
	if err := winner.Validate(); err != nil {
		return JackpotReset{}, err
	}
	var out JackpotReset
	st, err := j.update(ctx, id, func(st *JackpotState) error {
		won := j.now()
		out.OldTotal = st.Pool
		st.Pool = j.BaseAmount
		st.LastWinner = winner
		st.LastWinDate = &won
		st.TotalWins++
		return nil
	})
	if err != nil {
		return JackpotReset{}, err
	}
	out.NewTotal = st.Pool
	out.State = st
	j.logger().Info("jackpot won",
		zap.String("jackpot", id),
		zap.String("winner", string(winner)),
		zap.Int64("payout", out.OldTotal))
	return out, nil
}

func (j *JackpotAccumulator) update(ctx context.Context, id string, mutate func(*JackpotState) error) (JackpotState, error) {
	if id == "" {
		id = DefaultJackpotID
	}
	ctx, cancel := context.WithTimeout(ctx, j.timeout())
	defer cancel()

	unlock, err := j.Locker.Lock(ctx, JackpotLockKey(id))
	if err != nil {
		return JackpotState{}, &StorageError{Op: "lock jackpot", Err: err}
	}
	defer unlock()

	st, err := j.load(ctx, id)
	if err != nil {
		return JackpotState{}, err
	}
	if err := mutate(&st); err != nil {
		return JackpotState{}, err
	}
	st.Version++
	st.UpdatedAt = j.now()
	if err := j.Store.SaveJackpot(ctx, st); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return JackpotState{}, err
		}
		return JackpotState{}, &StorageError{Op: "save jackpot", Err: err}
	}
	j.observer().JackpotPool(id, st.Pool)
	return st, nil
}

func (j *JackpotAccumulator) load(ctx context.Context, id string) (JackpotState, error) {
	if id == "" {
		id = DefaultJackpotID
	}
	st, err := j.Store.LoadJackpot(ctx, id)
	if errors.Is(err, ErrJackpotNotFound) {
		return JackpotState{ID: id, Pool: j.BaseAmount}, nil
	}
	if err != nil {
		return JackpotState{}, &StorageError{Op: "load jackpot", Err: err}
	}
	return st, nil
}

func (j *JackpotAccumulator) timeout() time.Duration {
	if j.Timeout <= 0 {
		return DefaultOpTimeout
	}
	return j.Timeout
}

func (j *JackpotAccumulator) now() time.Time {
	if j.Clock == nil {
		return time.Now().UTC()
	}
	return j.Clock().UTC()
}

func (j *JackpotAccumulator) logger() *zap.Logger {
	if j.Logger == nil {
		return zap.NewNop()
	}
	return j.Logger
}

func (j *JackpotAccumulator) observer() Observer { return observerOrNop(j.Observer) }
