package economy

import (
	"context"
	"sync"
)

// =============================================================================
// LOCKER - Per-key serialization of read-modify-write operations
// =============================================================================

// Locker serializes work per key. Every mutation of the same
// (ledger kind, principal) runs under the same key, so two concurrent deltas
// can never both read the old balance.
//
// Lock blocks until the key is free or ctx is done. The returned unlock func
// is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LedgerLockKey is the key of one (kind, principal) balance.
func LedgerLockKey(kind LedgerKind, principal Principal) string {
	return "ledger/" + string(kind) + "/" + string(principal)
}

// GrantLockKey is the key of one grant. Holding it across check, apply and
// record makes concurrent claims of the same grant run one after another.
func GrantLockKey(key GrantKey) string {
	return "grant/" + key.String()
}

// JackpotLockKey is the key of one jackpot pool.
func JackpotLockKey(id string) string {
	return "jackpot/" + id
}

// KeyedMutex is an in-process Locker. Waiting respects context cancellation
// and idle keys are dropped, so the map only holds keys in use.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*keyLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			m.release(key, l)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
