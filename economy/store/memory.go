// Package store provides in-memory implementations of the economy store interfaces.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/economy-engine/economy"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Op names a store call for fault injection.
type Op string

const (
	OpLoadBalance    Op = "load_balance"
	OpSaveBalance    Op = "save_balance"
	OpAppendEntry    Op = "append_entry"
	OpEntries        Op = "entries"
	OpHasGrant       Op = "has_grant"
	OpPutGrant       Op = "put_grant"
	OpListGrants     Op = "list_grants"
	OpLoadJackpot    Op = "load_jackpot"
	OpSaveJackpot    Op = "save_jackpot"
	OpRecordIncident Op = "record_incident"
)

// Memory implements every economy store interface behind one RWMutex.
type Memory struct {
	mu        sync.RWMutex
	balances  map[key]economy.BalanceDocument
	journal   []economy.JournalEntry
	grants    map[string]economy.GrantRecord
	jackpots  map[string]economy.JackpotState
	incidents []economy.Incident
	faults    map[Op]error
}

type key struct {
	Kind      economy.LedgerKind
	Principal economy.Principal
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[key]economy.BalanceDocument),
		grants:   make(map[string]economy.GrantRecord),
		jackpots: make(map[string]economy.JackpotState),
		faults:   make(map[Op]error),
	}
}

// InjectFault makes every later call of op fail with err. A nil err clears it.
func (m *Memory) InjectFault(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = err
}

func (m *Memory) fault(op Op) error { return m.faults[op] }

// =============================================================================
// BALANCES AND JOURNAL
// =============================================================================

func (m *Memory) LoadBalance(_ context.Context, kind economy.LedgerKind, principal economy.Principal) (economy.BalanceDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fault(OpLoadBalance); err != nil {
		return economy.BalanceDocument{}, err
	}
	doc, ok := m.balances[key{Kind: kind, Principal: principal}]
	if !ok {
		return economy.BalanceDocument{Kind: kind, Principal: principal}, nil
	}
	return doc, nil
}

// SaveBalance writes the document and its entry together, or neither.
func (m *Memory) SaveBalance(_ context.Context, doc economy.BalanceDocument, entry economy.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(OpSaveBalance); err != nil {
		return err
	}
	k := key{Kind: doc.Kind, Principal: doc.Principal}
	if m.balances[k].Version != doc.Version-1 {
		return economy.ErrConcurrentModification
	}
	m.balances[k] = doc
	m.appendLocked(entry)
	return nil
}

func (m *Memory) AppendEntry(_ context.Context, entry economy.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(OpAppendEntry); err != nil {
		return err
	}
	m.appendLocked(entry)
	return nil
}

func (m *Memory) appendLocked(entry economy.JournalEntry) {
	// Binary search keeps the journal ordered by CreatedAt.
	i := sort.Search(len(m.journal), func(i int) bool {
		return m.journal[i].CreatedAt.After(entry.CreatedAt)
	})
	m.journal = append(m.journal, economy.JournalEntry{})
	copy(m.journal[i+1:], m.journal[i:])
	m.journal[i] = entry
}

func (m *Memory) Entries(_ context.Context, filter economy.JournalFilter) ([]economy.JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fault(OpEntries); err != nil {
		return nil, err
	}
	var result []economy.JournalEntry
	for _, e := range m.journal {
		if filter.Matches(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

// =============================================================================
// GRANTS
// =============================================================================

func (m *Memory) HasGrant(_ context.Context, k economy.GrantKey) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fault(OpHasGrant); err != nil {
		return false, err
	}
	_, ok := m.grants[k.String()]
	return ok, nil
}

func (m *Memory) PutGrant(_ context.Context, rec economy.GrantRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(OpPutGrant); err != nil {
		return err
	}
	id := rec.Key.String()
	if _, ok := m.grants[id]; ok {
		return economy.ErrDuplicateGrant
	}
	m.grants[id] = rec
	return nil
}

func (m *Memory) ListGrants(_ context.Context, principal economy.Principal) ([]economy.GrantRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fault(OpListGrants); err != nil {
		return nil, err
	}
	var result []economy.GrantRecord
	for _, rec := range m.grants {
		if principal == "" || rec.Key.Principal == principal {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].GrantedAt.Equal(result[j].GrantedAt) {
			return result[i].GrantedAt.Before(result[j].GrantedAt)
		}
		return result[i].Key.String() < result[j].Key.String()
	})
	return result, nil
}

// =============================================================================
// JACKPOTS AND INCIDENTS
// =============================================================================

func (m *Memory) LoadJackpot(_ context.Context, id string) (economy.JackpotState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fault(OpLoadJackpot); err != nil {
		return economy.JackpotState{}, err
	}
	st, ok := m.jackpots[id]
	if !ok {
		return economy.JackpotState{}, economy.ErrJackpotNotFound
	}
	return st, nil
}

func (m *Memory) SaveJackpot(_ context.Context, st economy.JackpotState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(OpSaveJackpot); err != nil {
		return err
	}
	if m.jackpots[st.ID].Version != st.Version-1 {
		return economy.ErrConcurrentModification
	}
	m.jackpots[st.ID] = st
	return nil
}

func (m *Memory) RecordIncident(_ context.Context, inc economy.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(OpRecordIncident); err != nil {
		return err
	}
	m.incidents = append(m.incidents, inc)
	return nil
}

func (m *Memory) ListIncidents(_ context.Context) ([]economy.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]economy.Incident, len(m.incidents))
	copy(result, m.incidents)
	return result, nil
}

// Compile-time interface checks
var (
	_ economy.BalanceStore  = (*Memory)(nil)
	_ economy.JournalReader = (*Memory)(nil)
	_ economy.JournalWriter = (*Memory)(nil)
	_ economy.GrantStore    = (*Memory)(nil)
	_ economy.JackpotStore  = (*Memory)(nil)
	_ economy.IncidentStore = (*Memory)(nil)
)
