/*
store.go - Persistence interfaces for ledgers, grants, jackpots and incidents

PURPOSE:
  Defines the boundary between the engine and its storage. The engine only
  needs read-whole / write-whole document semantics; serialization is the
  engine's job (see keylock.go), not the store's.

KEY INTERFACES:
  BalanceStore:  Balance documents plus their journal entries
  JournalReader: Query the append-only journal (reconciliation)
  GrantStore:    Idempotency records, write-once
  JackpotStore:  Jackpot pool documents
  IncidentStore: Uncompensated sagas awaiting an operator

DOCUMENT CONTRACT:
  SaveBalance replaces the whole document and appends one journal entry in
  a single atomic write. It fails with ErrConcurrentModification when the
  stored version is not doc.Version-1, so a writer that skipped the Locker
  can never silently overwrite a newer value.

IMPLEMENTATIONS:
  - economy/store/memory.go: In-memory, for tests and development
  - store/sqlite/sqlite.go:  Currency ledger, grants, jackpots, incidents
  - store/leveldb/leveldb.go: Tokens ledger
*/
package economy

import "context"

// BalanceStore persists balance documents.
type BalanceStore interface {
	// LoadBalance returns the stored document, or a zero document with
	// Version 0 for an unknown principal.
	LoadBalance(ctx context.Context, kind LedgerKind, principal Principal) (BalanceDocument, error)

	// SaveBalance writes doc and appends entry atomically.
	SaveBalance(ctx context.Context, doc BalanceDocument, entry JournalEntry) error
}

// JournalReader queries journal entries, oldest first.
type JournalReader interface {
	Entries(ctx context.Context, filter JournalFilter) ([]JournalEntry, error)
}

// JournalWriter appends a journal entry without touching a balance document.
// Used for ledgers whose balance is held elsewhere (orbs).
type JournalWriter interface {
	AppendEntry(ctx context.Context, entry JournalEntry) error
}

// GrantStore persists GrantRecords. Records are never updated or removed.
type GrantStore interface {
	HasGrant(ctx context.Context, key GrantKey) (bool, error)

	// PutGrant returns ErrDuplicateGrant when the key exists.
	PutGrant(ctx context.Context, rec GrantRecord) error

	// ListGrants returns every record of a principal; an empty principal lists all.
	ListGrants(ctx context.Context, principal Principal) ([]GrantRecord, error)
}

// JackpotStore persists jackpot documents with the same version contract as
// BalanceStore.
type JackpotStore interface {
	// LoadJackpot returns ErrJackpotNotFound for an id never saved.
	LoadJackpot(ctx context.Context, id string) (JackpotState, error)
	SaveJackpot(ctx context.Context, state JackpotState) error
}

// IncidentStore records sagas that could not be compensated.
type IncidentStore interface {
	RecordIncident(ctx context.Context, inc Incident) error
	ListIncidents(ctx context.Context) ([]Incident, error)
}
