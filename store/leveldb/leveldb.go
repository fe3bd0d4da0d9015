/*
Package leveldb provides a LevelDB-backed BalanceStore for the tokens ledger.

PURPOSE:
  The tokens ledger is persisted apart from the SQLite currency ledger, so
  an exchange really crosses two stores with no shared transaction.

KEY LAYOUT:
  balance/<kind>/<principal>             JSON BalanceDocument
  journal/<kind>/<principal>/<seq:%020d> JSON JournalEntry
  meta/journal_seq                       last journal sequence number

ATOMICITY:
  SaveBalance writes the document, the journal entry and the sequence
  counter in one leveldb.Batch. Either all three land or none do.

VERSION CHECK:
  Same contract as store/sqlite: the stored version must be doc.Version-1,
  checked under the store mutex immediately before the batch write.
*/
package leveldb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/warp/economy-engine/economy"
)

const (
	balancePrefix = "balance/"
	journalPrefix = "journal/"
	seqKey        = "meta/journal_seq"
)

// Store is a BalanceStore, JournalReader and JournalWriter over one LevelDB.
type Store struct {
	db  *leveldb.DB
	mu  sync.Mutex
	seq uint64
}

// Open opens (or creates) a LevelDB database at path.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	s := &Store{db: db}
	raw, err := db.Get([]byte(seqKey), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("load journal sequence: %w", err)
	default:
		s.seq = binary.BigEndian.Uint64(raw)
	}
	return s, nil
}

// Close releases the underlying LevelDB resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// =============================================================================
// BALANCE STORE
// =============================================================================

func balanceKey(kind economy.LedgerKind, principal economy.Principal) []byte {
	return []byte(balancePrefix + string(kind) + "/" + string(principal))
}

func journalKey(kind economy.LedgerKind, principal economy.Principal, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%020d", journalPrefix, kind, principal, seq))
}

func (s *Store) LoadBalance(_ context.Context, kind economy.LedgerKind, principal economy.Principal) (economy.BalanceDocument, error) {
	return s.load(kind, principal)
}

func (s *Store) load(kind economy.LedgerKind, principal economy.Principal) (economy.BalanceDocument, error) {
	raw, err := s.db.Get(balanceKey(kind, principal), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return economy.BalanceDocument{Kind: kind, Principal: principal}, nil
	}
	if err != nil {
		return economy.BalanceDocument{}, fmt.Errorf("load balance: %w", err)
	}
	var doc economy.BalanceDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return economy.BalanceDocument{}, fmt.Errorf("decode balance: %w", err)
	}
	return doc, nil
}

func (s *Store) SaveBalance(ctx context.Context, doc economy.BalanceDocument, entry economy.JournalEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(doc.Kind, doc.Principal)
	if err != nil {
		return err
	}
	if current.Version != doc.Version-1 {
		return economy.ErrConcurrentModification
	}

	rawDoc, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode balance: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(balanceKey(doc.Kind, doc.Principal), rawDoc)
	if err := s.putEntry(batch, entry); err != nil {
		return err
	}
	if err := s.db.Write(batch, nil); err != nil {
		s.seq--
		return fmt.Errorf("write balance: %w", err)
	}
	return nil
}

// =============================================================================
// JOURNAL
// =============================================================================

type journalRecord struct {
	Seq   uint64               `json:"seq"`
	Entry economy.JournalEntry `json:"entry"`
}

// putEntry stages entry and the bumped sequence in batch. Caller holds mu.
func (s *Store) putEntry(batch *leveldb.Batch, entry economy.JournalEntry) error {
	s.seq++
	raw, err := json.Marshal(journalRecord{Seq: s.seq, Entry: entry})
	if err != nil {
		s.seq--
		return fmt.Errorf("encode journal entry: %w", err)
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], s.seq)
	batch.Put(journalKey(entry.Kind, entry.Principal, s.seq), raw)
	batch.Put([]byte(seqKey), seq[:])
	return nil
}

func (s *Store) AppendEntry(ctx context.Context, entry economy.JournalEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	if err := s.putEntry(batch, entry); err != nil {
		return err
	}
	if err := s.db.Write(batch, nil); err != nil {
		s.seq--
		return fmt.Errorf("write journal entry: %w", err)
	}
	return nil
}

// Entries returns matching entries in commit order.
func (s *Store) Entries(ctx context.Context, f economy.JournalFilter) ([]economy.JournalEntry, error) {
	prefix := journalPrefix
	if f.Kind != "" {
		prefix += string(f.Kind) + "/"
		if f.Principal != "" {
			prefix += string(f.Principal) + "/"
		}
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var records []journalRecord
	for iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		var rec journalRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode journal entry %q: %w", iter.Key(), err)
		}
		if f.Matches(rec.Entry) {
			records = append(records, rec)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	entries := make([]economy.JournalEntry, len(records))
	for i, rec := range records {
		entries[i] = rec.Entry
	}
	return entries, nil
}

// Compile-time interface checks
var (
	_ economy.BalanceStore  = (*Store)(nil)
	_ economy.JournalReader = (*Store)(nil)
	_ economy.JournalWriter = (*Store)(nil)
)
