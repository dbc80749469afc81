package retailsync

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	prefixRecord   = byte(0x01) // record:collection\x00id -> JSON Record
	prefixMutation = byte(0x02) // mutation:seq(8 bytes BE) -> JSON Mutation
)

var mutationSeqKey = []byte{0x03, 'm', 'u', 't', 's', 'e', 'q'}

// claimRetries bounds how often ClaimMutation retries a txn conflict.
const claimRetries = 3

// BadgerOptions configures BadgerStorage.
type BadgerOptions struct {
	DataDir  string
	InMemory bool
	// SyncWrites fsyncs every write; slower but nothing queued is lost on
	// power failure.
	SyncWrites bool
	Logger     badger.Logger
}

// BadgerStorage is the durable Storage backed by BadgerDB.
type BadgerStorage struct {
	db     *badger.DB
	seq    *badger.Sequence
	mu     sync.RWMutex
	closed bool
}

var _ Storage = (*BadgerStorage)(nil)

// NewBadgerStorage opens (or creates) a Badger store in dataDir.
func NewBadgerStorage(dataDir string) (*BadgerStorage, error) {
	return NewBadgerStorageWithOptions(BadgerOptions{DataDir: dataDir, SyncWrites: true})
}

// NewBadgerStorageInMemory opens a Badger store that lives in RAM only.
func NewBadgerStorageInMemory() (*BadgerStorage, error) {
	return NewBadgerStorageWithOptions(BadgerOptions{InMemory: true})
}

func NewBadgerStorageWithOptions(opts BadgerOptions) (*BadgerStorage, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	// Badger is chatty; stay quiet unless a logger is supplied.
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	// A POS cache is small; keep the footprint low.
	badgerOpts = badgerOpts.
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(32 << 20).
		WithNumMemtables(1).
		WithNumLevelZeroTables(1).
		WithNumLevelZeroTablesStall(2).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	seq, err := db.GetSequence(mutationSeqKey, 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open mutation sequence: %w", err)
	}
	return &BadgerStorage{db: db, seq: seq}, nil
}

func recordKey(collection, id string) []byte {
	k := make([]byte, 0, 2+len(collection)+len(id))
	k = append(k, prefixRecord)
	k = append(k, collection...)
	k = append(k, 0x00)
	return append(k, id...)
}

func collectionPrefix(collection string) []byte {
	k := make([]byte, 0, 2+len(collection))
	k = append(k, prefixRecord)
	k = append(k, collection...)
	return append(k, 0x00)
}

func mutationKey(id uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefixMutation
	binary.BigEndian.PutUint64(k[1:], id)
	return k
}

func (b *BadgerStorage) ensureOpen() error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrStorageClosed
	}
	return nil
}

func (b *BadgerStorage) withView(fn func(txn *badger.Txn) error) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.db.View(fn)
}

func (b *BadgerStorage) withUpdate(fn func(txn *badger.Txn) error) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.db.Update(fn)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	return txn.Set(key, data)
}

// scanRecords decodes every record under prefix.
func scanRecords(txn *badger.Txn, prefix []byte) ([]Record, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []Record
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var rec Record
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return nil, fmt.Errorf("failed to decode record %q: %w", it.Item().Key(), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ── Records ──────────────────────────────────────────────

func (b *BadgerStorage) Get(_ context.Context, collection, id string) (Record, error) {
	var rec Record
	err := b.withView(func(txn *badger.Txn) error {
		return getJSON(txn, recordKey(collection, id), &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *BadgerStorage) GetAll(_ context.Context, collection string) ([]Record, error) {
	var out []Record
	err := b.withView(func(txn *badger.Txn) error {
		recs, err := scanRecords(txn, collectionPrefix(collection))
		out = recs
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

func (b *BadgerStorage) Put(_ context.Context, collection, id string, rec Record) error {
	return b.withUpdate(func(txn *badger.Txn) error {
		return setJSON(txn, recordKey(collection, id), rec)
	})
}

func (b *BadgerStorage) BulkPut(_ context.Context, collection string, recs []Record) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range recs {
		id := r.ID()
		if id == "" {
			continue
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", id, err)
		}
		if err := wb.Set(recordKey(collection, id), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *BadgerStorage) ReplaceAll(_ context.Context, collection string, recs []Record) error {
	return b.withUpdate(func(txn *badger.Txn) error {
		existing, err := scanRecords(txn, collectionPrefix(collection))
		if err != nil {
			return err
		}
		puts, deletes := planReplace(existing, recs)
		for _, id := range deletes {
			if err := txn.Delete(recordKey(collection, id)); err != nil {
				return err
			}
		}
		for _, r := range puts {
			if err := setJSON(txn, recordKey(collection, r.ID()), r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStorage) DeleteByID(_ context.Context, collection, id string) error {
	return b.withUpdate(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(collection, id))
	})
}

// ── Outbox ───────────────────────────────────────────────

func (b *BadgerStorage) Enqueue(_ context.Context, m *Mutation) (uint64, error) {
	if err := b.ensureOpen(); err != nil {
		return 0, err
	}
	next, err := b.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate mutation id: %w", err)
	}
	// Sequences start at zero; keep zero meaning "unassigned".
	m.ID = next + 1
	if err := b.withUpdate(func(txn *badger.Txn) error {
		return setJSON(txn, mutationKey(m.ID), m)
	}); err != nil {
		m.ID = 0
		return 0, err
	}
	return next + 1, nil
}

func (b *BadgerStorage) Mutations(_ context.Context) ([]*Mutation, error) {
	var out []*Mutation
	err := b.withView(func(txn *badger.Txn) error {
		prefix := []byte{prefixMutation}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m Mutation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return fmt.Errorf("failed to decode mutation: %w", err)
			}
			out = append(out, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortMutations(out)
	return out, nil
}

func (b *BadgerStorage) ClaimMutation(_ context.Context, id uint64) (bool, error) {
	var claimed bool
	var err error
	for attempt := 0; attempt < claimRetries; attempt++ {
		claimed = false
		err = b.withUpdate(func(txn *badger.Txn) error {
			var m Mutation
			if err := getJSON(txn, mutationKey(id), &m); err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil
				}
				return err
			}
			if m.Status == StatusSyncing {
				return nil
			}
			m.Status = StatusSyncing
			m.ClaimedAt = time.Now().UnixMilli()
			claimed = true
			return setJSON(txn, mutationKey(id), &m)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (b *BadgerStorage) UpdateMutation(_ context.Context, m *Mutation) error {
	return b.withUpdate(func(txn *badger.Txn) error {
		if _, err := txn.Get(mutationKey(m.ID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return setJSON(txn, mutationKey(m.ID), m)
	})
}

func (b *BadgerStorage) DeleteMutation(_ context.Context, id uint64) error {
	return b.withUpdate(func(txn *badger.Txn) error {
		return txn.Delete(mutationKey(id))
	})
}

// Close releases the sequence lease and closes the database.
func (b *BadgerStorage) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	if err := b.seq.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release sequence: %w", err))
	}
	if err := b.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close badger: %w", err))
	}
	return errors.Join(errs...)
}
