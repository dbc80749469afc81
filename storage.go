package retailsync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Storage contract
// ============================================================================

// Storage is the persistent local store: named collections of records keyed
// by id, plus the durable FIFO queue of pending mutations.
type Storage interface {
	Get(ctx context.Context, collection, id string) (Record, error)
	GetAll(ctx context.Context, collection string) ([]Record, error)
	Put(ctx context.Context, collection, id string, rec Record) error
	BulkPut(ctx context.Context, collection string, recs []Record) error
	// ReplaceAll refreshes a listing: records missing from recs are removed,
	// except those still flagged _pending, which are also never overwritten.
	ReplaceAll(ctx context.Context, collection string, recs []Record) error
	DeleteByID(ctx context.Context, collection, id string) error

	// Enqueue stores m, assigns m.ID and returns it.
	Enqueue(ctx context.Context, m *Mutation) (uint64, error)
	// Mutations returns every queued mutation ordered by Timestamp, then ID.
	Mutations(ctx context.Context) ([]*Mutation, error)
	// ClaimMutation atomically moves a mutation that is not syncing into
	// StatusSyncing. It returns false if another pass holds it or it is gone.
	ClaimMutation(ctx context.Context, id uint64) (bool, error)
	UpdateMutation(ctx context.Context, m *Mutation) error
	DeleteMutation(ctx context.Context, id uint64) error

	Close() error
}

// planReplace computes the writes of a listing refresh.
func planReplace(existing, incoming []Record) (puts []Record, deletes []string) {
	pending := make(map[string]bool, len(existing))
	for _, r := range existing {
		if r.Pending() {
			pending[r.ID()] = true
		}
	}
	keep := make(map[string]bool, len(incoming))
	for _, r := range incoming {
		id := r.ID()
		if id == "" {
			continue
		}
		keep[id] = true
		if !pending[id] {
			puts = append(puts, r)
		}
	}
	for _, r := range existing {
		id := r.ID()
		if !pending[id] && !keep[id] {
			deletes = append(deletes, id)
		}
	}
	return puts, deletes
}

func sortMutations(ms []*Mutation) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Timestamp != ms[j].Timestamp {
			return ms[i].Timestamp < ms[j].Timestamp
		}
		return ms[i].ID < ms[j].ID
	})
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Storage. Nothing survives the
// process; use it for tests and ephemeral sessions.
type MemoryStorage struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record
	outbox      map[uint64]*Mutation
	seq         uint64
	closed      bool
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		collections: make(map[string]map[string]Record),
		outbox:      make(map[uint64]*Mutation),
	}
}

var _ Storage = (*MemoryStorage)(nil)

// ── Records ──────────────────────────────────────────────

func (s *MemoryStorage) Get(_ context.Context, collection, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	rec, ok := s.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStorage) GetAll(_ context.Context, collection string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	coll := s.collections[collection]
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, coll[id].Clone())
	}
	return out, nil
}

func (s *MemoryStorage) Put(_ context.Context, collection, id string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}
	s.putLocked(collection, id, rec)
	return nil
}

func (s *MemoryStorage) BulkPut(_ context.Context, collection string, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}
	for _, r := range recs {
		if id := r.ID(); id != "" {
			s.putLocked(collection, id, r)
		}
	}
	return nil
}

func (s *MemoryStorage) ReplaceAll(_ context.Context, collection string, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}
	existing := make([]Record, 0, len(s.collections[collection]))
	for _, r := range s.collections[collection] {
		existing = append(existing, r)
	}
	puts, deletes := planReplace(existing, recs)
	for _, id := range deletes {
		delete(s.collections[collection], id)
	}
	for _, r := range puts {
		s.putLocked(collection, r.ID(), r)
	}
	return nil
}

func (s *MemoryStorage) DeleteByID(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}
	delete(s.collections[collection], id)
	return nil
}

func (s *MemoryStorage) putLocked(collection, id string, rec Record) {
	coll := s.collections[collection]
	if coll == nil {
		coll = make(map[string]Record)
		s.collections[collection] = coll
	}
	coll[id] = rec.Clone()
}

// ── Outbox ───────────────────────────────────────────────

func (s *MemoryStorage) Enqueue(_ context.Context, m *Mutation) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStorageClosed
	}
	s.seq++
	m.ID = s.seq
	s.outbox[m.ID] = m.clone()
	return m.ID, nil
}

func (s *MemoryStorage) Mutations(_ context.Context) ([]*Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	out := make([]*Mutation, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, m.clone())
	}
	sortMutations(out)
	return out, nil
}

func (s *MemoryStorage) ClaimMutation(_ context.Context, id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStorageClosed
	}
	m, ok := s.outbox[id]
	if !ok || m.Status == StatusSyncing {
		return false, nil
	}
	m.Status = StatusSyncing
	m.ClaimedAt = time.Now().UnixMilli()
	return true, nil
}

func (s *MemoryStorage) UpdateMutation(_ context.Context, m *Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}
	if _, ok := s.outbox[m.ID]; !ok {
		return ErrNotFound
	}
	s.outbox[m.ID] = m.clone()
	return nil
}

func (s *MemoryStorage) DeleteMutation(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}
	delete(s.outbox, id)
	return nil
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
