package retailsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Events
// ============================================================================

const (
	EventMutationQueued = "mutation.queued"
	EventMutationSynced = "mutation.synced"
	EventMutationFailed = "mutation.failed"
	EventSyncStart      = "sync.start"
	EventSyncComplete   = "sync.complete"
	EventCacheFallback  = "cache.fallback"
)

// ============================================================================
// Offline Manager
// ============================================================================

// Executor performs a single request against the remote API. *Client is the
// production implementation.
type Executor interface {
	Execute(ctx context.Context, r *Request) (json.RawMessage, error)
}

// OfflineManager is the offline-first front door: cache-aware reads,
// optimistic queued writes and queue replay.
type OfflineManager struct {
	emitter
	storage Storage
	client  Executor
	conn    Connectivity

	routes     RoutingTable
	singletons map[string]bool
	storeID    func() string
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time

	// cacheMu serializes read-modify-write updates of cached records.
	cacheMu sync.Mutex

	clockMu     sync.Mutex
	clockSeeded bool
	lastTS      int64

	background sync.WaitGroup
}

type OfflineOption func(*OfflineManager)

// WithRoutes replaces the routing table.
func WithRoutes(routes RoutingTable) OfflineOption {
	return func(o *OfflineManager) { o.routes = routes }
}

// WithSingletons sets the collections that hold one document per store
// instead of a listing.
func WithSingletons(collections ...string) OfflineOption {
	return func(o *OfflineManager) {
		o.singletons = make(map[string]bool, len(collections))
		for _, c := range collections {
			o.singletons[c] = true
		}
	}
}

// WithStoreID sets the source of the active store (tenant) id used to key
// singleton collections.
func WithStoreID(fn func() string) OfflineOption {
	return func(o *OfflineManager) { o.storeID = fn }
}

func WithLogger(l *slog.Logger) OfflineOption {
	return func(o *OfflineManager) { o.logger = l }
}

func WithMetrics(m *Metrics) OfflineOption {
	return func(o *OfflineManager) { o.metrics = m }
}

// WithClock overrides the time source for timestamps and temporary ids.
func WithClock(now func() time.Time) OfflineOption {
	return func(o *OfflineManager) { o.now = now }
}

// NewOfflineManager wires storage, the request executor and the connectivity
// oracle. A nil conn means always online.
func NewOfflineManager(storage Storage, client Executor, conn Connectivity, opts ...OfflineOption) *OfflineManager {
	if conn == nil {
		conn = alwaysOnline{}
	}
	o := &OfflineManager{
		storage: storage,
		client:  client,
		conn:    conn,
		routes:  DefaultRoutes,
		singletons: map[string]bool{
			SettingsCollection: true,
			"dashboard":        true,
		},
		storeID: func() string { return "" },
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// IsOnline reports the connectivity oracle's current view.
func (o *OfflineManager) IsOnline() bool {
	return o.conn.IsOnline()
}

// Storage returns the underlying local store.
func (o *OfflineManager) Storage() Storage {
	return o.storage
}

// Wait blocks until background cache write-backs have finished.
func (o *OfflineManager) Wait() {
	o.background.Wait()
}

// Close waits for background work, drops event handlers and closes storage.
func (o *OfflineManager) Close() error {
	o.Wait()
	o.removeAll()
	return o.storage.Close()
}

// SyncOnReconnect runs a replay pass each time the connectivity oracle
// reports a return to online. done, if set, receives each pass's outcome.
// The returned func stops listening.
func (o *OfflineManager) SyncOnReconnect(ctx context.Context, done func(SyncResult, error)) func() {
	return o.conn.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			res, err := o.SyncOfflineMutations(ctx)
			if err != nil {
				o.logger.Warn("sync after reconnect failed", "error", err)
			}
			if done != nil {
				done(res, err)
			}
		}()
	})
}

// ── Routing ──────────────────────────────────────────────

func (o *OfflineManager) resolve(path, override string) route {
	r := o.routes.match(path)
	if override != "" {
		// The caller vouches that the payload belongs to the collection.
		r.collection = override
		r.nested = false
	}
	return r
}

func (o *OfflineManager) isSingleton(collection string) bool {
	return o.singletons[collection]
}

// storeKey is the key of the active store's singleton documents.
func (o *OfflineManager) storeKey() string {
	if id := o.storeID(); id != "" {
		return id
	}
	return DefaultSettingsKey
}

// ── Clock ────────────────────────────────────────────────

// nextTimestamp returns a strictly increasing millisecond timestamp, seeded
// past anything already queued so replay order survives restarts and clock
// steps.
func (o *OfflineManager) nextTimestamp(ctx context.Context) int64 {
	o.clockMu.Lock()
	defer o.clockMu.Unlock()

	if !o.clockSeeded {
		o.clockSeeded = true
		if ms, err := o.storage.Mutations(ctx); err == nil {
			for _, m := range ms {
				if m.Timestamp > o.lastTS {
					o.lastTS = m.Timestamp
				}
			}
		}
	}

	ts := o.now().UnixMilli()
	if ts <= o.lastTS {
		ts = o.lastTS + 1
	}
	o.lastTS = ts
	return ts
}

// newTempID returns an id of the form offline-<timestamp>-<random>. The
// timestamp comes from nextTimestamp, so ids never repeat within a process.
func (o *OfflineManager) newTempID(ctx context.Context) string {
	rnd := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("offline-%d-%s", o.nextTimestamp(ctx), rnd)
}

// IsTempID reports whether id was assigned locally to an unconfirmed create.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, "offline-")
}

// ── Queue administration ─────────────────────────────────

// Mutations returns the queue in replay order.
func (o *OfflineManager) Mutations(ctx context.Context) ([]*Mutation, error) {
	return o.storage.Mutations(ctx)
}

// PendingCount returns the number of queued mutations in any status.
func (o *OfflineManager) PendingCount(ctx context.Context) (int, error) {
	ms, err := o.storage.Mutations(ctx)
	if err != nil {
		return 0, err
	}
	return len(ms), nil
}

// DiscardMutation abandons a queued mutation permanently and rolls back its
// optimistic cache entry where that is possible: a temporary record is
// removed, any other record loses its pending and tombstone flags.
func (o *OfflineManager) DiscardMutation(ctx context.Context, id uint64) error {
	ms, err := o.storage.Mutations(ctx)
	if err != nil {
		return err
	}
	var target *Mutation
	var rest []*Mutation
	for _, m := range ms {
		if m.ID == id {
			target = m
		} else {
			rest = append(rest, m)
		}
	}
	if target == nil {
		return ErrNotFound
	}
	if target.Status == StatusSyncing {
		return fmt.Errorf("mutation %d is being replayed", id)
	}
	if err := o.storage.DeleteMutation(ctx, id); err != nil {
		return fmt.Errorf("failed to delete mutation %d: %w", id, err)
	}

	if target.Collection == "" {
		return nil
	}
	if target.TempID != "" {
		o.bestEffort("discard temp record", o.storage.DeleteByID(ctx, target.Collection, target.TempID))
		return nil
	}
	if !entityStillQueued(rest, target) {
		o.stripFlags(ctx, target.Collection, target.EntityID)
	}
	return nil
}

// ResetStalled returns mutations stuck in StatusSyncing for longer than
// olderThan to StatusQueued. A pass that crashed mid-replay leaves them
// there; the server may or may not have applied them.
func (o *OfflineManager) ResetStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	ms, err := o.storage.Mutations(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := o.now().Add(-olderThan).UnixMilli()
	n := 0
	for _, m := range ms {
		if m.Status != StatusSyncing || m.ClaimedAt > cutoff {
			continue
		}
		m.Status = StatusQueued
		m.ClaimedAt = 0
		if err := o.storage.UpdateMutation(ctx, m); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return n, fmt.Errorf("failed to reset mutation %d: %w", m.ID, err)
		}
		o.logger.Info("reset stalled mutation", "id", m.ID, "path", m.Path)
		n++
	}
	return n, nil
}

// ── Helpers ──────────────────────────────────────────────

// bestEffort logs a failed cache operation; it never fails the caller.
func (o *OfflineManager) bestEffort(op string, err error) {
	if err == nil {
		return
	}
	o.metrics.cacheWriteFailed()
	o.logger.Warn("cache operation failed", "op", op, "error", err)
}

// stripFlags clears _pending and _deleted from a cached record.
func (o *OfflineManager) stripFlags(ctx context.Context, collection, id string) {
	if id == "" {
		return
	}
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	rec, err := o.storage.Get(ctx, collection, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			o.bestEffort("read for flag strip", err)
		}
		return
	}
	o.bestEffort("strip flags", o.storage.Put(ctx, collection, id, rec.withoutFlags()))
}

func entityStillQueued(ms []*Mutation, target *Mutation) bool {
	for _, m := range ms {
		if m.ID != target.ID && m.Collection == target.Collection && m.EntityID == target.EntityID {
			return true
		}
	}
	return false
}
