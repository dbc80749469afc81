package retailsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// switchTransport records every attempted request and fails the ones it is
// told to, the way a dropped network would.
type switchTransport struct {
	mu       sync.Mutex
	down     bool
	failOn   func(r *http.Request) bool
	attempts []string
}

func (s *switchTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.attempts = append(s.attempts, r.Method+" "+r.URL.Path)
	fail := s.down || (s.failOn != nil && s.failOn(r))
	s.mu.Unlock()
	if fail {
		return nil, errors.New("dial tcp: connect: network is unreachable")
	}
	return http.DefaultTransport.RoundTrip(r)
}

func (s *switchTransport) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *switchTransport) setFailOn(fn func(r *http.Request) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn = fn
}

func (s *switchTransport) taken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.attempts
	s.attempts = nil
	return out
}

type testEnv struct {
	api       *OfflineManager
	monitor   *NetworkMonitor
	store     *MemoryStorage
	transport *switchTransport
	server    *httptest.Server
}

func newTestEnv(t *testing.T, handler http.HandlerFunc, opts ...OfflineOption) *testEnv {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{})
		}
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	env := &testEnv{
		monitor:   NewNetworkMonitor(discardLogger()),
		store:     NewMemoryStorage(),
		transport: &switchTransport{},
		server:    srv,
	}
	client := newTestClient(srv.URL,
		WithHTTPClient(&http.Client{Transport: env.transport, Timeout: 5 * time.Second}),
		WithTokenProvider(SessionTokenProvider(env.store)),
	)
	opts = append([]OfflineOption{WithLogger(discardLogger())}, opts...)
	env.api = NewOfflineManager(env.store, client, env.monitor, opts...)
	t.Cleanup(env.api.Wait)
	return env
}

func (e *testEnv) goOffline() {
	e.transport.setDown(true)
	e.monitor.SetOnline(false)
}

func (e *testEnv) goOnline() {
	e.transport.setDown(false)
	e.monitor.SetOnline(true)
}

func (e *testEnv) seed(t *testing.T, collection string, recs ...Record) {
	t.Helper()
	require.NoError(t, e.store.BulkPut(context.Background(), collection, recs))
}

func (e *testEnv) queue(t *testing.T) []*Mutation {
	t.Helper()
	ms, err := e.api.Mutations(context.Background())
	require.NoError(t, err)
	return ms
}

func decodeObject(t *testing.T, data json.RawMessage) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func decodeList(t *testing.T, data json.RawMessage) []map[string]any {
	t.Helper()
	var out []map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

// ============================================================================
// Cache-aware reads
// ============================================================================

func TestGet_OfflineServesCache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "products", Record{"id": "1", "name": "A"}, Record{"id": "2", "name": "B"})
	env.goOffline()

	data, err := env.api.Get(context.Background(), "/products", nil)
	require.NoError(t, err)
	assert.Len(t, decodeList(t, data), 2)
	assert.Empty(t, env.transport.taken(), "cached read must not touch the network")
}

func TestGet_OfflineEmptyCacheFails(t *testing.T) {
	env := newTestEnv(t, nil)
	env.goOffline()

	_, err := env.api.Get(context.Background(), "/products", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCache)
	assert.True(t, IsTransport(err))
}

func TestGet_OfflineDetailAndTombstones(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "products",
		Record{"id": "1", "name": "A"},
		Record{"id": "2", "name": "B", FlagDeleted: true, FlagPending: true},
	)
	env.goOffline()
	ctx := context.Background()

	data, err := env.api.Get(ctx, "/products/1", nil)
	require.NoError(t, err)
	assert.Equal(t, "A", decodeObject(t, data)["name"])

	data, err = env.api.Get(ctx, "/products", nil)
	require.NoError(t, err)
	list := decodeList(t, data)
	require.Len(t, list, 1)
	assert.Equal(t, "1", list[0]["id"])

	data, err = env.api.Get(ctx, "/products/2", nil)
	require.NoError(t, err, "a tombstoned detail falls back to the listing")
	list = decodeList(t, data)
	require.Len(t, list, 1)
	assert.Equal(t, "1", list[0]["id"])
	assert.Empty(t, env.transport.taken())
}

func TestGet_OfflineDetailMissServesListing(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "products", Record{"id": "p1", "name": "A"})
	env.goOffline()

	data, err := env.api.Get(context.Background(), "/products/42", nil)
	require.NoError(t, err)
	list := decodeList(t, data)
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0]["id"])
	assert.Empty(t, env.transport.taken(), "the listing is served without a request")
}

func TestGet_NestedPathDoesNotTouchParentCache(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{{"id": "sale-1", "total": 10}})
	})
	env.seed(t, "customers", Record{"id": "c1", "name": "Ann"}, Record{"id": "c2", "name": "Bob"})
	ctx := context.Background()

	data, err := env.api.Get(ctx, "/customers/c1/sales", nil)
	require.NoError(t, err)
	assert.Len(t, decodeList(t, data), 1)

	env.api.Wait()
	recs, err := env.store.GetAll(ctx, "customers")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids(recs))
	_, err = env.store.Get(ctx, "customers", "sale-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_OnlineWritesBack(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{{"id": 1, "name": "A"}, {"id": 2, "name": "B"}})
	})
	env.seed(t, "products",
		Record{"id": "9", "name": "removed upstream"},
		Record{"id": "offline-1-abc", "name": "local", FlagPending: true},
	)
	ctx := context.Background()

	data, err := env.api.Get(ctx, "/products", nil)
	require.NoError(t, err)
	assert.Len(t, decodeList(t, data), 2)

	env.api.Wait()
	recs, err := env.store.GetAll(ctx, "products")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2", "offline-1-abc"}, ids(recs))
}

func TestGet_WriteBackKeepsPendingRecord(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "5", "price": 1})
	})
	env.seed(t, "products", Record{"id": "5", "price": 2, FlagPending: true})
	ctx := context.Background()

	_, err := env.api.Get(ctx, "/products/5", nil)
	require.NoError(t, err)
	env.api.Wait()

	rec, err := env.store.Get(ctx, "products", "5")
	require.NoError(t, err)
	assert.Equal(t, 2, rec["price"])
	assert.True(t, rec.Pending())
}

func TestGet_FallsBackToCacheOnFailure(t *testing.T) {
	t.Run("transport failure", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.seed(t, "customers", Record{"id": "c1"})
		env.transport.setDown(true)

		var fallbacks int
		env.api.On(EventCacheFallback, func(string, any) { fallbacks++ })

		data, err := env.api.Get(context.Background(), "/customers", nil)
		require.NoError(t, err)
		assert.Len(t, decodeList(t, data), 1)
		assert.Equal(t, 1, fallbacks)
	})

	t.Run("server error", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "db down"})
		})
		env.seed(t, "customers", Record{"id": "c1"})

		data, err := env.api.Get(context.Background(), "/customers", nil)
		require.NoError(t, err)
		assert.Len(t, decodeList(t, data), 1)
	})

	t.Run("server error without cache", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "no such product"})
		})

		_, err := env.api.Get(context.Background(), "/products/404", nil)
		se, ok := IsServer(err)
		require.True(t, ok)
		assert.Equal(t, "no such product", se.Message)
	})
}

func TestGet_UnmappedPathPassesThrough(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"unread": 3})
	})
	env.seed(t, "chat", Record{"id": "x"})
	ctx := context.Background()

	env.monitor.SetOnline(false)
	data, err := env.api.Get(ctx, "/chat/unread", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(3), decodeObject(t, data)["unread"])
	assert.Equal(t, []string{"GET /api/chat/unread"}, env.transport.taken())

	env.transport.setDown(true)
	_, err = env.api.Get(ctx, "/chat/unread", nil)
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.NotErrorIs(t, err, ErrNoCache)
}

func TestGet_CollectionOverride(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "lowStock", Record{"id": "p1"})
	env.goOffline()

	data, err := env.api.Get(context.Background(), "/reports/low-stock", &ReadOptions{Collection: "lowStock"})
	require.NoError(t, err)
	assert.Len(t, decodeList(t, data), 1)
}

func TestGet_SettingsKeyedByStore(t *testing.T) {
	storeID := "store-7"
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"currency": "KES", "taxRate": 16})
	}, WithStoreID(func() string { return storeID }))
	ctx := context.Background()

	_, err := env.api.Get(ctx, "/settings", nil)
	require.NoError(t, err)
	env.api.Wait()

	rec, err := env.store.Get(ctx, SettingsCollection, "store-7")
	require.NoError(t, err)
	assert.Equal(t, "KES", rec["currency"])

	env.goOffline()
	data, err := env.api.Get(ctx, "/settings", nil)
	require.NoError(t, err)
	assert.Equal(t, "KES", decodeObject(t, data)["currency"])

	// An unknown store falls back to the default document.
	require.NoError(t, env.store.Put(ctx, SettingsCollection, DefaultSettingsKey, Record{"currency": "USD"}))
	storeID = "store-9"
	data, err = env.api.Get(ctx, "/settings", nil)
	require.NoError(t, err)
	assert.Equal(t, "USD", decodeObject(t, data)["currency"])
}

// ============================================================================
// Optimistic writes
// ============================================================================

func TestPost_OfflineQueuesAndEchoes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.goOffline()
	ctx := context.Background()

	body := map[string]any{"name": "Widget", "price": 9.99}
	data, err := env.api.Post(ctx, "/products", body, nil)
	require.NoError(t, err)

	echo := decodeObject(t, data)
	assert.Equal(t, "Widget", echo["name"])
	assert.Equal(t, 9.99, echo["price"])
	assert.Equal(t, true, echo["offline"])
	tempID, _ := echo["id"].(string)
	require.True(t, IsTempID(tempID), "got id %q", tempID)

	ms := env.queue(t)
	require.Len(t, ms, 1)
	m := ms[0]
	assert.Equal(t, KindCreate, m.Kind)
	assert.Equal(t, StatusQueued, m.Status)
	assert.Equal(t, "products", m.Collection)
	assert.Equal(t, tempID, m.TempID)

	want, _ := json.Marshal(body)
	assert.Equal(t, string(want), string(m.Request.Body))

	rec, err := env.store.Get(ctx, "products", tempID)
	require.NoError(t, err)
	assert.Equal(t, "Widget", rec["name"])
	assert.True(t, rec.Pending())
	assert.Empty(t, env.transport.taken())
}

func TestPost_RawBodyPreservedExactly(t *testing.T) {
	env := newTestEnv(t, nil)
	env.goOffline()

	raw := json.RawMessage(`{"price": 9.99,  "name":"Widget"}`)
	_, err := env.api.Post(context.Background(), "/products", raw, nil)
	require.NoError(t, err)

	ms := env.queue(t)
	require.Len(t, ms, 1)
	assert.Equal(t, string(raw), string(ms[0].Request.Body))
}

func TestPost_NonObjectBodyEcho(t *testing.T) {
	env := newTestEnv(t, nil)
	env.goOffline()

	data, err := env.api.Post(context.Background(), "/sales/bulk", []any{1, 2}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[1,2],"offline":true}`, string(data))
	assert.Len(t, env.queue(t), 1)
}

func TestPostForm_OfflineQueuesDescriptor(t *testing.T) {
	env := newTestEnv(t, nil)
	env.goOffline()
	ctx := context.Background()

	form := (&FormData{}).
		Add("name", "Widget").
		AddFile("image", "widget.png", "image/png", []byte("PNGDATA"))
	data, err := env.api.PostForm(ctx, "/products", form, nil)
	require.NoError(t, err)

	echo := decodeObject(t, data)
	assert.Equal(t, "Widget", echo["name"])
	assert.Equal(t, true, echo["offline"])

	ms := env.queue(t)
	require.Len(t, ms, 1)
	require.NotNil(t, ms[0].Request.Form)
	assert.Equal(t, form.Fields, ms[0].Request.Form.Fields)
	assert.Empty(t, ms[0].Request.Body)
}

func TestWrite_SkipQueueOffline(t *testing.T) {
	env := newTestEnv(t, nil)
	env.goOffline()

	_, err := env.api.Post(context.Background(), "/devices/push-token", map[string]any{"token": "x"},
		&WriteOptions{SkipQueue: true})
	require.ErrorIs(t, err, ErrOffline)
	assert.Empty(t, env.queue(t))
	assert.Empty(t, env.transport.taken())
}

func TestWrite_SkipQueueTransportFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.transport.setDown(true)

	_, err := env.api.Put(context.Background(), "/products/1", map[string]any{"id": "1"},
		&WriteOptions{SkipQueue: true})
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.Empty(t, env.queue(t))
}

func TestWrite_TransportFailureQueues(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "products", Record{"id": "5", "name": "Widget", "price": 1.0})
	env.transport.setDown(true)
	ctx := context.Background()

	data, err := env.api.Put(ctx, "/products/5", map[string]any{"id": "5", "price": 2.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, decodeObject(t, data)["offline"])
	require.Len(t, env.queue(t), 1)

	rec, err := env.store.Get(ctx, "products", "5")
	require.NoError(t, err)
	assert.Equal(t, "Widget", rec["name"], "unspecified fields are retained")
	assert.Equal(t, 2.0, rec["price"])
	assert.True(t, rec.Pending())
}

func TestWrite_ServerErrorIsNotQueued(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "price must be positive"})
	})
	ctx := context.Background()

	_, err := env.api.Post(ctx, "/products", map[string]any{"price": -1}, nil)
	se, ok := IsServer(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnprocessableEntity, se.Status)
	assert.Equal(t, "price must be positive", se.Message)
	assert.Empty(t, env.queue(t))

	recs, err := env.store.GetAll(ctx, "products")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestWrite_OnlineSuccessReturnsServerResult(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"id": "srv-1", "name": "Widget"})
	})
	ctx := context.Background()

	data, err := env.api.Post(ctx, "/products", map[string]any{"name": "Widget"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"srv-1","name":"Widget"}`, string(data))
	assert.Empty(t, env.queue(t))

	recs, err := env.store.GetAll(ctx, "products")
	require.NoError(t, err)
	assert.Empty(t, recs, "the write path does not touch the cache on success")
}

func TestPatch_OfflineMergesByPathID(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "products", Record{"id": "5", "name": "Widget", "price": 1.0})
	env.goOffline()
	ctx := context.Background()

	_, err := env.api.Patch(ctx, "/products/5", map[string]any{"price": 3.0}, nil)
	require.NoError(t, err)

	rec, err := env.store.Get(ctx, "products", "5")
	require.NoError(t, err)
	assert.Equal(t, "Widget", rec["name"])
	assert.Equal(t, 3.0, rec["price"])
	assert.True(t, rec.Pending())

	ms := env.queue(t)
	require.Len(t, ms, 1)
	assert.Equal(t, KindUpdate, ms[0].Kind)
	assert.Equal(t, "PATCH", ms[0].Request.Method)
	assert.Equal(t, "5", ms[0].EntityID)
}

func TestDelete_OfflineTombstones(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "products", Record{"id": "5", "name": "Widget"}, Record{"id": "6"})
	env.goOffline()
	ctx := context.Background()

	data, err := env.api.Delete(ctx, "/products/5", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"offline":true}`, string(data))

	rec, err := env.store.Get(ctx, "products", "5")
	require.NoError(t, err, "a tombstone is not a physical removal")
	assert.True(t, rec.Deleted())
	assert.True(t, rec.Pending())

	list, err := env.api.Get(ctx, "/products", nil)
	require.NoError(t, err)
	assert.Len(t, decodeList(t, list), 1)
}

func TestWrite_UnmappedPathIsNotQueued(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.goOffline()
	_, err := env.api.Post(ctx, "/chat/messages", map[string]any{"text": "hi"}, nil)
	assert.ErrorIs(t, err, ErrOffline)
	assert.Empty(t, env.transport.taken())

	env.goOnline()
	env.transport.setFailOn(func(*http.Request) bool { return true })
	_, err = env.api.Post(ctx, "/chat/messages", map[string]any{"text": "hi"}, nil)
	assert.True(t, IsTransport(err))

	assert.Empty(t, env.queue(t))
}

func TestDelete_NestedPathLeavesParentRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "products", Record{"id": "42", "name": "Widget"}, Record{"id": "7", "name": "Gadget"})
	env.goOffline()
	ctx := context.Background()

	_, err := env.api.Delete(ctx, "/products/42/images/7", nil)
	require.NoError(t, err)

	rec, err := env.store.Get(ctx, "products", "7")
	require.NoError(t, err)
	assert.False(t, rec.Deleted())
	assert.False(t, rec.Pending())

	ms := env.queue(t)
	require.Len(t, ms, 1)
	assert.Empty(t, ms[0].Collection)
	assert.Empty(t, ms[0].EntityID)

	env.goOnline()
	res, err := env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Succeeded: 1}, res)
	assert.Equal(t, []string{"DELETE /api/products/42/images/7"}, env.transport.taken())

	recs, err := env.store.GetAll(ctx, "products")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"42", "7"}, ids(recs))
}

func TestWrite_AuthorizationHeaderNotPersisted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.goOffline()

	_, err := env.api.Post(context.Background(), "/sales", map[string]any{"total": 10}, &WriteOptions{
		Headers: map[string]string{"authorization": "Bearer stale", "X-Register": "2"},
	})
	require.NoError(t, err)

	ms := env.queue(t)
	require.Len(t, ms, 1)
	assert.Equal(t, map[string]string{"X-Register": "2"}, ms[0].Request.Headers)
}

func TestWrite_EnqueueFailureUndoesOptimisticUpdate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.goOffline()
	ctx := context.Background()

	env.api.storage = &failingQueue{Storage: env.store}
	_, err := env.api.Post(ctx, "/products", map[string]any{"name": "Widget"}, nil)
	require.Error(t, err)

	recs, err := env.store.GetAll(ctx, "products")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

type failingQueue struct {
	Storage
}

func (f *failingQueue) Enqueue(context.Context, *Mutation) (uint64, error) {
	return 0, errors.New("disk full")
}

func TestNextTimestamp_StrictlyIncreasing(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	env := newTestEnv(t, nil, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	require.NoError(t, func() error {
		_, err := env.store.Enqueue(ctx, &Mutation{Kind: KindCreate, Timestamp: fixed.UnixMilli() + 50, Status: StatusQueued})
		return err
	}())

	first := env.api.nextTimestamp(ctx)
	second := env.api.nextTimestamp(ctx)
	assert.Equal(t, fixed.UnixMilli()+51, first, "seeded past the existing queue")
	assert.Equal(t, first+1, second)

	a, b := env.api.newTempID(ctx), env.api.newTempID(ctx)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "offline-"))
}

// ============================================================================
// Replay
// ============================================================================

// productAPI is a minimal products endpoint that assigns server ids.
type productAPI struct {
	mu       sync.Mutex
	products []map[string]any
	auth     []string
}

func (p *productAPI) handler(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.auth = append(p.auth, r.Header.Get("Authorization"))
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, p.products)
	case http.MethodPost:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["id"] = "srv-123"
		p.products = append(p.products, body)
		writeJSON(w, http.StatusCreated, body)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func TestSync_OfflineRoundTrip(t *testing.T) {
	api := &productAPI{}
	env := newTestEnv(t, api.handler)
	ctx := context.Background()

	env.goOffline()
	_, err := env.api.Get(ctx, "/products", nil)
	require.Error(t, err, "offline with an empty cache")

	data, err := env.api.Post(ctx, "/products", map[string]any{"name": "Widget", "price": 9.99}, nil)
	require.NoError(t, err)
	tempID := decodeObject(t, data)["id"].(string)
	require.Len(t, env.queue(t), 1)

	env.goOnline()
	res, err := env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Succeeded: 1}, res)
	assert.Empty(t, env.queue(t))

	_, err = env.store.Get(ctx, "products", tempID)
	assert.ErrorIs(t, err, ErrNotFound, "temporary record is removed")

	list, err := env.api.Get(ctx, "/products", nil)
	require.NoError(t, err)
	got := decodeList(t, list)
	require.Len(t, got, 1)
	assert.Equal(t, "srv-123", got[0]["id"])
	assert.Equal(t, "Widget", got[0]["name"])

	res, err = env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res, "an empty queue is a no-op")
}

func TestSync_RemapsTempIDInLaterMutations(t *testing.T) {
	api := &productAPI{}
	var (
		mu       sync.Mutex
		saleBody map[string]any
	)
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/sales" {
			mu.Lock()
			_ = json.NewDecoder(r.Body).Decode(&saleBody)
			mu.Unlock()
			writeJSON(w, http.StatusCreated, map[string]any{"id": "sale-1"})
			return
		}
		api.handler(w, r)
	})
	env.goOffline()
	ctx := context.Background()

	data, err := env.api.Post(ctx, "/products", map[string]any{"name": "Widget"}, nil)
	require.NoError(t, err)
	tempID := decodeObject(t, data)["id"].(string)
	_, err = env.api.Patch(ctx, "/products/"+tempID, map[string]any{"price": 5}, nil)
	require.NoError(t, err)
	_, err = env.api.Post(ctx, "/sales", map[string]any{"productId": tempID, "qty": 2}, nil)
	require.NoError(t, err)

	env.goOnline()
	res, err := env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Succeeded: 3}, res)
	assert.Equal(t, []string{
		"POST /api/products",
		"PATCH /api/products/srv-123",
		"POST /api/sales",
	}, env.transport.taken())
	assert.Empty(t, env.queue(t))

	mu.Lock()
	assert.Equal(t, "srv-123", saleBody["productId"])
	assert.Equal(t, 2.0, saleBody["qty"])
	mu.Unlock()

	rec, err := env.store.Get(ctx, "products", "srv-123")
	require.NoError(t, err)
	assert.Equal(t, "Widget", rec["name"])
	assert.Equal(t, 5.0, rec["price"], "the replayed patch stays applied")
	assert.False(t, rec.Pending())
	_, err = env.store.Get(ctx, "products", tempID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRewriteTempID(t *testing.T) {
	m := &Mutation{
		Path:     "/products/offline-1/images?sort=asc",
		EntityID: "offline-1",
		Request: Request{
			Path: "/products/offline-1/images?sort=asc",
			Form: &FormData{Fields: []FormField{
				{Name: "productId", Value: "offline-1"},
				{Name: "note", Value: "offline-1 is new"},
			}},
		},
	}
	assert.True(t, rewriteTempID(m, "offline-1", "42", 42.0))
	assert.Equal(t, "/products/42/images?sort=asc", m.Path)
	assert.Equal(t, "/products/42/images?sort=asc", m.Request.Path)
	assert.Equal(t, "42", m.EntityID)
	assert.Equal(t, "42", m.Request.Form.Fields[0].Value)
	assert.Equal(t, "offline-1 is new", m.Request.Form.Fields[1].Value)

	m = &Mutation{Path: "/sales", Request: Request{Body: json.RawMessage(`{"productId":"offline-1","nested":{"id":"offline-1"}}`)}}
	assert.True(t, rewriteTempID(m, "offline-1", "42", 42.0))
	assert.JSONEq(t, `{"productId":42,"nested":{"id":"offline-1"}}`, string(m.Request.Body))

	m = &Mutation{Path: "/sales", Request: Request{Body: json.RawMessage(`[1,2]`)}}
	assert.False(t, rewriteTempID(m, "offline-1", "42", 42.0))
	assert.Equal(t, `[1,2]`, string(m.Request.Body))
}

func TestSync_StoresServerRecordEagerly(t *testing.T) {
	api := &productAPI{}
	env := newTestEnv(t, api.handler)
	env.goOffline()
	ctx := context.Background()

	_, err := env.api.Post(ctx, "/products", map[string]any{"name": "Widget"}, nil)
	require.NoError(t, err)

	env.goOnline()
	_, err = env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)

	rec, err := env.store.Get(ctx, "products", "srv-123")
	require.NoError(t, err)
	assert.Equal(t, "Widget", rec["name"])
	assert.False(t, rec.Pending())
}

func TestSync_ReplayOrderAndTransportHalt(t *testing.T) {
	env := newTestEnv(t, nil)
	env.goOffline()
	ctx := context.Background()

	for _, path := range []string{"/products", "/customers", "/sales"} {
		_, err := env.api.Post(ctx, path, map[string]any{"name": path}, nil)
		require.NoError(t, err)
	}
	env.transport.taken()

	env.goOnline()
	env.transport.setFailOn(func(r *http.Request) bool { return r.URL.Path == "/api/customers" })

	res, err := env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Succeeded: 1, Failed: 1}, res)
	assert.Equal(t, []string{"POST /api/products", "POST /api/customers"}, env.transport.taken(),
		"nothing after a connectivity failure is attempted")

	ms := env.queue(t)
	require.Len(t, ms, 2)
	assert.Equal(t, "/customers", ms[0].Path)
	assert.Equal(t, StatusFailed, ms[0].Status)
	assert.Equal(t, 1, ms[0].Attempts)
	assert.Contains(t, ms[0].Error, "network is unreachable")
	assert.Equal(t, "/sales", ms[1].Path)
	assert.Equal(t, StatusQueued, ms[1].Status)

	env.transport.setFailOn(nil)
	res, err = env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Succeeded: 2}, res)
	assert.Equal(t, []string{"POST /api/customers", "POST /api/sales"}, env.transport.taken())
	assert.Empty(t, env.queue(t))
}

func TestSync_ServerRejectionDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/products" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "SKU already exists"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": "c-1"})
	})
	env.goOffline()
	ctx := context.Background()

	data, err := env.api.Post(ctx, "/products", map[string]any{"sku": "W1"}, nil)
	require.NoError(t, err)
	tempID := decodeObject(t, data)["id"].(string)
	_, err = env.api.Post(ctx, "/customers", map[string]any{"name": "Ann"}, nil)
	require.NoError(t, err)

	var failed []*Mutation
	env.api.On(EventMutationFailed, func(_ string, payload any) { failed = append(failed, payload.(*Mutation)) })

	env.goOnline()
	res, err := env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Succeeded: 1, Failed: 1}, res)

	ms := env.queue(t)
	require.Len(t, ms, 1)
	assert.Equal(t, StatusFailed, ms[0].Status)
	assert.Contains(t, ms[0].Error, "SKU already exists")
	require.Len(t, failed, 1)
	assert.Equal(t, ms[0].ID, failed[0].ID)

	// The rejected create keeps its optimistic record until discarded.
	rec, err := env.store.Get(ctx, "products", tempID)
	require.NoError(t, err)
	assert.True(t, rec.Pending())
}

func TestSync_SkipsSyncingMutations(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := env.store.Enqueue(ctx, &Mutation{
		Kind:      KindCreate,
		Path:      "/products",
		Request:   Request{Method: "POST", Path: "/products", Body: json.RawMessage(`{}`)},
		Timestamp: 1,
		Status:    StatusSyncing,
	})
	require.NoError(t, err)

	res, err := env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res)
	assert.Empty(t, env.transport.taken())
	assert.Len(t, env.queue(t), 1)
}

func TestSync_ConcurrentPassesReplayOnce(t *testing.T) {
	var mu sync.Mutex
	posts := 0
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		posts++
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		writeJSON(w, http.StatusCreated, map[string]any{"id": "srv"})
	})
	env.goOffline()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := env.api.Post(ctx, "/sales", map[string]any{"n": i}, nil)
		require.NoError(t, err)
	}
	env.goOnline()

	var wg sync.WaitGroup
	results := make([]SyncResult, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.api.SyncOfflineMutations(ctx)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += r.Succeeded
		assert.Zero(t, r.Failed)
	}
	assert.Equal(t, 5, total)
	mu.Lock()
	assert.Equal(t, 5, posts, "each mutation reaches the server once")
	mu.Unlock()
	assert.Empty(t, env.queue(t))
}

func TestSync_UsesCurrentToken(t *testing.T) {
	api := &productAPI{}
	env := newTestEnv(t, api.handler)
	ctx := context.Background()
	require.NoError(t, SaveSession(ctx, env.store, "expired", nil))

	env.goOffline()
	_, err := env.api.Post(ctx, "/products", map[string]any{"name": "Widget"}, nil)
	require.NoError(t, err)

	require.NoError(t, SaveSession(ctx, env.store, "refreshed", nil))
	env.goOnline()
	_, err = env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"Bearer refreshed"}, api.auth)
}

func TestSync_RebuildsMultipartForm(t *testing.T) {
	var gotName string
	var gotFile []byte
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
			return
		}
		gotName = r.FormValue("name")
		if f, _, err := r.FormFile("image"); err == nil {
			gotFile, _ = io.ReadAll(f)
			f.Close()
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": "srv-9", "name": gotName})
	})
	env.goOffline()
	ctx := context.Background()

	form := (&FormData{}).Add("name", "Widget").AddFile("image", "w.png", "image/png", []byte("PNGDATA"))
	_, err := env.api.PostForm(ctx, "/products", form, nil)
	require.NoError(t, err)

	env.goOnline()
	res, err := env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Succeeded: 1}, res)
	assert.Equal(t, "Widget", gotName)
	assert.Equal(t, []byte("PNGDATA"), gotFile)
}

func TestSync_UpdateReconcile(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": 5, "price": 3, "updatedAt": "2026-10-17"})
	})
	env.seed(t, "products", Record{"id": "5", "name": "Widget", "price": 1.0})
	env.goOffline()
	ctx := context.Background()

	_, err := env.api.Put(ctx, "/products/5", map[string]any{"id": 5, "price": 3}, nil)
	require.NoError(t, err)

	env.goOnline()
	_, err = env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)

	rec, err := env.store.Get(ctx, "products", "5")
	require.NoError(t, err)
	assert.False(t, rec.Pending())
	assert.Equal(t, "2026-10-17", rec["updatedAt"])
}

func TestSync_LaterUpdateKeepsRecordPending(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "products", Record{"id": "5", "price": 1.0})
	env.goOffline()
	ctx := context.Background()

	_, err := env.api.Patch(ctx, "/products/5", map[string]any{"price": 2.0}, nil)
	require.NoError(t, err)
	_, err = env.api.Patch(ctx, "/products/5", map[string]any{"price": 3.0}, nil)
	require.NoError(t, err)

	env.goOnline()
	// The second replayed request loses its connection.
	n := 0
	env.transport.setFailOn(func(r *http.Request) bool {
		n++
		return n == 2
	})
	res, err := env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Succeeded: 1, Failed: 1}, res)

	rec, err := env.store.Get(ctx, "products", "5")
	require.NoError(t, err)
	assert.True(t, rec.Pending(), "the second update has not replayed yet")
	assert.Equal(t, 3.0, rec["price"])
}

func TestSync_DeleteReconcile(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "products", Record{"id": "5"})
	env.goOffline()
	ctx := context.Background()

	_, err := env.api.Delete(ctx, "/products/5", nil)
	require.NoError(t, err)

	env.goOnline()
	res, err := env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Succeeded: 1}, res)
	assert.Equal(t, []string{"DELETE /api/products/5"}, env.transport.taken())

	_, err = env.store.Get(ctx, "products", "5")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSync_CancelReleasesMutation(t *testing.T) {
	arrived := make(chan struct{})
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-r.Context().Done()
	})
	env.goOffline()
	_, err := env.api.Post(context.Background(), "/products", map[string]any{"name": "Widget"}, nil)
	require.NoError(t, err)
	env.goOnline()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-arrived
		cancel()
	}()
	res, err := env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res)

	ms := env.queue(t)
	require.Len(t, ms, 1)
	assert.Equal(t, StatusQueued, ms[0].Status, "a cancelled replay is not a failure")
	assert.Zero(t, ms[0].Attempts)
}

func TestSyncOnReconnect(t *testing.T) {
	api := &productAPI{}
	env := newTestEnv(t, api.handler)
	env.goOffline()
	_, err := env.api.Post(context.Background(), "/products", map[string]any{"name": "Widget"}, nil)
	require.NoError(t, err)

	done := make(chan SyncResult, 1)
	stop := env.api.SyncOnReconnect(context.Background(), func(res SyncResult, err error) {
		assert.NoError(t, err)
		done <- res
	})
	defer stop()

	env.goOnline()
	select {
	case res := <-done:
		assert.Equal(t, SyncResult{Succeeded: 1}, res)
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect did not trigger a sync")
	}
}

// ============================================================================
// Queue administration
// ============================================================================

func TestDiscardMutation(t *testing.T) {
	t.Run("temporary create", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.goOffline()
		ctx := context.Background()

		data, err := env.api.Post(ctx, "/products", map[string]any{"name": "Widget"}, nil)
		require.NoError(t, err)
		tempID := decodeObject(t, data)["id"].(string)

		ms := env.queue(t)
		require.Len(t, ms, 1)
		require.NoError(t, env.api.DiscardMutation(ctx, ms[0].ID))

		assert.Empty(t, env.queue(t))
		_, err = env.store.Get(ctx, "products", tempID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("tombstone", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.seed(t, "products", Record{"id": "5", "name": "Widget"})
		env.goOffline()
		ctx := context.Background()

		_, err := env.api.Delete(ctx, "/products/5", nil)
		require.NoError(t, err)
		ms := env.queue(t)
		require.Len(t, ms, 1)
		require.NoError(t, env.api.DiscardMutation(ctx, ms[0].ID))

		rec, err := env.store.Get(ctx, "products", "5")
		require.NoError(t, err)
		assert.False(t, rec.Deleted())
		assert.False(t, rec.Pending())
	})

	t.Run("unknown id", func(t *testing.T) {
		env := newTestEnv(t, nil)
		assert.ErrorIs(t, env.api.DiscardMutation(context.Background(), 42), ErrNotFound)
	})

	t.Run("syncing", func(t *testing.T) {
		env := newTestEnv(t, nil)
		ctx := context.Background()
		m := &Mutation{Kind: KindCreate, Path: "/sales", Timestamp: 1, Status: StatusQueued}
		_, err := env.store.Enqueue(ctx, m)
		require.NoError(t, err)
		_, err = env.store.ClaimMutation(ctx, m.ID)
		require.NoError(t, err)

		assert.Error(t, env.api.DiscardMutation(ctx, m.ID))
		assert.Len(t, env.queue(t), 1)
	})
}

func TestResetStalled(t *testing.T) {
	later := time.Now().Add(time.Hour)
	env := newTestEnv(t, nil, WithClock(func() time.Time { return later }))
	ctx := context.Background()

	stalled := &Mutation{Kind: KindCreate, Path: "/sales", Timestamp: 1, Status: StatusQueued}
	_, err := env.store.Enqueue(ctx, stalled)
	require.NoError(t, err)
	_, err = env.store.ClaimMutation(ctx, stalled.ID)
	require.NoError(t, err)
	_, err = env.store.Enqueue(ctx, &Mutation{Kind: KindCreate, Path: "/sales", Timestamp: 2, Status: StatusQueued})
	require.NoError(t, err)

	n, err := env.api.ResetStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, m := range env.queue(t) {
		assert.Equal(t, StatusQueued, m.Status)
	}

	count, err := env.api.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

// ============================================================================
// Events and metrics
// ============================================================================

func TestEvents(t *testing.T) {
	api := &productAPI{}
	env := newTestEnv(t, api.handler)
	ctx := context.Background()

	var mu sync.Mutex
	var events []string
	record := func(event string, _ any) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	}
	for _, e := range []string{EventMutationQueued, EventMutationSynced, EventSyncStart, EventSyncComplete} {
		env.api.On(e, record)
	}

	env.goOffline()
	_, err := env.api.Post(ctx, "/products", map[string]any{"name": "Widget"}, nil)
	require.NoError(t, err)
	env.goOnline()
	_, err = env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventMutationQueued, EventSyncStart, EventMutationSynced, EventSyncComplete}, events)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	api := &productAPI{}
	env := newTestEnv(t, api.handler, WithMetrics(m))
	ctx := context.Background()

	env.seed(t, "customers", Record{"id": "c1"})
	env.goOffline()
	_, err := env.api.Get(ctx, "/customers", nil)
	require.NoError(t, err)
	_, err = env.api.Post(ctx, "/products", map[string]any{"name": "Widget"}, nil)
	require.NoError(t, err)

	env.goOnline()
	_, err = env.api.SyncOfflineMutations(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheReads.WithLabelValues("customers", "offline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MutationsQueued.WithLabelValues(string(KindCreate))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplaySucceeded))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ReplayFailed.WithLabelValues("transport")))

	count, err := testutil.GatherAndCount(reg, "retailsync_mutations_queued_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
