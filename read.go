package retailsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Get reads path. Offline, a mapped path is answered from the cache when the
// cache holds anything for it. Otherwise the network is tried; successful
// results are written back to the cache in the background, and failures fall
// back to the cache before the error is returned. Paths nested below an
// entity, such as /customers/c1/sales, are never cached.
func (o *OfflineManager) Get(ctx context.Context, path string, opts *ReadOptions) (json.RawMessage, error) {
	if opts == nil {
		opts = &ReadOptions{}
	}
	rt := o.resolve(path, opts.Collection)

	if rt.cached() && !o.conn.IsOnline() {
		if data, ok := o.readCache(ctx, rt); ok {
			o.metrics.cacheRead(rt.collection, "offline")
			return data, nil
		}
	}

	data, err := o.client.Execute(ctx, &Request{Method: "GET", Path: path, Headers: opts.Headers})
	if err != nil {
		if rt.cached() {
			if cached, ok := o.readCache(ctx, rt); ok {
				o.logger.Info("serving cached data after request failure",
					"path", path, "collection", rt.collection, "error", err)
				o.metrics.cacheRead(rt.collection, "fallback")
				o.emit(EventCacheFallback, map[string]any{"path": path, "error": err.Error()})
				return cached, nil
			}
			if IsTransport(err) {
				return nil, fmt.Errorf("%w: %w", ErrNoCache, err)
			}
		}
		return nil, err
	}

	if rt.cached() && data != nil {
		o.writeBack(context.WithoutCancel(ctx), rt, data)
	}
	return data, nil
}

// readCache returns the cached answer for rt, or false when there is none.
// A detail path is answered with its record; when that record is missing or
// tombstoned the live listing of the collection is served instead.
func (o *OfflineManager) readCache(ctx context.Context, rt route) (json.RawMessage, bool) {
	var value any

	switch {
	case o.isSingleton(rt.collection):
		rec, err := o.storage.Get(ctx, rt.collection, o.storeKey())
		if errors.Is(err, ErrNotFound) && o.storeKey() != DefaultSettingsKey {
			rec, err = o.storage.Get(ctx, rt.collection, DefaultSettingsKey)
		}
		if err != nil {
			o.logCacheMiss(rt, err)
			return nil, false
		}
		value = rec

	default:
		if rt.entityID != "" {
			rec, err := o.storage.Get(ctx, rt.collection, rt.entityID)
			if err == nil && !rec.Deleted() {
				value = rec
				break
			}
			if err != nil {
				o.logCacheMiss(rt, err)
			}
		}
		live, ok := o.liveRecords(ctx, rt)
		if !ok {
			return nil, false
		}
		value = live
	}

	data, err := json.Marshal(value)
	if err != nil {
		o.logger.Warn("failed to encode cached data", "collection", rt.collection, "error", err)
		return nil, false
	}
	return data, true
}

// liveRecords returns the collection without tombstones, or false when
// nothing is left.
func (o *OfflineManager) liveRecords(ctx context.Context, rt route) ([]Record, bool) {
	recs, err := o.storage.GetAll(ctx, rt.collection)
	if err != nil {
		o.logCacheMiss(rt, err)
		return nil, false
	}
	live := make([]Record, 0, len(recs))
	for _, r := range recs {
		if !r.Deleted() {
			live = append(live, r)
		}
	}
	return live, len(live) > 0
}

func (o *OfflineManager) logCacheMiss(rt route, err error) {
	if errors.Is(err, ErrNotFound) {
		return
	}
	o.logger.Warn("cache read failed", "collection", rt.collection, "error", err)
}

// writeBack stores a network result without blocking or failing the read.
func (o *OfflineManager) writeBack(ctx context.Context, rt route, data json.RawMessage) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		o.bestEffort("write back "+rt.collection, o.storeResult(ctx, rt, data))
	}()
}

func (o *OfflineManager) storeResult(ctx context.Context, rt route, data json.RawMessage) error {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	switch v := decoded.(type) {
	case map[string]any:
		rec := Record(v)
		if o.isSingleton(rt.collection) {
			return o.storage.Put(ctx, rt.collection, o.storeKey(), rec)
		}
		if id := rec.ID(); id != "" {
			o.cacheMu.Lock()
			defer o.cacheMu.Unlock()
			if existing, err := o.storage.Get(ctx, rt.collection, id); err == nil && existing.Pending() {
				// A queued local change outranks the server copy until it replays.
				return nil
			}
			return o.storage.Put(ctx, rt.collection, id, rec)
		}
		return nil

	case []any:
		recs := make([]Record, 0, len(v))
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				recs = append(recs, Record(obj))
			}
		}
		if rt.entityID != "" {
			// A sub-listing below an entity is partial; merge, don't replace.
			return o.storage.BulkPut(ctx, rt.collection, recs)
		}
		o.cacheMu.Lock()
		defer o.cacheMu.Unlock()
		return o.storage.ReplaceAll(ctx, rt.collection, recs)
	}
	return nil
}
