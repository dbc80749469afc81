package retailsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SyncOfflineMutations replays the queue in timestamp order. Each mutation is
// claimed, sent with the live token, and on success removed from the queue
// with its cache entry reconciled against the server's answer. A server
// rejection marks the mutation failed and the pass moves on; a transport
// failure marks it failed and ends the pass, since later entries would fail
// the same way. Failed mutations are retried by the next pass.
//
// The returned error reports storage failures only; request failures are
// counted in the result.
func (o *OfflineManager) SyncOfflineMutations(ctx context.Context) (SyncResult, error) {
	var res SyncResult

	ms, err := o.storage.Mutations(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read mutation queue: %w", err)
	}
	sortMutations(ms)
	if len(ms) == 0 {
		return res, nil
	}

	o.logger.Info("syncing offline mutations", "count", len(ms))
	o.emit(EventSyncStart, len(ms))
	defer func() {
		o.logger.Info("sync complete", "succeeded", res.Succeeded, "failed", res.Failed)
		o.emit(EventSyncComplete, res)
	}()

	synced := make(map[uint64]bool, len(ms))
	for _, m := range ms {
		if m.Status == StatusSyncing {
			// Claimed by a concurrent pass, or stalled; see ResetStalled.
			continue
		}
		claimed, err := o.storage.ClaimMutation(ctx, m.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return res, fmt.Errorf("failed to claim mutation %d: %w", m.ID, err)
		}
		if !claimed {
			continue
		}

		data, err := o.client.Execute(ctx, liveRequest(m))
		if err != nil {
			if ctx.Err() != nil {
				o.release(m)
				return res, nil
			}
			if ferr := o.markFailed(ctx, m, err); ferr != nil {
				return res, ferr
			}
			res.Failed++
			if IsTransport(err) {
				o.metrics.replayFailed("transport")
				o.logger.Warn("replay interrupted by transport failure", "id", m.ID, "path", m.Path, "error", err)
				return res, nil
			}
			o.metrics.replayFailed("server")
			o.logger.Warn("server rejected queued mutation", "id", m.ID, "path", m.Path, "error", err)
			continue
		}

		synced[m.ID] = true
		o.reconcile(ctx, m, data, unsynced(ms, synced))
		if err := o.storage.DeleteMutation(ctx, m.ID); err != nil {
			return res, fmt.Errorf("failed to remove synced mutation %d: %w", m.ID, err)
		}
		res.Succeeded++
		o.metrics.replayed()
		o.emit(EventMutationSynced, m.clone())
	}
	return res, nil
}

// liveRequest rebuilds the wire request for a queued mutation. Credentials
// are never stored, so the executor attaches the current token.
func liveRequest(m *Mutation) *Request {
	r := m.Request
	if r.Method == "" {
		switch m.Kind {
		case KindCreate:
			r.Method = "POST"
		case KindUpdate:
			r.Method = "PUT"
		case KindDelete:
			r.Method = "DELETE"
		}
	}
	if r.Path == "" {
		r.Path = m.Path
	}
	return &r
}

func (o *OfflineManager) markFailed(ctx context.Context, m *Mutation, cause error) error {
	m.Status = StatusFailed
	m.Error = cause.Error()
	m.Attempts++
	m.ClaimedAt = 0
	if err := o.storage.UpdateMutation(ctx, m); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to record failure of mutation %d: %w", m.ID, err)
	}
	o.emit(EventMutationFailed, m.clone())
	return nil
}

// release hands a claimed mutation back to the queue when the pass is
// cancelled mid-request.
func (o *OfflineManager) release(m *Mutation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Status = StatusQueued
	m.ClaimedAt = 0
	if err := o.storage.UpdateMutation(ctx, m); err != nil && !errors.Is(err, ErrNotFound) {
		o.logger.Warn("failed to release mutation", "id", m.ID, "error", err)
	}
}

func unsynced(ms []*Mutation, synced map[uint64]bool) []*Mutation {
	out := make([]*Mutation, 0, len(ms))
	for _, m := range ms {
		if !synced[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// reconcile replaces the optimistic cache entry of a replayed mutation with
// the server's view. remaining holds the mutations still in the queue; an
// entity that one of them touches keeps its pending state.
func (o *OfflineManager) reconcile(ctx context.Context, m *Mutation, data json.RawMessage, remaining []*Mutation) {
	if m.Collection == "" {
		return
	}
	server := serverRecord(data)

	switch m.Kind {
	case KindCreate:
		if m.TempID != "" {
			o.settleCreate(ctx, m, server, remaining)
			return
		}
		o.settle(ctx, m, server, remaining)

	case KindUpdate:
		o.settle(ctx, m, server, remaining)

	case KindDelete:
		if entityStillQueued(remaining, m) {
			return
		}
		o.cacheMu.Lock()
		o.bestEffort("drop deleted record", o.storage.DeleteByID(ctx, m.Collection, m.EntityID))
		o.cacheMu.Unlock()
	}
}

// settleCreate swaps the temporary record of a replayed create for the
// server's. Mutations still queued against the temporary id are pointed at
// the server id first; while any remain, the local edits they carry stay
// visible on top of the server record.
func (o *OfflineManager) settleCreate(ctx context.Context, m *Mutation, server Record, remaining []*Mutation) {
	serverID := server.ID()
	if serverID != "" {
		o.remapTempID(ctx, m.TempID, serverID, server["id"], remaining)
	}

	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	local, err := o.storage.Get(ctx, m.Collection, m.TempID)
	o.bestEffort("drop temp record", o.storage.DeleteByID(ctx, m.Collection, m.TempID))
	if serverID == "" {
		return
	}
	rec := server
	target := &Mutation{ID: m.ID, Collection: m.Collection, EntityID: serverID}
	if err == nil && entityStillQueued(remaining, target) {
		rec = server.Merge(local).Merge(Record{"id": server["id"]})
	}
	o.bestEffort("store created record", o.storage.Put(ctx, m.Collection, serverID, rec))
}

// remapTempID rewrites queued mutations that reference tempID, in their path,
// entity or top-level body fields, to the server-assigned id. Each one is
// claimed while it is rewritten so a concurrent pass cannot send it half
// updated.
func (o *OfflineManager) remapTempID(ctx context.Context, tempID, serverID string, serverValue any, remaining []*Mutation) {
	for _, m := range remaining {
		next := m.clone()
		if !rewriteTempID(next, tempID, serverID, serverValue) {
			continue
		}
		if m.Status == StatusSyncing {
			o.logger.Warn("cannot remap temporary id of a mutation being replayed", "id", m.ID, "tempId", tempID)
			continue
		}
		claimed, err := o.storage.ClaimMutation(ctx, m.ID)
		if err != nil || !claimed {
			o.logger.Warn("cannot remap temporary id", "id", m.ID, "tempId", tempID, "error", err)
			continue
		}
		next.ClaimedAt = 0
		if err := o.storage.UpdateMutation(ctx, next); err != nil {
			o.logger.Warn("failed to remap temporary id", "id", m.ID, "tempId", tempID, "error", err)
			o.release(m)
			continue
		}
		o.logger.Debug("remapped temporary id", "id", m.ID, "tempId", tempID, "serverId", serverID)
		*m = *next
	}
}

// rewriteTempID replaces tempID in m and reports whether anything changed.
func rewriteTempID(m *Mutation, tempID, serverID string, serverValue any) bool {
	changed := false
	if p := replaceSegment(m.Path, tempID, serverID); p != m.Path {
		m.Path = p
		changed = true
	}
	if p := replaceSegment(m.Request.Path, tempID, serverID); p != m.Request.Path {
		m.Request.Path = p
		changed = true
	}
	if m.EntityID == tempID {
		m.EntityID = serverID
		changed = true
	}
	if m.Request.Form != nil {
		for i, f := range m.Request.Form.Fields {
			if f.File == nil && f.Value == tempID {
				m.Request.Form.Fields[i].Value = serverID
				changed = true
			}
		}
	}
	if body := payloadRecord(&Request{Body: m.Request.Body}); body != nil {
		touched := false
		for k, v := range body {
			if s, ok := v.(string); ok && s == tempID {
				body[k] = serverValue
				touched = true
			}
		}
		if touched {
			if data, err := json.Marshal(body); err == nil {
				m.Request.Body = data
				changed = true
			}
		}
	}
	return changed
}

// settle confirms an update: the server's copy is stored when it returned
// one, otherwise the cached record simply loses its flags.
func (o *OfflineManager) settle(ctx context.Context, m *Mutation, server Record, remaining []*Mutation) {
	if m.EntityID == "" || entityStillQueued(remaining, m) {
		return
	}
	if server != nil && (server.ID() == m.EntityID || o.isSingleton(m.Collection)) {
		o.cacheMu.Lock()
		o.bestEffort("store synced record", o.storage.Put(ctx, m.Collection, m.EntityID, server))
		o.cacheMu.Unlock()
		return
	}
	o.stripFlags(ctx, m.Collection, m.EntityID)
}

func serverRecord(data json.RawMessage) Record {
	if len(data) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil
	}
	return Record(obj)
}
