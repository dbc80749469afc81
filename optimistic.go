package retailsync

import (
	"context"
	"errors"
)

// entityFor picks the cache key a queued write touches. Creates without an id
// get a temporary one, which is also returned as tempID.
func (o *OfflineManager) entityFor(ctx context.Context, rt route, kind MutationKind, payload Record) (entityID, tempID string) {
	if o.isSingleton(rt.collection) {
		return o.storeKey(), ""
	}
	switch kind {
	case KindCreate:
		if payload == nil {
			return "", ""
		}
		if id := payload.ID(); id != "" {
			return id, ""
		}
		tempID = o.newTempID(ctx)
		return tempID, tempID
	case KindUpdate:
		if id := payload.ID(); id != "" {
			return id, ""
		}
		return rt.entityID, ""
	case KindDelete:
		return rt.entityID, ""
	}
	return "", ""
}

// applyOptimistic writes the expected effect of a queued write into the
// cache. It is best effort: failures are logged and never stop the mutation
// from being queued. The returned undo restores the previous cache state.
func (o *OfflineManager) applyOptimistic(ctx context.Context, collection string, kind MutationKind, id string, payload Record) (undo func()) {
	if id == "" {
		return nil
	}

	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()

	prev, err := o.storage.Get(ctx, collection, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		o.bestEffort("optimistic read", err)
		return nil
	}

	var next Record
	switch kind {
	case KindCreate:
		if payload == nil {
			return nil
		}
		next = payload.Merge(Record{FlagPending: true})
		if _, ok := next["id"]; !ok || next.ID() == "" {
			next["id"] = id
		}

	case KindUpdate:
		base := prev
		if base == nil {
			base = Record{"id": id}
		}
		next = base.Merge(payload).Merge(Record{FlagPending: true})

	case KindDelete:
		if prev == nil {
			return nil
		}
		next = prev.Merge(Record{FlagDeleted: true, FlagPending: true})
	}

	if next == nil {
		return nil
	}
	if err := o.storage.Put(ctx, collection, id, next); err != nil {
		o.bestEffort("optimistic write", err)
		return nil
	}

	return func() {
		o.cacheMu.Lock()
		defer o.cacheMu.Unlock()
		if prev == nil {
			o.bestEffort("optimistic undo", o.storage.DeleteByID(context.WithoutCancel(ctx), collection, id))
			return
		}
		o.bestEffort("optimistic undo", o.storage.Put(context.WithoutCancel(ctx), collection, id, prev))
	}
}
