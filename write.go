package retailsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Post creates a resource. Offline, or when the request cannot reach the
// server, the create is applied to the cache under a temporary id, queued,
// and an echo of body with "offline": true is returned. Paths missing from
// the routing table are never queued; offline they fail with ErrOffline.
func (o *OfflineManager) Post(ctx context.Context, path string, body any, opts *WriteOptions) (json.RawMessage, error) {
	return o.write(ctx, http.MethodPost, path, body, nil, opts)
}

// Put replaces a resource; see Post for the offline behaviour.
func (o *OfflineManager) Put(ctx context.Context, path string, body any, opts *WriteOptions) (json.RawMessage, error) {
	return o.write(ctx, http.MethodPut, path, body, nil, opts)
}

// Patch updates part of a resource; see Post for the offline behaviour.
func (o *OfflineManager) Patch(ctx context.Context, path string, body any, opts *WriteOptions) (json.RawMessage, error) {
	return o.write(ctx, http.MethodPatch, path, body, nil, opts)
}

// Delete removes a resource. Offline, the cached record becomes a tombstone
// until the queued delete replays.
func (o *OfflineManager) Delete(ctx context.Context, path string, opts *WriteOptions) (json.RawMessage, error) {
	return o.write(ctx, http.MethodDelete, path, nil, nil, opts)
}

// PostForm is Post with a multipart body.
func (o *OfflineManager) PostForm(ctx context.Context, path string, form *FormData, opts *WriteOptions) (json.RawMessage, error) {
	return o.write(ctx, http.MethodPost, path, nil, form, opts)
}

// PutForm is Put with a multipart body.
func (o *OfflineManager) PutForm(ctx context.Context, path string, form *FormData, opts *WriteOptions) (json.RawMessage, error) {
	return o.write(ctx, http.MethodPut, path, nil, form, opts)
}

// PatchForm is Patch with a multipart body.
func (o *OfflineManager) PatchForm(ctx context.Context, path string, form *FormData, opts *WriteOptions) (json.RawMessage, error) {
	return o.write(ctx, http.MethodPatch, path, nil, form, opts)
}

func (o *OfflineManager) write(ctx context.Context, method, path string, body any, form *FormData, opts *WriteOptions) (json.RawMessage, error) {
	if opts == nil {
		opts = &WriteOptions{}
	}
	req, err := buildRequest(method, path, body, form, opts.Headers)
	if err != nil {
		return nil, err
	}

	// Only paths known to the routing table take part in offline queueing.
	rt := o.resolve(path, opts.Collection)
	queueable := rt.collection != "" && !opts.SkipQueue

	if !o.conn.IsOnline() {
		if !queueable {
			return nil, fmt.Errorf("%s %s: %w", method, path, ErrOffline)
		}
		return o.queueOffline(ctx, req, rt)
	}

	data, err := o.client.Execute(ctx, req)
	if err != nil {
		if IsTransport(err) && queueable {
			o.logger.Warn("request failed in transit, queueing for replay",
				"method", method, "path", path, "error", err)
			return o.queueOffline(ctx, req, rt)
		}
		return nil, err
	}
	return data, nil
}

func buildRequest(method, path string, body any, form *FormData, headers map[string]string) (*Request, error) {
	req := &Request{Method: method, Path: path}
	if len(headers) > 0 {
		req.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			req.Headers[k] = v
		}
	}
	if form != nil {
		req.Form = &FormData{Fields: append([]FormField(nil), form.Fields...)}
		return req, nil
	}
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		req.Body = append(json.RawMessage(nil), b...)
	case []byte:
		req.Body = append(json.RawMessage(nil), b...)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		req.Body = data
	}
	return req, nil
}

// payloadRecord returns the request body as a record when it is a JSON object
// or a form, nil otherwise.
func payloadRecord(req *Request) Record {
	if req.Form != nil {
		return req.Form.Values()
	}
	if len(req.Body) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(req.Body, &obj); err != nil || obj == nil {
		return nil
	}
	return Record(obj)
}

// persistedHeaders drops credentials; they are re-derived at replay time.
func persistedHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if http.CanonicalHeaderKey(k) == "Authorization" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// queueOffline applies the optimistic cache update, durably enqueues the
// mutation and returns the offline echo. Only a failure to enqueue is
// returned to the caller. Writes to nested paths are queued without touching
// the cache.
func (o *OfflineManager) queueOffline(ctx context.Context, req *Request, rt route) (json.RawMessage, error) {
	kind, err := kindForMethod(req.Method)
	if err != nil {
		return nil, err
	}
	payload := payloadRecord(req)

	m := &Mutation{
		Kind: kind,
		Path: req.Path,
		Request: Request{
			Method:  req.Method,
			Path:    req.Path,
			Headers: persistedHeaders(req.Headers),
			Body:    req.Body,
			Form:    req.Form,
		},
		Status: StatusQueued,
	}

	var undo func()
	if rt.cached() {
		m.Collection = rt.collection
		m.EntityID, m.TempID = o.entityFor(ctx, rt, kind, payload)
		undo = o.applyOptimistic(ctx, rt.collection, kind, m.EntityID, payload)
	}

	m.Timestamp = o.nextTimestamp(ctx)
	if _, err := o.storage.Enqueue(ctx, m); err != nil {
		if undo != nil {
			undo()
		}
		return nil, fmt.Errorf("failed to queue %s %s: %w", req.Method, req.Path, err)
	}

	o.metrics.queued(kind)
	o.logger.Debug("mutation queued", "id", m.ID, "method", req.Method, "path", req.Path, "tempId", m.TempID)
	o.emit(EventMutationQueued, m.clone())

	return offlineEcho(req, payload, m.TempID)
}

// offlineEcho is the submitted body plus "offline": true, and the temporary
// id when one was assigned.
func offlineEcho(req *Request, payload Record, tempID string) (json.RawMessage, error) {
	var echo Record
	switch {
	case payload != nil:
		echo = payload.Clone()
	case len(req.Body) > 0:
		echo = Record{"data": json.RawMessage(req.Body)}
	default:
		echo = Record{}
	}
	if tempID != "" {
		echo["id"] = tempID
	}
	echo["offline"] = true
	data, err := json.Marshal(echo)
	if err != nil {
		return nil, fmt.Errorf("failed to encode offline echo: %w", err)
	}
	return data, nil
}
