package retailsync

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ============================================================================
// Cached Records
// ============================================================================

// Transient flags carried by optimistically written records. They are never
// sent to the server.
const (
	FlagPending = "_pending"
	FlagDeleted = "_deleted"
)

// Record is a JSON object cached in a local collection, keyed by its "id".
type Record map[string]any

// ID returns the record's id as a string. Numeric ids are formatted without
// an exponent so that 42 and "42" address the same cache entry.
func (r Record) ID() string {
	return idString(r["id"])
}

// Pending reports whether the record is awaiting server confirmation.
func (r Record) Pending() bool {
	v, _ := r[FlagPending].(bool)
	return v
}

// Deleted reports whether the record is a tombstone.
func (r Record) Deleted() bool {
	v, _ := r[FlagDeleted].(bool)
	return v
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with every field of update written over it.
// Fields absent from update are retained (field-level last writer wins).
func (r Record) Merge(update Record) Record {
	out := r.Clone()
	for k, v := range update {
		out[k] = v
	}
	return out
}

// withoutFlags returns a copy with the transient flags removed.
func (r Record) withoutFlags() Record {
	out := r.Clone()
	delete(out, FlagPending)
	delete(out, FlagDeleted)
	return out
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		return fmt.Sprint(id)
	}
}

// ============================================================================
// Requests
// ============================================================================

// FormFile is a file part of a multipart form.
type FormFile struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data"`
}

// FormField is one part of a multipart form: a plain value or a file.
type FormField struct {
	Name  string    `json:"name"`
	Value string    `json:"value,omitempty"`
	File  *FormFile `json:"file,omitempty"`
}

// FormData is a serializable multipart form descriptor. It survives being
// queued and is rebuilt into a live multipart body at send time.
type FormData struct {
	Fields []FormField `json:"fields"`
}

// Add appends a plain value.
func (f *FormData) Add(name, value string) *FormData {
	f.Fields = append(f.Fields, FormField{Name: name, Value: value})
	return f
}

// AddFile appends a file part.
func (f *FormData) AddFile(name, fileName, contentType string, data []byte) *FormData {
	f.Fields = append(f.Fields, FormField{
		Name: name,
		File: &FormFile{FileName: fileName, ContentType: contentType, Data: data},
	})
	return f
}

// Values returns the plain (non-file) fields as a record. Later fields with
// the same name win.
func (f *FormData) Values() Record {
	out := Record{}
	if f == nil {
		return out
	}
	for _, field := range f.Fields {
		if field.File == nil {
			out[field.Name] = field.Value
		}
	}
	return out
}

// Request describes a single call against the remote API. Body holds a JSON
// payload; Form, when set, takes precedence and is sent as multipart.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Form    *FormData         `json:"form,omitempty"`
}

// ============================================================================
// Queued Mutations
// ============================================================================

// MutationKind tags the shape of a queued write.
type MutationKind string

const (
	KindCreate MutationKind = "create"
	KindUpdate MutationKind = "update"
	KindDelete MutationKind = "delete"
)

// kindForMethod maps an HTTP method onto a mutation kind.
func kindForMethod(method string) (MutationKind, error) {
	switch method {
	case "POST":
		return KindCreate, nil
	case "PUT", "PATCH":
		return KindUpdate, nil
	case "DELETE":
		return KindDelete, nil
	default:
		return "", fmt.Errorf("method %s is not a write", method)
	}
}

// MutationStatus is the replay state of a queued mutation.
type MutationStatus string

const (
	StatusQueued  MutationStatus = "queued"
	StatusSyncing MutationStatus = "syncing"
	StatusFailed  MutationStatus = "failed"
)

// Mutation is a durably queued write awaiting replay. ID is assigned by the
// storage backend on Enqueue. EntityID is the cache key the mutation touched
// optimistically. ClaimedAt is set when the mutation enters StatusSyncing.
type Mutation struct {
	ID         uint64         `json:"id"`
	Kind       MutationKind   `json:"kind"`
	Path       string         `json:"path"`
	Collection string         `json:"collection,omitempty"`
	Request    Request        `json:"request"`
	EntityID   string         `json:"entityId,omitempty"`
	TempID     string         `json:"tempId,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	Status     MutationStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	ClaimedAt  int64          `json:"claimedAt,omitempty"`
}

func (m *Mutation) clone() *Mutation {
	if m == nil {
		return nil
	}
	c := *m
	if m.Request.Headers != nil {
		c.Request.Headers = make(map[string]string, len(m.Request.Headers))
		for k, v := range m.Request.Headers {
			c.Request.Headers[k] = v
		}
	}
	if m.Request.Body != nil {
		c.Request.Body = append(json.RawMessage(nil), m.Request.Body...)
	}
	if m.Request.Form != nil {
		form := FormData{Fields: append([]FormField(nil), m.Request.Form.Fields...)}
		c.Request.Form = &form
	}
	return &c
}

// SyncResult tallies one replay pass.
type SyncResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ============================================================================
// Options
// ============================================================================

// ReadOptions tunes a single Get.
type ReadOptions struct {
	// Collection overrides the routing table lookup.
	Collection string
	Headers    map[string]string
}

// WriteOptions tunes a single write.
type WriteOptions struct {
	// Collection overrides the routing table lookup.
	Collection string
	// SkipQueue makes the write fail instead of queueing when offline.
	SkipQueue bool
	Headers   map[string]string
}

// Decode unmarshals a JSON result into T.
func Decode[T any](data json.RawMessage) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
