// Package retailsync provides the offline-first data access layer for the
// retail POS API.
//
// Reads are served from a local cache when the network is unavailable, writes
// are applied optimistically to that cache and queued durably, and the queue
// is replayed against the API once connectivity returns.
//
// Example:
//
//	client := retailsync.NewClient(
//		retailsync.WithBaseURL(retailsync.ResolveBaseURL("")),
//		retailsync.WithTokenProvider(retailsync.SessionTokenProvider(storage)),
//	)
//	api := retailsync.NewOfflineManager(storage, client, monitor)
//
//	products, _ := api.Get(ctx, "/products", nil)
//	created, _ := api.Post(ctx, "/products", map[string]any{"name": "Widget"}, nil)
//	res, _ := api.SyncOfflineMutations(ctx)
package retailsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"
)

// ============================================================================
// Base URL
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second

	apiSuffix = "/api"

	// BaseURLEnv is the runtime override consulted by ResolveBaseURL.
	BaseURLEnv = "RETAILSYNC_API_URL"
)

// BuildBaseURL is the build-time configured API location, set with
// -ldflags "-X github.com/LuminPulse-AI/retailsync.BuildBaseURL=https://...".
var BuildBaseURL string

// ResolveBaseURL assembles the API base URL. Priority: the explicit override,
// the RETAILSYNC_API_URL environment variable, BuildBaseURL, then the
// localhost development default. The result always ends in "/api".
func ResolveBaseURL(override string) string {
	base := override
	if base == "" {
		base = os.Getenv(BaseURLEnv)
	}
	if base == "" {
		base = BuildBaseURL
	}
	if base == "" {
		base = DefaultBaseURL
	}
	return normalizeBaseURL(base)
}

func normalizeBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if !strings.HasSuffix(base, apiSuffix) {
		base += apiSuffix
	}
	return base
}

// AssetURL turns a server-relative asset path into an absolute URL against
// the non-/api root of baseURL. Absolute URLs and data URIs pass through.
func AssetURL(baseURL, path string) string {
	if path == "" {
		return ""
	}
	lower := strings.ToLower(path)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "blob:") {
		return path
	}
	root := strings.TrimSuffix(strings.TrimRight(baseURL, "/"), apiSuffix)
	return root + "/" + strings.TrimLeft(path, "/")
}

// ============================================================================
// Client
// ============================================================================

// Client is the request executor: the only component that talks to the wire.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenProvider
	logger     *slog.Logger
}

type ClientOption func(*Client)

// WithBaseURL sets the API base URL. It is normalized to end in "/api".
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = normalizeBaseURL(url) }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenProvider sets the source of the bearer token. It is consulted on
// every request, so replayed mutations pick up a refreshed session.
func WithTokenProvider(p TokenProvider) ClientOption {
	return func(c *Client) { c.token = p }
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a request executor. Without WithBaseURL it uses
// ResolveBaseURL("").
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: ResolveBaseURL(""),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// AssetURL resolves an asset path against this client's base URL.
func (c *Client) AssetURL(path string) string { return AssetURL(c.baseURL, path) }

// Execute performs one HTTP call. A non-2xx response yields *ServerError; a
// call that produced no response yields *TransportError. A JSON response body
// is returned as-is; other content types return nil.
func (c *Client) Execute(ctx context.Context, r *Request) (json.RawMessage, error) {
	u := c.baseURL + "/" + strings.TrimLeft(r.Path, "/")

	bodyReader, contentType, err := encodeBody(r)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			c.logger.Warn("token lookup failed, sending unauthenticated", "error", err)
		} else if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Op: r.Method, URL: u, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: r.Method, URL: u, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newServerError(resp.StatusCode, data)
	}

	if !isJSON(resp.Header.Get("Content-Type")) || len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("failed to unmarshal response: invalid JSON from %s %s", r.Method, r.Path)
	}
	return json.RawMessage(data), nil
}

func newServerError(status int, data []byte) *ServerError {
	text := strings.TrimSpace(string(data))
	se := &ServerError{Status: status}

	var parsed any
	if text != "" && json.Unmarshal(data, &parsed) == nil {
		se.Body = parsed
		if obj, ok := parsed.(map[string]any); ok {
			if msg, ok := obj["message"].(string); ok && msg != "" {
				se.Message = msg
			}
		}
	} else if text != "" {
		se.Body = text
	}

	if se.Message == "" {
		if text != "" {
			se.Message = text
		} else {
			se.Message = fmt.Sprintf("Request failed with status %d", status)
		}
	}
	return se
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// encodeBody returns the body reader and the Content-Type it needs. JSON is
// the default; a form is rebuilt into multipart with its own boundary.
func encodeBody(r *Request) (io.Reader, string, error) {
	if r.Form != nil {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for _, f := range r.Form.Fields {
			if f.File == nil {
				if err := w.WriteField(f.Name, f.Value); err != nil {
					return nil, "", fmt.Errorf("failed to write form field %q: %w", f.Name, err)
				}
				continue
			}
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
				escapeQuotes(f.Name), escapeQuotes(f.File.FileName)))
			ct := f.File.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			h.Set("Content-Type", ct)
			part, err := w.CreatePart(h)
			if err != nil {
				return nil, "", fmt.Errorf("failed to create form file %q: %w", f.Name, err)
			}
			if _, err := part.Write(f.File.Data); err != nil {
				return nil, "", fmt.Errorf("failed to write form file %q: %w", f.Name, err)
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to close form: %w", err)
		}
		return &buf, w.FormDataContentType(), nil
	}
	if len(r.Body) > 0 {
		return bytes.NewReader(r.Body), "application/json", nil
	}
	return nil, "application/json", nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
