package retailsync

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

// Probe checks whether the API is reachable.
type Probe interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProbe issues a HEAD request. Any HTTP response, whatever its status,
// proves the network path works.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProbe) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return &TransportError{Op: http.MethodHead, URL: p.URL, Err: err}
	}
	resp.Body.Close()
	return nil
}

// WebSocketProbe dials the API's realtime endpoint and closes immediately.
// It suits deployments where the HTTP edge answers from a CDN even when the
// backend is unreachable.
type WebSocketProbe struct {
	// URL may use http(s) or ws(s); http schemes are rewritten.
	URL   string
	Token TokenProvider
}

func (p *WebSocketProbe) Probe(ctx context.Context) error {
	wsURL := strings.Replace(p.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	var opts *websocket.DialOptions
	if p.Token != nil {
		token, err := p.Token(ctx)
		if err == nil && token != "" {
			opts = &websocket.DialOptions{
				HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
			}
		}
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		// An HTTP refusal of the upgrade still means the server answered.
		if resp != nil {
			return nil
		}
		return &TransportError{Op: "DIAL", URL: wsURL, Err: err}
	}
	conn.Close(websocket.StatusNormalClosure, "probe")
	return nil
}
