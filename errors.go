package retailsync

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by storage lookups for a missing key.
	ErrNotFound = errors.New("retailsync: not found")
	// ErrOffline is returned for writes that cannot be queued, because they
	// opted out or their path is not in the routing table, while there is
	// no connectivity.
	ErrOffline = errors.New("retailsync: no network connectivity")
	// ErrStorageClosed is returned by storage calls after Close.
	ErrStorageClosed = errors.New("retailsync: storage is closed")
	// ErrNoCache is returned by reads that could not reach the network and
	// found nothing cached.
	ErrNoCache = errors.New("retailsync: no cached data available")
)

// ServerError is a non-2xx response from the API.
type ServerError struct {
	Status  int
	Message string
	// Body is the parsed JSON body, or the raw text when it was not JSON.
	Body any
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// TransportError is a request that never produced an HTTP response: DNS
// failures, refused connections, dropped sockets.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err originated below the HTTP layer.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsServer reports whether err is an HTTP error response and returns it.
func IsServer(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
