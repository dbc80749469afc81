package retailsync

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Connectivity is the network status oracle.
type Connectivity interface {
	IsOnline() bool
	// Subscribe registers fn for status transitions and returns a func that
	// removes it.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// alwaysOnline is used when no oracle is configured: without a way to observe
// the network, assume it is there rather than disable every call.
type alwaysOnline struct{}

func (alwaysOnline) IsOnline() bool { return true }
func (alwaysOnline) Subscribe(func(bool)) func() { return func() {} }

// ============================================================================
// Event Emitter
// ============================================================================

// EventHandler handles SDK events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[string]map[int]EventHandler
}

// On registers handler for event and returns a func that removes it.
func (e *emitter) On(event string, handler EventHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.listeners == nil {
		e.listeners = make(map[string]map[int]EventHandler)
	}
	if e.listeners[event] == nil {
		e.listeners[event] = make(map[int]EventHandler)
	}
	e.listeners[event][id] = handler
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners[event], id)
	}
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := make([]EventHandler, 0, len(e.listeners[event]))
	for _, h := range e.listeners[event] {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
}

// ============================================================================
// NetworkMonitor
// ============================================================================

const (
	EventNetworkOnline  = "network.online"
	EventNetworkOffline = "network.offline"
	// EventNetworkStatus fires on every transition with the new bool status.
	EventNetworkStatus = "network.status"
)

// NetworkMonitor is a Connectivity driven either by SetOnline or by Run with
// a Probe.
type NetworkMonitor struct {
	emitter
	mu     sync.Mutex
	online bool
	logger *slog.Logger
}

var _ Connectivity = (*NetworkMonitor)(nil)

// NewNetworkMonitor returns a monitor that starts online.
func NewNetworkMonitor(logger *slog.Logger) *NetworkMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkMonitor{online: true, logger: logger}
}

// IsOnline returns current network state.
func (n *NetworkMonitor) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

// SetOnline updates network state and notifies subscribers on a transition.
func (n *NetworkMonitor) SetOnline(online bool) {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return
	}
	n.online = online
	n.mu.Unlock()

	n.logger.Info("network status changed", "online", online)
	if online {
		n.emit(EventNetworkOnline, nil)
	} else {
		n.emit(EventNetworkOffline, nil)
	}
	n.emit(EventNetworkStatus, online)
}

func (n *NetworkMonitor) Subscribe(fn func(online bool)) func() {
	return n.On(EventNetworkStatus, func(_ string, payload any) {
		online, _ := payload.(bool)
		fn(online)
	})
}

// MonitorConfig tunes Run.
type MonitorConfig struct {
	// Interval between probes while online.
	Interval time.Duration
	// BaseDelay and MaxDelay bound the backoff between probes while offline.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
}

func (c *MonitorConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = 15 * time.Second
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
}

// Run probes until ctx is done, flipping the status on each result.
func (n *NetworkMonitor) Run(ctx context.Context, probe Probe, cfg MonitorConfig) {
	cfg.defaults()
	b := &backoff{baseDelay: cfg.BaseDelay, maxDelay: cfg.MaxDelay}
	for {
		pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := probe.Probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		wait := cfg.Interval
		if err != nil {
			n.logger.Debug("connectivity probe failed", "error", err)
			n.SetOnline(false)
			wait = b.nextDelay()
		} else {
			n.SetOnline(true)
			b.reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// backoff is exponential with jitter, capped at maxDelay.
type backoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	attempt   int
}

func (b *backoff) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(b.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.baseDelay)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.maxDelay),
	))
	b.attempt++
	return delay
}

func (b *backoff) reset() {
	b.attempt = 0
}
