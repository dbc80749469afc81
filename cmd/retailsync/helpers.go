package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/LuminPulse-AI/retailsync"
)

// newLogger writes to stderr so command output stays pipeable.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// resolveDataDir returns the configured data directory, defaulting to
// ~/.retailsync/data.
func resolveDataDir(cfg *Config) (string, error) {
	if cfg.Default.DataDir != "" {
		return cfg.Default.DataDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// openStorage opens the local store selected in the config.
func openStorage(cfg *Config, logger *slog.Logger) (retailsync.Storage, error) {
	dataDir, err := resolveDataDir(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Default.Backend {
	case "", "badger":
		return retailsync.NewBadgerStorage(filepath.Join(dataDir, "badger"))
	case "sqlite":
		return retailsync.NewSQLiteStorage(filepath.Join(dataDir, "cache.db"))
	case "memory":
		logger.Warn("memory backend selected; the offline queue does not survive this command")
		return retailsync.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (valid: badger, sqlite, memory)", cfg.Default.Backend)
	}
}

// probeFor picks the connectivity probe for url: ws(s) URLs dial the
// realtime endpoint, anything else gets a HEAD request.
func probeFor(url string, token retailsync.TokenProvider) retailsync.Probe {
	if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") {
		return &retailsync.WebSocketProbe{URL: url, Token: token}
	}
	return &retailsync.HTTPProbe{URL: url}
}

// session bundles everything a command needs to talk to the API.
type session struct {
	cfg     *Config
	api     *retailsync.OfflineManager
	client  *retailsync.Client
	monitor *retailsync.NetworkMonitor
	store   retailsync.Storage
	logger  *slog.Logger
}

// openSession loads the config, opens the local store and decides the
// initial connectivity: --offline forces it, a configured probe_url is
// checked once, otherwise the network is assumed and transport failures fall
// back to the queue.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger()

	store, err := openStorage(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	token := retailsync.SessionTokenProvider(store)
	client := retailsync.NewClient(
		retailsync.WithBaseURL(retailsync.ResolveBaseURL(cfg.Default.BaseURL)),
		retailsync.WithTokenProvider(token),
		retailsync.WithClientLogger(logger),
	)

	monitor := retailsync.NewNetworkMonitor(logger)
	switch {
	case forceOffline:
		monitor.SetOnline(false)
	case cfg.Default.ProbeURL != "":
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := probeFor(cfg.Default.ProbeURL, token).Probe(pctx)
		cancel()
		if err != nil {
			logger.Info("API unreachable, working offline", "probe", cfg.Default.ProbeURL, "error", err)
			monitor.SetOnline(false)
		}
	}

	storeID := cfg.Default.StoreID
	api := retailsync.NewOfflineManager(store, client, monitor,
		retailsync.WithLogger(logger),
		retailsync.WithStoreID(func() string { return storeID }),
	)

	return &session{
		cfg:     cfg,
		api:     api,
		client:  client,
		monitor: monitor,
		store:   store,
		logger:  logger,
	}, nil
}

// Close flushes background cache writes and closes the local store.
func (s *session) Close() {
	if err := s.api.Close(); err != nil {
		s.logger.Warn("failed to close local store", "error", err)
	}
}

// printJSON pretty-prints a raw API result.
func printJSON(data json.RawMessage) error {
	if len(data) == 0 {
		fmt.Println("(no content)")
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// maskToken shows the first 6 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return strings.Repeat("*", len(token))
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
