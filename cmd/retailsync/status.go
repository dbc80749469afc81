package main

import (
	"context"
	"fmt"
	"time"

	"github.com/LuminPulse-AI/retailsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, session, connectivity and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			cfg := s.cfg

			// Print config summary.
			fmt.Println("Configuration:")
			fmt.Printf("  Base URL:    %s\n", s.client.BaseURL())
			fmt.Printf("  Assets:      %s\n", s.client.AssetURL("/"))
			fmt.Printf("  Store:       %s\n", valueOrDefault(cfg.Default.StoreID, "(default)"))
			fmt.Printf("  Backend:     %s\n", valueOrDefault(cfg.Default.Backend, "badger"))
			fmt.Printf("  Data dir:    %s\n", valueOrDefault(cfg.Default.DataDir, "(default)"))

			fmt.Println()
			fmt.Println("Auth:")
			fmt.Printf("  Username:    %s\n", valueOrDefault(cfg.Auth.Username, "(unknown)"))

			// Check token expiry.
			token, err := retailsync.SessionTokenProvider(s.store)(ctx)
			if err != nil {
				return fmt.Errorf("failed to read session: %w", err)
			}
			tokenStatus := "none"
			if token != "" {
				tokenStatus = "present (no expiry set)"
				if cfg.Auth.TokenExpires != "" {
					expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
					switch {
					case err != nil:
						tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.TokenExpires)
					case time.Now().Before(expires):
						tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
					default:
						tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
					}
				}
				tokenStatus = maskToken(token) + ", " + tokenStatus
			}
			fmt.Printf("  Token:       %s\n", tokenStatus)

			fmt.Println()
			fmt.Println("Connectivity:")
			switch {
			case forceOffline:
				fmt.Println("  Network:     offline (forced)")
			case cfg.Default.ProbeURL == "":
				fmt.Println("  Network:     unknown (set default.probe_url to check)")
			case s.api.IsOnline():
				fmt.Printf("  Network:     online (%s)\n", cfg.Default.ProbeURL)
			default:
				fmt.Printf("  Network:     offline (%s unreachable)\n", cfg.Default.ProbeURL)
			}

			ms, err := s.api.Mutations(ctx)
			if err != nil {
				return fmt.Errorf("failed to read queue: %w", err)
			}
			counts := map[retailsync.MutationStatus]int{}
			for _, m := range ms {
				counts[m.Status]++
			}
			fmt.Println()
			fmt.Println("Offline queue:")
			fmt.Printf("  Queued:      %d\n", counts[retailsync.StatusQueued])
			fmt.Printf("  Failed:      %d\n", counts[retailsync.StatusFailed])
			fmt.Printf("  Syncing:     %d\n", counts[retailsync.StatusSyncing])
			return nil
		})
	},
}
