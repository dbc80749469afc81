package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/LuminPulse-AI/retailsync"
	"github.com/spf13/cobra"
)

var (
	syncJSON bool

	queueListJSON  bool
	queueOlderThan time.Duration
)

func init() {
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(syncCmd)

	queueListCmd.Flags().BoolVar(&queueListJSON, "json", false, "Output raw JSON")
	queueResetCmd.Flags().DurationVar(&queueOlderThan, "older-than", 5*time.Minute, "Only reset claims older than this")
	queueCmd.AddCommand(queueListCmd, queueDiscardCmd, queueResetCmd)
	rootCmd.AddCommand(queueCmd)
}

// ============================================================================
// sync
// ============================================================================

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued offline writes against the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			if !s.api.IsOnline() {
				return fmt.Errorf("API unreachable; nothing replayed")
			}
			s.api.On(retailsync.EventMutationFailed, func(_ string, payload any) {
				if m, ok := payload.(*retailsync.Mutation); ok {
					fmt.Printf("  failed  #%d %s %s: %s\n", m.ID, m.Request.Method, m.Path, m.Error)
				}
			})
			s.api.On(retailsync.EventMutationSynced, func(_ string, payload any) {
				if m, ok := payload.(*retailsync.Mutation); ok && !syncJSON {
					fmt.Printf("  synced  #%d %s %s\n", m.ID, m.Request.Method, m.Path)
				}
			})

			res, err := s.api.SyncOfflineMutations(ctx)
			if err != nil {
				return err
			}
			if syncJSON {
				out, _ := json.MarshalIndent(res, "", "  ")
				fmt.Println(string(out))
				return nil
			}
			fmt.Printf("Succeeded: %d\n", res.Succeeded)
			fmt.Printf("Failed:    %d\n", res.Failed)
			return nil
		})
	},
}

// ============================================================================
// queue
// ============================================================================

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline write queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			ms, err := s.api.Mutations(ctx)
			if err != nil {
				return err
			}
			if queueListJSON {
				out, _ := json.MarshalIndent(ms, "", "  ")
				fmt.Println(string(out))
				return nil
			}
			if len(ms) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for _, m := range ms {
				queued := time.UnixMilli(m.Timestamp).Format(time.RFC3339)
				fmt.Printf("#%-4d %-8s %-6s %-30s %s", m.ID, m.Status, m.Request.Method, m.Path, queued)
				if m.TempID != "" {
					fmt.Printf("  temp=%s", m.TempID)
				}
				if m.Error != "" {
					fmt.Printf("\n      last error (%d attempts): %s", m.Attempts, m.Error)
				}
				fmt.Println()
			}
			return nil
		})
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Abandon a queued write and roll back its cached change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid mutation id %q", args[0])
		}
		return withSession(func(ctx context.Context, s *session) error {
			if err := s.api.DiscardMutation(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Discarded #%d\n", id)
			return nil
		})
	},
}

var queueResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Return writes stuck in syncing to the queue",
	Long: "A replay that crashed leaves its mutation marked syncing. Reset returns such\n" +
		"mutations to queued so the next sync retries them. The API may already have\n" +
		"applied them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			n, err := s.api.ResetStalled(ctx, queueOlderThan)
			if err != nil {
				return err
			}
			fmt.Printf("Reset %d mutation(s)\n", n)
			return nil
		})
	},
}
