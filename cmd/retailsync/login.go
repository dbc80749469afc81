package main

import (
	"context"
	"fmt"
	"time"

	"github.com/LuminPulse-AI/retailsync"
	"github.com/spf13/cobra"
)

var (
	loginUsername string
	loginExpires  string
)

func init() {
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "Username the token belongs to")
	loginCmd.Flags().StringVar(&loginExpires, "expires", "", "Token expiry (RFC 3339)")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Persist a bearer token in the local session store",
	Long: "Store the bearer token where the SDK reads it for every request, including\n" +
		"queued writes replayed later.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginExpires != "" {
			if _, err := time.Parse(time.RFC3339, loginExpires); err != nil {
				return fmt.Errorf("invalid --expires: %w", err)
			}
		}
		return withSession(func(ctx context.Context, s *session) error {
			extra := retailsync.Record{}
			if loginUsername != "" {
				extra["username"] = loginUsername
			}
			if err := retailsync.SaveSession(ctx, s.store, args[0], extra); err != nil {
				return fmt.Errorf("failed to save session: %w", err)
			}

			s.cfg.Auth.Username = loginUsername
			s.cfg.Auth.TokenExpires = loginExpires
			if err := saveConfig(s.cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Printf("Logged in with token %s\n", maskToken(args[0]))
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the persisted session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			if err := retailsync.ClearSession(ctx, s.store); err != nil {
				return fmt.Errorf("failed to clear session: %w", err)
			}
			s.cfg.Auth = ConfigAuth{}
			if err := saveConfig(s.cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Println("Logged out.")
			return nil
		})
	},
}
