package main

import (
	"fmt"
	"path/filepath"

	"github.com/LuminPulse-AI/retailsync"
	"github.com/spf13/cobra"
)

var (
	initStoreID string
	initBackend string
)

func init() {
	initCmd.Flags().StringVar(&initStoreID, "store", "", "Active store id for per-store settings")
	initCmd.Flags().StringVar(&initBackend, "backend", "badger", "Local store engine: badger, sqlite or memory")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the API location in ~/.retailsync/config.toml",
	Long: "Initialize the retailsync CLI by storing the API base URL and local cache settings.\n" +
		"The URL is normalized to end in /api.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = retailsync.ResolveBaseURL(args[0])
		if err := setConfigValue(cfg, "default.backend", initBackend); err != nil {
			return err
		}
		if initStoreID != "" {
			cfg.Default.StoreID = initStoreID
		}
		if cfg.Default.DataDir == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cfg.Default.DataDir = filepath.Join(dir, "data")
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("API base URL %s saved to %s\n", cfg.Default.BaseURL, path)
		return nil
	},
}
