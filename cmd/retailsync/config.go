package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/LuminPulse-AI/retailsync"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the TOML file as stored")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage retailsync configuration",
	Long:  "View or modify the retailsync CLI configuration stored in ~/.retailsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the settings commands will use, with defaults filled in: the resolved API base URL,\n" +
		"the local store engine and where its files live.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'retailsync init <base-url>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		dataDir, err := resolveDataDir(cfg)
		if err != nil {
			return err
		}
		fmt.Print(describeConfig(cfg, path, dataDir))
		return nil
	},
}

// describeConfig renders cfg as the settings a command would run with.
func describeConfig(cfg *Config, path, dataDir string) string {
	var b strings.Builder
	source := path
	if _, err := os.Stat(path); err != nil {
		source = path + " (not found, using defaults)"
	}
	fmt.Fprintf(&b, "File:        %s\n", source)

	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "API:")
	fmt.Fprintf(&b, "  Base URL:    %s\n", retailsync.ResolveBaseURL(cfg.Default.BaseURL))
	fmt.Fprintf(&b, "  Store:       %s\n", valueOrDefault(cfg.Default.StoreID, "(default)"))
	fmt.Fprintf(&b, "  Probe URL:   %s\n", valueOrDefault(cfg.Default.ProbeURL, "(none, assume online)"))

	backend := valueOrDefault(cfg.Default.Backend, "badger")
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "Local store:")
	fmt.Fprintf(&b, "  Backend:     %s\n", backend)
	switch backend {
	case "badger":
		fmt.Fprintf(&b, "  Location:    %s\n", filepath.Join(dataDir, "badger"))
	case "sqlite":
		fmt.Fprintf(&b, "  Location:    %s\n", filepath.Join(dataDir, "cache.db"))
	default:
		fmt.Fprintln(&b, "  Location:    (in memory, discarded on exit)")
	}

	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "Auth:")
	fmt.Fprintf(&b, "  Username:    %s\n", valueOrDefault(cfg.Auth.Username, "(not logged in)"))
	fmt.Fprintf(&b, "  Expires:     %s\n", valueOrDefault(cfg.Auth.TokenExpires, "(none)"))
	return b.String()
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: retailsync config set default.store_id store-7",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
