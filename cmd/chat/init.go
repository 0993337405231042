package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST base URL (default: hosted API)")
}

var initBaseURL string

var initCmd = &cobra.Command{
	Use:   "init <api-key>",
	Short: "Store API key in ~/.chat/config.toml",
	Long:  "Initialize the chat CLI by storing your API key in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if cfg.Default.APIKey != "" && cfg.Default.APIKey != args[0] {
			// A new app invalidates the stored login.
			cfg.Auth = ConfigAuth{}
		}
		cfg.Default.APIKey = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "API key saved to %s\n", path)
		return nil
	},
}
