package main

import (
	"fmt"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&showSecrets, "secrets", false, "print the API key and token unmasked")
}

var showSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chat configuration",
	Long:  "View or modify the chat CLI configuration stored in ~/.chat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if *cfg == (Config{}) {
			fmt.Fprintln(cmd.OutOrStdout(), "No configuration found. Run 'chat init <api-key>' to create one.")
			return nil
		}
		if !showSecrets {
			cfg.Default.APIKey = maskKey(cfg.Default.APIKey)
			cfg.Auth.Token = maskKey(cfg.Auth.Token)
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chat config set default.base_url https://chat.example.com",
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

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s\n", key)
		return nil
	},
}
