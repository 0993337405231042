package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	chat "github.com/streamline-chat/chat-sdk-go"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginToken, "token", "", "user JWT issued by your backend")
	loginCmd.Flags().BoolVar(&loginDev, "dev", false, "use an unsigned development token")
}

var (
	loginToken string
	loginDev   bool
)

var loginCmd = &cobra.Command{
	Use:   "login [user-id]",
	Short: "Store the user to act as",
	Long: "Store a user id and token in ~/.chat/config.toml.\n" +
		"Pass --token with a JWT from your backend, or --dev for a development token.\n" +
		"Without a user id a random guest id is generated.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginToken == "" && !loginDev {
			return fmt.Errorf("one of --token or --dev is required")
		}
		if loginToken != "" && loginDev {
			return fmt.Errorf("--token and --dev are mutually exclusive")
		}

		userID := "guest-" + uuid.NewString()[:8]
		if len(args) == 1 {
			userID = args[0]
		}
		token := loginToken
		if loginDev {
			token = string(chat.DevToken(userID))
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{UserID: userID, Token: token}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", userID)
		return nil
	},
}
