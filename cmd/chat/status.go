package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, check whether the stored token is expired, and try a live connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Fprintf(out, "  API Key:     %s\n", valueOrDefault(maskKey(cfg.Default.APIKey), "(not set)"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		fmt.Fprintf(out, "  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not logged in)"))
		fmt.Fprintf(out, "  Token:       %s\n", tokenStatus(cfg.Auth.Token, time.Now()))

		if cfg.Default.APIKey == "" || cfg.Auth.Token == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")

		client, cleanup, err := loggedInClient()
		if err != nil {
			fmt.Fprintf(out, "  Error: %v\n", err)
			return nil
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		if err := client.Connect(ctx); err != nil {
			fmt.Fprintf(out, "  Connection:    failed (%v)\n", err)
			return nil
		}
		defer client.Disconnect()

		unread := client.UnreadCount()
		fmt.Fprintf(out, "  Connection:    %s (%s)\n", client.ConnectionState(), client.WebSocket().ConnectionID())
		fmt.Fprintf(out, "  Unread:        %d messages in %d channels\n", unread.Messages, unread.Channels)

		devices, err := client.Devices(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Devices:       error (%v)\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Devices:       %d\n", len(devices))
		return nil
	},
}

// tokenStatus describes a stored token without verifying its signature.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "present (not a JWT)"
	}
	if claims.ExpiresAt == nil {
		return "present (no expiry)"
	}
	expires := claims.ExpiresAt.Time
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}
