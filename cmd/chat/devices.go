package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.AddCommand(devicesListCmd)
	devicesCmd.AddCommand(devicesAddCmd)
	devicesCmd.AddCommand(devicesRemoveCmd)
	devicesAddCmd.Flags().BoolVar(&devicesAddHex, "hex", false, "treat the argument as a hex push token")
}

var devicesAddHex bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage push devices of the logged-in user",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup, err := loggedInClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		devices, err := client.Devices(ctx)
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(devices) == 0 {
			fmt.Fprintln(out, "No devices registered.")
			return nil
		}
		for _, d := range devices {
			created := "-"
			if d.CreatedAt != nil {
				created = d.CreatedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(out, "%s\t%s\t%s\n", d.ID, valueOrDefault(d.PushProvider, "-"), created)
		}
		return nil
	},
}

var devicesAddCmd = &cobra.Command{
	Use:   "add <device-id>",
	Short: "Register a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup, err := loggedInClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if devicesAddHex {
			token, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("invalid hex token: %w", err)
			}
			err = client.AddDeviceToken(ctx, token)
		} else {
			err = client.AddDevice(ctx, args[0])
		}
		if err != nil {
			return fmt.Errorf("add device: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Device %s registered\n", args[0])
		return nil
	},
}

var devicesRemoveCmd = &cobra.Command{
	Use:   "remove <device-id>",
	Short: "Unregister a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup, err := loggedInClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := client.RemoveDevice(ctx, args[0]); err != nil {
			return fmt.Errorf("remove device: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Device %s removed\n", args[0])
		return nil
	},
}
