package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	chat "github.com/streamline-chat/chat-sdk-go"
)

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().BoolVar(&listenRaw, "raw", false, "print raw event JSON")
}

var listenRaw bool

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect and print realtime events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup, err := loggedInClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		client.AddConnectionStateObserver("cli", func(s chat.ConnectionState) {
			fmt.Fprintf(out, "-- %s\n", s)
		})
		client.AddEventObserver("cli", func(ev chat.Event) {
			if listenRaw {
				fmt.Fprintln(out, string(ev.Raw))
				return
			}
			fmt.Fprintln(out, formatEvent(ev))
		})

		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		client.Lifecycle().SetReachability(chat.ReachabilityAvailable)

		<-ctx.Done()
		client.Disconnect()
		if ctx.Err() == context.Canceled {
			return nil
		}
		return ctx.Err()
	},
}

func formatEvent(ev chat.Event) string {
	s := string(ev.Type)
	if ev.CID != (chat.ChannelID{}) {
		s += " " + ev.CID.String()
	}
	switch {
	case ev.Message != nil:
		from := "?"
		if ev.Message.User != nil {
			from = ev.Message.User.ID
		}
		s += fmt.Sprintf(" <%s> %s", from, ev.Message.Text)
	case ev.User != nil:
		s += " user=" + ev.User.ID
	case ev.ConnectionID != "":
		s += " connection=" + ev.ConnectionID
	}
	return s
}
