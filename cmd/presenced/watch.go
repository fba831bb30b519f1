package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/quckapp/presence/internal/events"
)

var watchCmd = &cobra.Command{
	Use:   "watch [user-id...]",
	Short: "Stream presence changes as they happen",
	Long: `Watch follows the node's live event stream and prints each presence
change. With no arguments, all users are watched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		err := apiClient.Watch(ctx, args, func(data []byte) {
			if jsonOutput {
				fmt.Println(string(data))
				return
			}
			var ev events.PresenceEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return
			}
			fmt.Printf("%s  %-18s %s", ev.Timestamp.Local().Format("15:04:05"), ev.Type, ev.UserID)
			if ev.Status != "" {
				fmt.Printf(" -> %s", ev.Status)
			}
			if ev.SourceNodeID != "" {
				fmt.Printf("  [%s]", ev.SourceNodeID)
			}
			fmt.Println()
		})
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("watching events: %w", err)
		}
		return nil
	},
}
