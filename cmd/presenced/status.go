package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <user-id>",
	Short: "Look up a user's presence status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient.Status(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("fetching status: %w", err)
		}

		if jsonOutput {
			data, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling JSON: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("%s: %s", st.UserID, st.Status)
		if st.Connections > 0 {
			fmt.Printf(" (%d connections)", st.Connections)
		}
		if st.LastSeen != nil {
			fmt.Printf(", last seen %s", st.LastSeen.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Println()
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a presence node",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := apiClient.Health(context.Background())
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}

		if jsonOutput {
			data, err := json.MarshalIndent(h, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling JSON: %w", err)
			}
			fmt.Println(string(data))
		} else {
			fmt.Printf("Health: %s (node %s, %d users)\n", h.Status, h.NodeID, h.Users)
			if h.Backplane != nil && !h.Backplane.Connected {
				fmt.Printf("Backplane: disconnected (%s)\n", h.Backplane.Error)
			}
			if h.Ingest != nil {
				fmt.Printf("Ingest lag: %d (skipped %d)\n", h.Ingest.Lag, h.Ingest.Skipped)
			}
		}

		if h.Status != "ok" {
			return fmt.Errorf("unhealthy: %s", h.Status)
		}
		return nil
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Show the node's view of cluster membership",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := apiClient.Nodes(context.Background())
		if err != nil {
			return fmt.Errorf("fetching cluster nodes: %w", err)
		}

		if jsonOutput {
			data, err := json.MarshalIndent(n, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling JSON: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Self: %s", n.Self)
		if n.Degraded {
			fmt.Print(" (degraded)")
		}
		fmt.Println()
		for _, raw := range n.Nodes {
			var info struct {
				NodeID   string `json:"node_id"`
				Live     bool   `json:"live"`
				LastBeat string `json:"last_beat"`
			}
			if err := json.Unmarshal(raw, &info); err != nil {
				continue
			}
			state := "live"
			if !info.Live {
				state = "dead"
			}
			fmt.Printf("  %s  %s  last beat %s\n", info.NodeID, state, info.LastBeat)
		}
		return nil
	},
}
