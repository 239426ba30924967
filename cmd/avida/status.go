package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, API reachability and offline state",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.close()

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(s.cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", s.client.BaseURL())
		if s.cfg.Default.APIKey != "" {
			fmt.Printf("  Token:       %s\n", maskKey(s.cfg.Default.APIKey))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Store:       %s\n", s.store.Dir())

		signal := s.probe(cmd.Context())
		state := s.offline.GetOfflineState()

		fmt.Println()
		fmt.Println("Offline layer:")
		fmt.Printf("  API:             %s\n", signal.Internet)
		fmt.Printf("  Pending actions: %d\n", state.PendingActions)
		fmt.Printf("  Cached listings: %d\n", state.CachedListings)
		fmt.Printf("  Viewed listings: %d\n", len(s.offline.GetViewedListings()))
		fmt.Printf("  Dead letters:    %d\n", len(s.offline.DeadLetters()))
		fmt.Printf("  Last sync:       %s\n", formatTime(state.LastSync))
		return nil
	},
}
