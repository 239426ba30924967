package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	avida "github.com/kelvinofficial/avida-sub001"
)

var (
	syncRate  float64
	syncForce bool
)

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().Float64Var(&syncRate, "rate", 0, "maximum remote calls per second (0 = unlimited)")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "drain even if the API probe fails")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued actions against the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := &avida.OfflineOptions{}
		if syncRate > 0 {
			opts.DrainLimiter = rate.NewLimiter(rate.Limit(syncRate), 1)
		}
		s, err := openSession(opts)
		if err != nil {
			return err
		}
		defer s.close()

		pending := len(s.offline.PendingActions())
		if pending == 0 {
			fmt.Println("Nothing to sync.")
			return nil
		}
		if signal := s.probe(cmd.Context()); !signal.Online() && !syncForce {
			fmt.Printf("API unreachable; %d action(s) left queued.\n", pending)
			return nil
		}

		s.offline.On(avida.EventActionAbandoned, func(_ string, payload any) {
			if p, ok := payload.(map[string]any); ok {
				fmt.Printf("  abandoned %v (%v): %v\n", p["id"], p["type"], p["error"])
			}
		})

		result := s.offline.SyncPendingActions(cmd.Context())
		fmt.Printf("Synced: %d succeeded, %d abandoned, %d still queued.\n",
			result.Success, result.Failed, len(s.offline.PendingActions()))
		return nil
	},
}
