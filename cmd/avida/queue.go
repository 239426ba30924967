package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	avida "github.com/kelvinofficial/avida-sub001"
)

var (
	favoriteRemove bool
	searchCategory string
	deadClear      bool
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueFavoriteCmd, queueMessageCmd, queueViewCmd, queueSearchCmd, queueDeadCmd)

	queueFavoriteCmd.Flags().BoolVar(&favoriteRemove, "remove", false, "unfavorite instead of favorite")
	queueSearchCmd.Flags().StringVar(&searchCategory, "category", "", "category the search was scoped to")
	queueDeadCmd.Flags().BoolVar(&deadClear, "clear", false, "forget abandoned actions after listing them")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and add to the offline action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.close()

		actions := s.offline.PendingActions()
		if len(actions) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, a := range actions {
			fmt.Printf("%-26s %-16s retries=%d  %s\n",
				a.ID, a.Type, a.RetryCount, a.Created().Local().Format(time.RFC3339))
		}
		return nil
	},
}

// enqueue queues payload through a fresh session and prints the new id.
func enqueue(payload avida.ActionPayload) error {
	s, err := openSession(nil)
	if err != nil {
		return err
	}
	defer s.close()

	var id string
	s.offline.On(avida.EventActionQueued, func(_ string, p any) {
		if a, ok := p.(avida.OfflineAction); ok {
			id = a.ID
		}
	})
	if _, err := s.offline.Queue(payload); err != nil {
		return fmt.Errorf("failed to queue %s: %w", payload.Type(), err)
	}
	fmt.Printf("Queued %s %s\n", payload.Type(), id)
	return nil
}

var queueFavoriteCmd = &cobra.Command{
	Use:   "favorite <listing-id>",
	Short: "Queue a favorite toggle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueue(avida.ToggleFavorite{ListingID: args[0], IsFavorite: !favoriteRemove})
	},
}

var queueMessageCmd = &cobra.Command{
	Use:   "message <conversation-id> <text...>",
	Short: "Queue a chat message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueue(avida.SendMessage{ConversationID: args[0], Content: strings.Join(args[1:], " ")})
	},
}

var queueViewCmd = &cobra.Command{
	Use:   "view <listing-id>",
	Short: "Queue a listing view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueue(avida.ViewListing{ListingID: args[0]})
	},
}

var queueSearchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Queue a tracked search",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueue(avida.TrackSearch{Query: strings.Join(args, " "), Category: searchCategory})
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List actions abandoned after exhausting their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.close()

		letters := s.offline.DeadLetters()
		if len(letters) == 0 {
			fmt.Println("No abandoned actions.")
			return nil
		}
		for _, d := range letters {
			fmt.Printf("%-26s %-16s %s  %s\n",
				d.Action.ID, d.Action.Type,
				time.UnixMilli(d.AbandonedAt).Local().Format(time.RFC3339), d.Reason)
		}
		if deadClear {
			if err := s.offline.ClearDeadLetters(); err != nil {
				return err
			}
			fmt.Printf("Cleared %d abandoned action(s).\n", len(letters))
		}
		return nil
	},
}
