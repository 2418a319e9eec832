package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var conversationsRefresh bool

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsRefresh, "refresh", false, "bypass the local cache")
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs", "ls"},
	Short:   "List conversations",
	Long:    "List conversations with decrypted previews, most recently active first.\nServed from the local cache when it is fresh.",
	RunE: func(cmd *cobra.Command, args []string) error {
		session := getSession()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := session.LoadConversations(ctx, conversationsRefresh); err != nil {
			return fmt.Errorf("failed to load conversations: %w", err)
		}

		convs := session.Conversations()
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}

		for _, c := range convs {
			marker := " "
			if c.UnreadCount > 0 {
				marker = fmt.Sprintf("(%d)", c.UnreadCount)
			}
			preview := c.LastMessage
			if len(preview) > 60 {
				preview = preview[:57] + "..."
			}
			fmt.Printf("%-36s  %-20s %-4s %s\n", c.ID, c.ParticipantName, marker, preview)
		}
		return nil
	},
}
