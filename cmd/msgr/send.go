package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var sendReplyTo string

func init() {
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "message ID this message replies to")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message...>",
	Short: "Send an encrypted message",
	Long:  "Encrypt a message under your key and post it to a conversation.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		session := getSession()
		conversationID := args[0]
		content := strings.Join(args[1:], " ")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := session.SendMessageTo(ctx, conversationID, content, sendReplyTo)
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}

		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}
