package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	messenger "github.com/foliolink/messenger-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream incoming messages",
	Long:  "Connect to the push channel and print incoming messages, decrypted, until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		session := getSession()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := session.Start(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		defer session.Close()

		names := make(map[string]string)
		for _, c := range session.Conversations() {
			names[c.ParticipantID] = c.ParticipantName
		}

		channel := session.Channel()
		unsubMsg := channel.OnMessage(func(m messenger.APIMessage) {
			sender := names[m.SenderID]
			if sender == "" {
				sender = m.SenderID
			}
			content := messenger.SafeDecrypt(m.Content, messenger.DeriveKey(m.SenderID))
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), sender, content)
		})
		defer unsubMsg()

		unsubState := channel.OnStateChange(func(state messenger.RealtimeState) {
			fmt.Fprintf(os.Stderr, "-- connection %s\n", state)
		})
		defer unsubState()

		fmt.Fprintln(os.Stderr, "Watching for messages. Press Ctrl-C to stop.")

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop

		fmt.Fprintln(os.Stderr, "Stopping.")
		return nil
	},
}
