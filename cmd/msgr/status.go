package main

import (
	"context"
	"fmt"
	"time"

	messenger "github.com/foliolink/messenger-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and, when signed in, live presence and conversation counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:      %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.UserBaseURL != "" {
			fmt.Printf("  User Base URL: %s\n", cfg.Default.UserBaseURL)
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not signed in)"))
		if cfg.Auth.DeviceID != "" {
			fmt.Printf("  Device ID: %s\n", cfg.Auth.DeviceID)
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}

		if cfg.Default.BaseURL == "" || cfg.Auth.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		var opts []messenger.ClientOption
		if cfg.Default.UserBaseURL != "" {
			opts = append(opts, messenger.WithUserBaseURL(cfg.Default.UserBaseURL))
		}
		client := messenger.NewClient(cfg.Default.BaseURL, cfg.Auth.Token, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx, cfg.Auth.UserID)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)

		online, err := client.GetOnlineStatus(ctx, cfg.Auth.UserID)
		if err == nil {
			fmt.Printf("  Presence:      %s\n", onlineLabel(online))
		}
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
