package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	initToken       string
	initBaseURL     string
	initUserBaseURL string
)

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "bearer token for the messaging API")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "messaging API base URL")
	initCmd.Flags().StringVar(&initUserBaseURL, "user-base-url", "", "user service base URL (defaults to the messaging base URL)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Sign in and write the CLI configuration",
	Long:  "Store the user ID, token, and endpoints in ~/.msgr/config.toml.\nA stable device ID is generated on first run.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.UserID = args[0]
		if initToken != "" {
			cfg.Auth.Token = initToken
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initUserBaseURL != "" {
			cfg.Default.UserBaseURL = initUserBaseURL
		}
		if cfg.Auth.DeviceID == "" {
			cfg.Auth.DeviceID = uuid.NewString()
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Signed in as %s\n", cfg.Auth.UserID)
		fmt.Printf("Device ID: %s\n", cfg.Auth.DeviceID)
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	},
}
