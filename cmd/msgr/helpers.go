package main

import (
	"fmt"
	"os"
	"path/filepath"

	messenger "github.com/foliolink/messenger-go"
)

// getClient creates an API client from the saved configuration.
func getClient() (*messenger.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL configured. Run 'msgr init <user-id> --base-url <url>' first.")
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'msgr init <user-id>' first.")
		os.Exit(1)
	}

	var opts []messenger.ClientOption
	if cfg.Default.UserBaseURL != "" {
		opts = append(opts, messenger.WithUserBaseURL(cfg.Default.UserBaseURL))
	}
	return messenger.NewClient(cfg.Default.BaseURL, cfg.Auth.Token, opts...), cfg
}

// getSession creates a Session backed by the on-disk cache under ~/.msgr.
func getSession() *messenger.Session {
	client, cfg := getClient()

	cacheDir := cfg.Default.CacheDir
	if cacheDir == "" {
		dir, err := configDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		cacheDir = filepath.Join(dir, "cache")
	}
	store, err := messenger.NewFileStore(cacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open cache: %v\n", err)
		os.Exit(1)
	}

	return messenger.NewSession(messenger.SessionConfig{
		Client: client,
		UserID: cfg.Auth.UserID,
		Cache:  messenger.NewCache(store),
	})
}
