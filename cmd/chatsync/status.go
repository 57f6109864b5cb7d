package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var statusPeer string

func init() {
	statusCmd.Flags().StringVar(&statusPeer, "peer", "", "Also show the presence of this user")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check if the session token is expired, and optionally fetch a peer's presence.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
		}
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Cache.Path, "(disabled)"))
		fmt.Printf("  Metrics:     %s\n", valueOrDefault(cfg.Metrics.Addr, "(disabled)"))
		if cfg.Push.Enabled {
			fmt.Printf("  Push:        %s\n", valueOrDefault(cfg.Push.Endpoint, chatsync.DefaultPushEndpoint))
		} else {
			fmt.Println("  Push:        (disabled)")
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Printf("  Username:    %s\n", valueOrDefault(cfg.Auth.Username, "(not set)"))
			fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  Username:    (not logged in)")
		}
		fmt.Printf("  Token:       %s\n", tokenStatus(cfg.Auth, time.Now()))

		if statusPeer == "" {
			return nil
		}

		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()
		client, err := getClient(cfg, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		entry, err := client.GetPresence(ctx, statusPeer)
		if err != nil {
			return fmt.Errorf("fetch presence: %s", chatsync.UserMessage(err))
		}
		presence := chatsync.NewPresenceStore()
		presence.Set(entry)

		fmt.Println()
		fmt.Println("Peer:")
		fmt.Printf("  %s: %s\n", statusPeer, presence.StatusText(statusPeer))
		return nil
	},
}

// tokenStatus describes the stored token and its expiry.
func tokenStatus(auth ConfigAuth, now time.Time) string {
	if auth.Token == "" {
		return "none"
	}
	if auth.TokenExpires == "" {
		return "present (no expiry info)"
	}
	expires, err := time.Parse(time.RFC3339, auth.TokenExpires)
	if err != nil {
		return fmt.Sprintf("present (unparseable expiry: %s)", auth.TokenExpires)
	}
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}
