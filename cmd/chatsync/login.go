package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	loginUserID   string
	loginUsername string
	loginExpires  string
	loginVerify   bool
)

func init() {
	loginCmd.Flags().StringVar(&loginUserID, "user-id", "", "ID of the user the token belongs to (required)")
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "Display name of the user")
	loginCmd.Flags().StringVar(&loginExpires, "expires", "", "Token expiry, RFC3339 or a duration such as 720h")
	loginCmd.Flags().BoolVar(&loginVerify, "verify", true, "Check the token against the backend before saving")
	_ = loginCmd.MarkFlagRequired("user-id")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a session token",
	Long:  "Store the session token of a user in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		expires := ""
		if loginExpires != "" {
			if d, err := time.ParseDuration(loginExpires); err == nil {
				expires = time.Now().Add(d).UTC().Format(time.RFC3339)
			} else if t, err := time.Parse(time.RFC3339, loginExpires); err == nil {
				expires = t.UTC().Format(time.RFC3339)
			} else {
				return fmt.Errorf("--expires must be RFC3339 or a duration, got %q", loginExpires)
			}
		}

		if loginVerify {
			eff, err := loadEffectiveConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := newLogger(eff)
			if err != nil {
				return err
			}
			defer logger.Sync()

			eff.Auth.Token = token
			client, err := getClient(eff, logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			friends, err := client.GetFriends(ctx, loginUserID)
			if err != nil {
				return fmt.Errorf("token check failed: %s", chatsync.UserMessage(err))
			}
			logger.Debug("token verified", zap.Int("friends", len(friends)))
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = loginUserID
		cfg.Auth.Username = valueOrDefault(loginUsername, loginUserID)
		cfg.Auth.TokenExpires = expires
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s (%s)\n", cfg.Auth.Username, cfg.Auth.UserID)
		if expires != "" {
			fmt.Printf("  Expires: %s\n", expires)
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
