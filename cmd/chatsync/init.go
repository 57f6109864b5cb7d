package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var initEnvironment string

func init() {
	initCmd.Flags().StringVar(&initEnvironment, "environment", "production", "Environment label (production logs JSON by default)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the backend URL in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the backend base URL in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := url.Parse(args[0])
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("base URL must be an absolute http(s) URL, got %q", args[0])
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Default.BaseURL = u.String()
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = initEnvironment
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Base URL saved to %s\n", path)
		return nil
	},
}
