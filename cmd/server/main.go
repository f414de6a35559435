// cmd/server/main.go
package main

import (
	"context"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:          "trivia",
		Short:        "Multiplayer trivia session server",
		Long:         "trivia serves lobbies and live trivia games over WebSocket, sharing state between processes through Redis.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to a config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and WebSocket server (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), flags)
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Remove expired game states once and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runSweep(cmd.Context(), cmd, flags)
			},
		},
	)
	return rootCmd
}
