package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/scrap/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "scrap",
	Short: "Backend for the scrap life-recap app",
	Long: `scrap serves the HTTP backend used by the scrap mobile app: it sends
prompts to the Poke agent, waits for the agent's reply in the local Messages
database and hands it back to the caller.

Running 'scrap' without a subcommand is equivalent to 'scrap serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFiles, err := cmd.Flags().GetStringSlice("env-file")
		if err != nil {
			return err
		}
		return config.LoadEnvFiles(envFiles...)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: run the 'serve' command
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(callbackCmd)
	rootCmd.AddCommand(primerCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(configCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a JSON, JSONC or YAML config file (default: environment only)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.PersistentFlags().StringSlice("env-file", []string{".env"}, "KEY=VALUE files loaded before reading the environment")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the stderr logger from --log-level, falling back to
// fallback (usually the configured LOG_LEVEL)
func newLogger(cmd *cobra.Command, fallback string) (*slog.Logger, error) {
	input := fallback
	if flag := cmd.Flags().Lookup("log-level"); flag != nil && flag.Changed {
		input = flag.Value.String()
	}

	level, _, err := parseLogLevel(input)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})), nil
}
