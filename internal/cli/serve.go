package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/scrap/internal/config"
	"github.com/iambrandonn/scrap/internal/correlator"
	"github.com/iambrandonn/scrap/internal/journal"
	"github.com/iambrandonn/scrap/internal/messages"
	"github.com/iambrandonn/scrap/internal/pending"
	"github.com/iambrandonn/scrap/internal/poke"
	"github.com/iambrandonn/scrap/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP backend",
	Long: `Start the HTTP backend. Settings come from the optional --config file and
the environment (PORT, POKE_API_KEY, POKE_POLL_TIMEOUT_MS, MCP_DIR, ...).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Listen port (overrides PORT and the config file)")

	// 'scrap --port 8080' behaves like 'scrap serve --port 8080'
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if flag := cmd.Flags().Lookup("port"); flag != nil && flag.Changed {
		port, err := cmd.Flags().GetInt("port")
		if err != nil {
			return err
		}
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	srv, cleanup, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return srv.Run(ctx)
}

// loadConfig reads the config file and environment, then builds the logger
// from the result
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(configPath, os.LookupEnv)
	if err != nil {
		return nil, nil, err
	}

	logger, err := newLogger(cmd, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if configPath != "" {
		logger.Info("loaded configuration", "path", configPath)
	}
	return cfg, logger, nil
}

// buildServer wires the backend components described by cfg. The returned
// cleanup closes the journal.
func buildServer(cfg *config.Config, logger *slog.Logger) (*server.Server, func(), error) {
	cleanup := func() {}

	var recorder correlator.Recorder
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open journal: %w", err)
		}
		recorder = j
		cleanup = func() {
			if err := j.Close(); err != nil {
				logger.Warn("failed to close journal", "error", err)
			}
		}
		logger.Info("journal enabled", "path", cfg.Journal.Path)
	}

	agent := poke.NewClient(poke.Options{
		APIKey:        cfg.Poke.APIKey,
		WebhookURL:    cfg.Poke.WebhookURL,
		RatePerSecond: cfg.Poke.DispatchRPS,
		Logger:        logger.With("component", "poke"),
	})
	if !agent.Configured() {
		logger.Warn("POKE_API_KEY is not set; agent routes will answer 503")
	}

	source := messages.NewSource(messages.Options{
		Dir:     cfg.Messages.Dir,
		Command: cfg.Messages.Command,
		Timeout: cfg.MessagesTimeout(),
		Logger:  logger.With("component", "messages"),
	})

	poll := cfg.PollConfig()
	corr := correlator.New(correlator.Options{
		Registry:   pending.NewRegistry(nil),
		Dispatcher: agent,
		Source:     source,
		Poll:       poll,
		Logger:     logger.With("component", "correlator"),
		Recorder:   recorder,
	})

	logger.Info("agent polling configured",
		"interval", poll.Interval,
		"timeout", poll.Timeout,
		"first_delay", poll.FirstDelay,
		"contact", poll.Identity)

	srv := server.New(server.Options{
		Port:          cfg.Server.Port,
		CORSOrigins:   cfg.Server.CORSOrigins,
		Correlator:    corr,
		Agent:         agent,
		Transcripts:   source,
		PollTimeout:   poll.Timeout,
		PendingTTL:    cfg.PendingTTL(),
		SweepSchedule: cfg.Pending.SweepSchedule,
		Logger:        logger,
	})
	return srv, cleanup, nil
}

// commandContext returns the command's context, cancelled on SIGINT/SIGTERM
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
