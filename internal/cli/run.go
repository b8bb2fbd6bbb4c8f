package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/harvester/internal/agent"
	"github.com/and161185/harvester/internal/config"
	"github.com/and161185/harvester/internal/logging"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync agent in the foreground",
		Long: `Start every configured source on its schedule and serve the control API
until interrupted.

Example:
  harvester run
  harvester run --config ./config.yaml -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), rootOpts)
		},
	}
}

func runAgent(parent context.Context, opts *RootOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log.Info("starting", zap.String("version", version), zap.String("buildDate", buildDate))

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init agent: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close agent", zap.Error(err))
		}
	}()

	if err := a.Run(ctx); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
