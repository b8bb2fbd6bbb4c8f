// Package cli implements the harvester command line: the long-running agent and the
// commands that talk to it over the local control API.
package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/and161185/harvester/internal/config"
	"github.com/and161185/harvester/internal/control"
	"github.com/and161185/harvester/internal/model"
)

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "yaml"}

// controlAPI is the part of control.Client the commands use.
type controlAPI interface {
	ListServices(ctx context.Context) ([]model.ServiceStatus, error)
	RunNow(ctx context.Context, name string) (model.JobRunResult, error)
	SetEnabled(ctx context.Context, name string, enabled bool) (model.ServiceStatus, error)
	StartBackfill(ctx context.Context, family string, days int) (model.BackfillState, error)
	CancelBackfill(ctx context.Context, family string) (bool, error)
	BackfillProgress(ctx context.Context, family string) ([]model.BackfillState, error)
}

var _ controlAPI = (*control.Client)(nil)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Addr       string
	Format     string
	Verbose    bool
	Timeout    time.Duration
}

// dialControl is a test seam for control.Dial. The returned func closes the connection.
var dialControl = func(addr string) (controlAPI, func(), error) {
	c, cc, err := control.Dial(addr)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = cc.Close() }, nil
}

// NewRootCommand creates the harvester root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Personal data sync agent",
		Long: `harvester periodically reads local data sources, encrypts sensitive fields
on this machine and uploads them to a remote store.

Run the agent with "harvester run"; the other commands control a running agent.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default: <user config dir>/harvester/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "", "control API address (default: control.addr from config)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "control call timeout")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSyncNowCommand(opts))
	cmd.AddCommand(NewEnableCommand(opts, true))
	cmd.AddCommand(NewEnableCommand(opts, false))
	cmd.AddCommand(NewBackfillCommand(opts))
	cmd.AddCommand(NewKeygenCommand(opts))

	return cmd
}

// connect dials the agent's control API. The returned func closes the connection.
func (o *RootOptions) connect() (controlAPI, func(), error) {
	addr := o.Addr
	if addr == "" {
		cfg, err := config.Load(o.ConfigPath)
		if err != nil {
			return nil, nil, err
		}
		addr = cfg.Control.Addr
	}
	if addr == "" {
		return nil, nil, fmt.Errorf("control API disabled: set control.addr or --addr")
	}
	return dialControl(addr)
}

// withClient runs fn against the control API under the --timeout deadline.
func (o *RootOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c controlAPI) error) error {
	c, closeFn, err := o.connect()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.Timeout)
	defer cancel()
	return fn(ctx, c)
}
