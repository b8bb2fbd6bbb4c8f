package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/and161185/harvester/internal/errs"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show source schedules and backfill progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rootOpts.withClient(cmd, func(ctx context.Context, c controlAPI) error {
				services, err := c.ListServices(ctx)
				if err != nil {
					return err
				}
				fills, err := c.BackfillProgress(ctx, "")
				if err != nil {
					return err
				}
				return writeStatus(cmd.OutOrStdout(), rootOpts.Format, newStatusView(services, fills))
			})
		},
	}
}

// NewSyncNowCommand creates the sync-now command.
func NewSyncNowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-now <source>",
		Short: "Sync a source immediately and restart its interval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withClient(cmd, func(ctx context.Context, c controlAPI) error {
				res, err := c.RunNow(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], res)
				if !res.OK() {
					return errors.New("sync failed")
				}
				return nil
			})
		},
	}
}

// NewEnableCommand creates the enable or disable command.
func NewEnableCommand(rootOpts *RootOptions, enabled bool) *cobra.Command {
	use, short := "enable", "Enable a source and start its schedule"
	if !enabled {
		use, short = "disable", "Disable a source and stop its schedule"
	}
	return &cobra.Command{
		Use:   use + " <source>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withClient(cmd, func(ctx context.Context, c controlAPI) error {
				st, err := c.SetEnabled(ctx, args[0], enabled)
				if err != nil {
					return err
				}
				return writeStatus(cmd.OutOrStdout(), rootOpts.Format, newStatusView(servicesOf(st), nil))
			})
		},
	}
}

// BackfillOptions holds flags for backfill start.
type BackfillOptions struct {
	*RootOptions
	Days int
}

// NewBackfillCommand creates the backfill command group.
func NewBackfillCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackfillOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Upload historical records of a source family",
	}

	start := &cobra.Command{
		Use:   "start <family>",
		Short: "Start a backfill over the last --days days",
		Long: `Start a one-shot upload of every record newer than now minus --days.
Only one backfill per family runs at a time.

Example:
  harvester backfill start messages --days 30`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Days <= 0 {
				return fmt.Errorf("%w: --days must be positive", errs.ErrValidation)
			}
			return opts.withClient(cmd, func(ctx context.Context, c controlAPI) error {
				st, err := c.StartBackfill(ctx, args[0], opts.Days)
				if err != nil {
					return err
				}
				return writeStatus(cmd.OutOrStdout(), opts.Format, newStatusView(nil, backfillsOf(st)))
			})
		},
	}
	start.Flags().IntVar(&opts.Days, "days", 30, "look-back window in days")

	cancel := &cobra.Command{
		Use:   "cancel <family>",
		Short: "Cancel a running backfill after its current batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c controlAPI) error {
				ok, err := c.CancelBackfill(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: no backfill running\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: cancel requested\n", args[0])
				return nil
			})
		},
	}

	progress := &cobra.Command{
		Use:   "progress [family]",
		Short: "Show backfill progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			family := ""
			if len(args) == 1 {
				family = args[0]
			}
			return opts.withClient(cmd, func(ctx context.Context, c controlAPI) error {
				fills, err := c.BackfillProgress(ctx, family)
				if err != nil {
					return err
				}
				return writeStatus(cmd.OutOrStdout(), opts.Format, newStatusView(nil, fills))
			})
		},
	}

	cmd.AddCommand(start, cancel, progress)
	return cmd
}
