package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"healbot/internal/pipeline"

	"github.com/spf13/cobra"
)

func newRollbackCommand(opts *rootOptions) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "rollback <report-id>",
		Short: "Restore every file a report's fix changed from its backups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := build(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer c.close()

			report, err := c.pipeline.Rollback(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Report %s is now %s\n", report.ID, report.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "operator recorded in the audit trail")
	return cmd
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Requeue stuck reports and fail interrupted fixes, then process them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := build(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer c.close()

			dispatcher := pipeline.NewDispatcher(c.pipeline, opts.cfg.Workers, opts.cfg.QueueSize, opts.logger)
			recovery := pipeline.NewRecovery(c.store, c.recorder, dispatcher, opts.cfg.StuckAfter(), opts.logger)
			var result pipeline.SweepResult
			if all {
				result, err = recovery.SweepAll(ctx)
			} else {
				result, err = recovery.Sweep(ctx)
			}
			// Requeued reports are drained before exiting either way.
			if shutdownErr := dispatcher.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil && err == nil {
				err = shutdownErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pipeline.FormatSweepSummary(result))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "ignore stuck_after_minutes and sweep every non-terminal report")
	return cmd
}

func newAuditCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "audit <report-id>",
		Short: "Print a report's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := build(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer c.close()

			ctx := cmd.Context()
			if _, err := c.store.GetReport(ctx, args[0]); err != nil {
				return err
			}
			entries, err := c.store.ListAudit(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tEVENT\tTRANSITION\tACTOR\tDETAIL")
			for _, e := range entries {
				transition := ""
				if e.ToStatus != "" {
					transition = fmt.Sprintf("%s -> %s", e.FromStatus, e.ToStatus)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.UTC().Format(time.RFC3339), e.Event, transition, e.Actor, e.Detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
