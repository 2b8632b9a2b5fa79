package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/insights"
	"Mansoor88-6/analytics-telemetry/internal/logger"
	"Mansoor88-6/analytics-telemetry/internal/models"

	"github.com/spf13/cobra"
)

func newService(env *Env) *insights.Service {
	return insights.NewService(env.Store, time.Now, logger.WithComponent(env.Logger, "insights"))
}

func newInsightsCmd(run envRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "insights",
		Aliases: []string{"insight"},
		Short:   "List insights and move them through their lifecycle",
	}
	cmd.AddCommand(
		newListCmd(run),
		newShowCmd(run),
		newTransitionCmd(run, "start", "Start work on a pending insight", models.StatusInProgress),
		newTransitionCmd(run, "complete", "Mark an in-progress insight as done", models.StatusCompleted),
		newTransitionCmd(run, "dismiss", "Dismiss a pending or in-progress insight", models.StatusDismissed),
	)
	return cmd
}

func newListCmd(run envRunner) *cobra.Command {
	var (
		status, typ, category string
		limit                 int
		jsonOutput            bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List insights, newest first",
		Example: `  insight-engine insights list --status pending
  insight-engine insights ls --type anomaly --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, env *Env) error {
				list, err := newService(env).List(ctx, models.InsightFilter{
					Status:   models.InsightStatus(status),
					Type:     models.InsightType(typ),
					Category: category,
					Limit:    limit,
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(list)
				}
				if len(list) == 0 {
					fmt.Fprintln(out, "No insights.")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tTYPE\tCATEGORY\tTITLE")
				for _, in := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", in.ID, in.Status, in.Priority, in.Type, in.Category, in.Title)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, in_progress, completed, dismissed)")
	cmd.Flags().StringVar(&typ, "type", "", "Filter by type (trend, anomaly, recommendation, prediction)")
	cmd.Flags().StringVar(&category, "category", "", "Filter by category")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of insights")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

func newShowCmd(run envRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one insight with its supporting metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, env *Env) error {
				in, err := newService(env).Get(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(in)
			})
		},
	}
}

func newTransitionCmd(run envRunner, use, short string, to models.InsightStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, env *Env) error {
				in, err := newService(env).Transition(ctx, args[0], to)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", in.ID, in.Status)
				return nil
			})
		},
	}
}
