package cli

import (
	"context"
	"fmt"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/insights"
	"Mansoor88-6/analytics-telemetry/internal/logger"

	"github.com/spf13/cobra"
)

func newEngine(env *Env) *insights.Engine {
	return insights.NewEngine(env.Store, env.Store, env.Config.Insights, env.Notifier, time.Now,
		logger.WithComponent(env.Logger, "insights"))
}

func newGenerateCmd(run envRunner) *cobra.Command {
	var lookback time.Duration

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run the insight rules once over the lookback window",
		Example: `  insight-engine generate
  insight-engine generate --lookback 336h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, env *Env) error {
				report, err := newEngine(env).GenerateInsights(ctx, lookback)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Window %s .. %s (%d days)\n",
					report.Window.CurrentFrom.Format("2006-01-02"), report.Window.To.Format("2006-01-02"), report.Window.Days)
				fmt.Fprintf(out, "Created %d, updated %d, failed %d\n", report.Created, report.Updated, report.Failed)
				for _, in := range report.Insights {
					fmt.Fprintf(out, "  [%s] %-14s %s\n", in.Priority, in.Type, in.Title)
				}
				for _, re := range report.RuleErrors {
					fmt.Fprintf(cmd.ErrOrStderr(), "  rule error: %v\n", re)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&lookback, "lookback", 0, "Lookback window (default from config)")
	return cmd
}
