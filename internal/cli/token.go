package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/middleware"

	"github.com/spf13/cobra"
)

func newTokenCmd(run envRunner) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed operator token for the insight API",
		Example: `  insight-engine token --subject alice
  insight-engine token --subject ci --role admin --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return errors.New("--subject is required")
			}
			if role != middleware.RoleOperator && role != middleware.RoleAdmin {
				return fmt.Errorf("unknown role %q", role)
			}
			return run(cmd, func(_ context.Context, env *Env) error {
				secret := env.Config.Server.JWTSecret
				if secret == "" {
					return errors.New("server.jwt_secret is not configured")
				}
				token, err := middleware.IssueToken([]byte(secret), subject, role, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Operator name recorded in the token")
	cmd.Flags().StringVar(&role, "role", middleware.RoleOperator, "Role: operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
