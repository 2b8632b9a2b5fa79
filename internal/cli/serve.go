package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/handler"
	"Mansoor88-6/analytics-telemetry/internal/insights"
	"Mansoor88-6/analytics-telemetry/internal/logger"
	"Mansoor88-6/analytics-telemetry/internal/router"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(run envRunner) *cobra.Command {
	var (
		addr     string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve event ingest and the operator insight API",
		Example: `  insight-engine serve
  insight-engine serve --addr :9090 --interval 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, env *Env) error {
				if addr == "" {
					addr = env.Config.Server.Addr
				}
				if env.Config.Env != "local" {
					gin.SetMode(gin.ReleaseMode)
				}

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				engine := newEngine(env)
				httpLogger := logger.WithComponent(env.Logger, "http")
				r := router.New(
					handler.NewInsightHandler(newService(env), engine, httpLogger),
					handler.NewEventHandler(env.Store, httpLogger),
					router.Config{
						JWTSecret:    env.Config.Server.JWTSecret,
						IngestAPIKey: env.Config.Server.IngestAPIKey,
					},
					httpLogger,
				)

				srv := &http.Server{
					Addr:              addr,
					Handler:           r,
					ReadHeaderTimeout: 10 * time.Second,
				}

				if interval > 0 {
					go generateEvery(ctx, engine, interval, env.Logger)
				}

				errCh := make(chan error, 1)
				go func() {
					env.Logger.Info("Starting insight API server", zap.String("addr", addr))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errCh <- err
					}
					close(errCh)
				}()

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}

				env.Logger.Info("Shutting down insight API server...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Also generate insights periodically (0 disables)")
	return cmd
}

func generateEvery(ctx context.Context, engine *insights.Engine, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.GenerateInsights(ctx, 0); err != nil {
				log.Error("Scheduled insight generation failed", zap.Error(err))
			}
		}
	}
}
