// Package cli implements the insight-engine command line.
package cli

import (
	"context"
	"fmt"

	"Mansoor88-6/analytics-telemetry/internal/config"
	"Mansoor88-6/analytics-telemetry/internal/datastore"
	"Mansoor88-6/analytics-telemetry/internal/logger"
	"Mansoor88-6/analytics-telemetry/internal/ops"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Env is what every command runs against.
type Env struct {
	Config   *config.Config
	Logger   *zap.Logger
	Store    datastore.Datastore
	Notifier ops.Notifier
}

// Opener builds the Env for a config path. The returned function releases
// it.
type Opener func(ctx context.Context, configPath string) (*Env, func(), error)

// OpenEnv loads configuration and connects the datastore and notifier.
func OpenEnv(ctx context.Context, configPath string) (*Env, func(), error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err := datastore.Open(ctx, cfg.Datastore, logger.WithComponent(log.Logger, "datastore"))
	if err != nil {
		log.Sync()
		return nil, nil, err
	}

	notifier, closeNotifier := ops.Build(cfg.Kafka.Enabled, ops.KafkaConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		ClientID: cfg.Kafka.ClientID,
	}, logger.WithComponent(log.Logger, "ops"))

	release := func() {
		if err := closeNotifier(); err != nil {
			log.Warn("Failed to close ops notifier", zap.Error(err))
		}
		if err := store.Close(); err != nil {
			log.Warn("Failed to close datastore", zap.Error(err))
		}
		log.Sync()
	}
	return &Env{Config: cfg, Logger: log.Logger, Store: store, Notifier: notifier}, release, nil
}

// NewRootCmd builds the command tree. open is called lazily by the
// commands that need an Env.
func NewRootCmd(open Opener) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "insight-engine",
		Short: "Derive and manage insights from analytics events",
		Long: `insight-engine reads daily event aggregates from the analytics datastore,
runs trend, anomaly, recommendation and prediction rules over them and stores
the resulting insights for operators to work through.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config/local.yaml", "Path to the config file")

	withEnv := func(cmd *cobra.Command, fn func(ctx context.Context, env *Env) error) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		env, release, err := open(ctx, configPath)
		if err != nil {
			return err
		}
		defer release()
		return fn(ctx, env)
	}

	root.AddCommand(
		newGenerateCmd(withEnv),
		newServeCmd(withEnv),
		newInsightsCmd(withEnv),
		newTokenCmd(withEnv),
	)
	return root
}

type envRunner func(cmd *cobra.Command, fn func(ctx context.Context, env *Env) error) error
