// Package datastore is the remote analytics store: batched event inserts,
// daily aggregates for the insight engine, and insight persistence.
package datastore

import (
	"context"
	"fmt"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/config"
	"Mansoor88-6/analytics-telemetry/internal/models"

	"go.uber.org/zap"
)

// EventSink accepts event batches. Inserting an event whose id already
// exists is a no-op.
type EventSink interface {
	InsertEventsBatch(ctx context.Context, events []models.Event) error
}

// AggregateSource exposes daily UTC buckets of event data.
type AggregateSource interface {
	// AggregateKeys lists the distinct (category, name, type) keys seen in
	// [from, to).
	AggregateKeys(ctx context.Context, from, to time.Time) ([]models.MetricKey, error)
	// QueryAggregates returns one point per day with data in [from, to).
	// Empty key fields match any value.
	QueryAggregates(ctx context.Context, key models.MetricKey, from, to time.Time) (models.TimeSeries, error)
}

type InsightStore interface {
	// UpsertInsight inserts the insight or updates the row with the same id.
	// A terminal row is never modified: errs.ErrInsightTerminal. Stores that
	// enforce one open row per signature return errs.ErrOpenInsightExists.
	UpsertInsight(ctx context.Context, insight *models.Insight) error
	// UpdateInsightStatus moves an insight to status `to`. Illegal moves
	// return errs.ErrInvalidTransition, unknown ids errs.ErrNotFound.
	UpdateInsightStatus(ctx context.Context, id string, to models.InsightStatus, at time.Time) (*models.Insight, error)
	// FindOpenInsight returns the newest pending or in-progress insight with
	// the signature created at or after since, or nil.
	FindOpenInsight(ctx context.Context, sig models.InsightSignature, since time.Time) (*models.Insight, error)
	GetInsight(ctx context.Context, id string) (*models.Insight, error)
	ListInsights(ctx context.Context, filter models.InsightFilter) ([]models.Insight, error)
}

type Datastore interface {
	EventSink
	AggregateSource
	InsightStore
	Close() error
}

// Open connects the configured driver and prepares its schema.
func Open(ctx context.Context, cfg config.DatastoreConfig, logger *zap.Logger) (Datastore, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLite(ctx, cfg.SQLitePath, logger)
	case "postgres":
		return NewPostgres(ctx, cfg.Postgres, logger)
	case "clickhouse":
		return NewClickHouse(ctx, cfg.ClickHouse, logger)
	case "supabase":
		return NewSupabase(cfg.Supabase, logger)
	default:
		return nil, fmt.Errorf("unknown datastore driver %q", cfg.Driver)
	}
}
