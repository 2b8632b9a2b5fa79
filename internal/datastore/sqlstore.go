package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/config"
	"Mansoor88-6/analytics-telemetry/internal/errs"
	"Mansoor88-6/analytics-telemetry/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT,
		user_tier TEXT NOT NULL DEFAULT '',
		installation_id TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		app_version TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		category TEXT NOT NULL,
		name TEXT NOT NULL,
		value DOUBLE PRECISION,
		payload TEXT NOT NULL DEFAULT '{}',
		page_name TEXT,
		previous_page TEXT,
		time_on_previous_page_ms BIGINT,
		client_timestamp BIGINT NOT NULL,
		flushed_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_client_ts ON events (client_timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_events_metric ON events (category, name, type, client_timestamp)`,
	`CREATE TABLE IF NOT EXISTS insights (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		category TEXT NOT NULL,
		name TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		recommended_action TEXT NOT NULL,
		supporting_metrics TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		resolved_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_insights_signature ON insights (type, category, name, status, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_insights_open_signature ON insights (type, category, name)
		WHERE status IN ('pending', 'in_progress')`,
}

// SQLStore implements Datastore over SQLite or PostgreSQL. Queries are
// written with ? placeholders and rebound for the driver.
type SQLStore struct {
	db     *sqlx.DB
	now    func() time.Time
	logger *zap.Logger
}

func NewSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.Connect("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("could not open sqlite datastore: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := newSQLStore(db, logger)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite datastore opened", zap.String("path", path))
	return s, nil
}

func NewPostgres(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("could not connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not ping postgres: %w", err)
	}

	s := newSQLStore(db, logger)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("PostgreSQL datastore connected",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
		zap.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
	)
	return s, nil
}

func newSQLStore(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		now:    time.Now,
		logger: logger,
	}
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("datastore migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("could not close datastore: %w", err)
	}
	s.logger.Info("Datastore connection closed")
	return nil
}

// InsertEventsBatch writes the batch in one transaction. Events already
// present are skipped, so replayed batches are absorbed. Invalid events are
// skipped with a warning.
func (s *SQLStore) InsertEventsBatch(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, s.db.Rebind(`
		INSERT INTO events (id, session_id, user_id, user_tier, installation_id, platform, app_version,
			type, category, name, value, payload, page_name, previous_page, time_on_previous_page_ms,
			client_timestamp, flushed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	flushedAt := s.now().UnixMilli()
	inserted, skipped := 0, 0
	for i := range events {
		e := &events[i]
		if err := e.Validate(); err != nil {
			s.logger.Warn("Invalid event in batch", zap.String("event_id", e.ID), zap.Error(err))
			skipped++
			continue
		}
		row, err := newEventRow(e, flushedAt)
		if err != nil {
			s.logger.Warn("Unencodable event in batch", zap.String("event_id", e.ID), zap.Error(err))
			skipped++
			continue
		}

		res, err := stmt.ExecContext(ctx,
			row.ID, row.SessionID, row.UserID, row.UserTier, row.InstallationID, row.Platform, row.AppVersion,
			row.Type, row.Category, row.Name, row.Value, row.Payload, row.PageName, row.PreviousPage,
			row.TimeOnPreviousPageMs, row.ClientTimestamp, row.FlushedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("Batch insert completed",
		zap.Int("total", len(events)),
		zap.Int("inserted", inserted),
		zap.Int("duplicates", len(events)-inserted-skipped),
		zap.Int("skipped", skipped),
	)
	return nil
}

func (s *SQLStore) AggregateKeys(ctx context.Context, from, to time.Time) ([]models.MetricKey, error) {
	var rows []keyRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT DISTINCT category, name, type
		FROM events
		WHERE client_timestamp >= ? AND client_timestamp < ?
		ORDER BY category, name, type
	`), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregate keys: %w", err)
	}

	keys := make([]models.MetricKey, len(rows))
	for i, r := range rows {
		keys[i] = models.MetricKey{Category: r.Category, Name: r.Name, Type: models.EventType(r.Type)}
	}
	return keys, nil
}

func (s *SQLStore) QueryAggregates(ctx context.Context, key models.MetricKey, from, to time.Time) (models.TimeSeries, error) {
	query := fmt.Sprintf(`
		SELECT client_timestamp / %d AS day,
			COUNT(*) AS events,
			COALESCE(SUM(value), 0) AS value_sum,
			COUNT(DISTINCT session_id) AS sessions,
			COUNT(DISTINCT user_id) AS users
		FROM events
		WHERE client_timestamp >= ? AND client_timestamp < ?`, dayMillis)
	args := []any{from.UnixMilli(), to.UnixMilli()}

	if key.Category != "" {
		query += " AND category = ?"
		args = append(args, key.Category)
	}
	if key.Name != "" {
		query += " AND name = ?"
		args = append(args, key.Name)
	}
	if key.Type != "" {
		query += " AND type = ?"
		args = append(args, string(key.Type))
	}
	query += " GROUP BY 1 ORDER BY 1"

	var rows []pointRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return models.TimeSeries{}, fmt.Errorf("failed to query aggregates for %s: %w", key, err)
	}

	ts := models.TimeSeries{Key: key, Points: make([]models.Point, len(rows))}
	for i, r := range rows {
		ts.Points[i] = r.point()
	}
	return ts, nil
}

// UpsertInsight inserts or refreshes an insight. The update only applies
// while the stored row is pending or in progress. At most one open row may
// exist per signature; a second one fails with errs.ErrOpenInsightExists.
func (s *SQLStore) UpsertInsight(ctx context.Context, insight *models.Insight) error {
	row, err := newInsightRow(insight)
	if err != nil {
		return fmt.Errorf("failed to encode insight: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO insights (`+insightColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			priority = excluded.priority,
			title = excluded.title,
			description = excluded.description,
			recommended_action = excluded.recommended_action,
			supporting_metrics = excluded.supporting_metrics,
			updated_at = excluded.updated_at
		WHERE insights.status IN ('pending', 'in_progress')
	`),
		row.ID, row.Type, row.Priority, row.Category, row.Name, row.Title, row.Description,
		row.RecommendedAction, row.SupportingMetrics, row.Status, row.CreatedAt, row.UpdatedAt, row.ResolvedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert insight %s: %w", insight.ID, errs.ErrOpenInsightExists)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert insight: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to upsert insight: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("upsert insight %s: %w", insight.ID, errs.ErrInsightTerminal)
	}
	return nil
}

func (s *SQLStore) UpdateInsightStatus(ctx context.Context, id string, to models.InsightStatus, at time.Time) (*models.Insight, error) {
	from := models.AllowedFrom(to)
	if len(from) == 0 {
		return nil, fmt.Errorf("status %q: %w", to, errs.ErrInvalidTransition)
	}

	var resolved sql.NullInt64
	if to.IsTerminal() {
		resolved = sql.NullInt64{Int64: at.UnixMilli(), Valid: true}
	}

	query, args, err := sqlx.In(`
		UPDATE insights SET status = ?, updated_at = ?, resolved_at = ?
		WHERE id = ? AND status IN (?)
	`, string(to), at.UnixMilli(), resolved, id, statusStrings(from))
	if err != nil {
		return nil, fmt.Errorf("failed to build status update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update insight status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.GetInsight(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("insight %s %s -> %s: %w", id, current.Status, to, errs.ErrInvalidTransition)
	}

	return s.GetInsight(ctx, id)
}

func (s *SQLStore) FindOpenInsight(ctx context.Context, sig models.InsightSignature, since time.Time) (*models.Insight, error) {
	query, args, err := sqlx.In(`
		SELECT `+insightColumns+`
		FROM insights
		WHERE type = ? AND category = ? AND name = ? AND status IN (?) AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`, string(sig.Type), sig.Category, sig.Name, statusStrings(models.OpenStatuses), since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to build open insight query: %w", err)
	}

	var row insightRow
	err = s.db.GetContext(ctx, &row, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open insight: %w", err)
	}
	return row.insight()
}

func (s *SQLStore) GetInsight(ctx context.Context, id string) (*models.Insight, error) {
	var row insightRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+insightColumns+` FROM insights WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("insight %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get insight: %w", err)
	}
	return row.insight()
}

func (s *SQLStore) ListInsights(ctx context.Context, filter models.InsightFilter) ([]models.Insight, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}

	query := `SELECT ` + insightColumns + ` FROM insights`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []insightRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list insights: %w", err)
	}

	out := make([]models.Insight, 0, len(rows))
	for _, r := range rows {
		in, err := r.insight()
		if err != nil {
			s.logger.Warn("Skipping undecodable insight", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, *in)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
