package datastore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/config"
	"Mansoor88-6/analytics-telemetry/internal/errs"
	"Mansoor88-6/analytics-telemetry/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Both tables are ReplacingMergeTree: a repeated event id collapses to one
// row, and an insight keeps only its latest version by updated_at. Reads use
// FINAL so duplicates that have not merged yet are not counted.
var clickhouseSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id String,
		session_id String,
		user_id Nullable(String),
		user_tier String,
		installation_id String,
		platform String,
		app_version String,
		type LowCardinality(String),
		category LowCardinality(String),
		name String,
		value Nullable(Float64),
		payload String,
		page_name Nullable(String),
		previous_page Nullable(String),
		time_on_previous_page_ms Nullable(Int64),
		client_timestamp Int64,
		flushed_at Int64
	) ENGINE = ReplacingMergeTree(flushed_at)
	ORDER BY id`,
	`CREATE TABLE IF NOT EXISTS insights (
		id String,
		type LowCardinality(String),
		priority LowCardinality(String),
		category String,
		name String,
		title String,
		description String,
		recommended_action String,
		supporting_metrics String,
		status LowCardinality(String),
		created_at Int64,
		updated_at Int64,
		resolved_at Nullable(Int64)
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY id`,
}

type chPointRow struct {
	Day      int64   `ch:"day"`
	Events   uint64  `ch:"events"`
	ValueSum float64 `ch:"value_sum"`
	Sessions uint64  `ch:"sessions"`
	Users    uint64  `ch:"users"`
}

type chKeyRow struct {
	Category string `ch:"category"`
	Name     string `ch:"name"`
	Type     string `ch:"type"`
}

type chInsightRow struct {
	ID                string `ch:"id"`
	Type              string `ch:"type"`
	Priority          string `ch:"priority"`
	Category          string `ch:"category"`
	Name              string `ch:"name"`
	Title             string `ch:"title"`
	Description       string `ch:"description"`
	RecommendedAction string `ch:"recommended_action"`
	SupportingMetrics string `ch:"supporting_metrics"`
	Status            string `ch:"status"`
	CreatedAt         int64  `ch:"created_at"`
	UpdatedAt         int64  `ch:"updated_at"`
	ResolvedAt        *int64 `ch:"resolved_at"`
}

func (r chInsightRow) insight() (*models.Insight, error) {
	return insightRow{
		ID:                r.ID,
		Type:              r.Type,
		Priority:          r.Priority,
		Category:          r.Category,
		Name:              r.Name,
		Title:             r.Title,
		Description:       r.Description,
		RecommendedAction: r.RecommendedAction,
		SupportingMetrics: r.SupportingMetrics,
		Status:            r.Status,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		ResolvedAtMs:      r.ResolvedAt,
	}.insight()
}

// chConn is the subset of driver.Conn the store issues queries through.
type chConn interface {
	Select(ctx context.Context, dest any, query string, args ...any) error
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

type chStatusRow struct {
	Status string `ch:"status"`
}

type ClickHouseStore struct {
	conn   chConn
	now    func() time.Time
	logger *zap.Logger
}

func NewClickHouse(ctx context.Context, cfg config.ClickHouseConfig, logger *zap.Logger) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{{Name: "insight-engine", Version: "1.0.0"}},
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	for _, stmt := range clickhouseSchema {
		if err := conn.Exec(ctx, stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("clickhouse migration failed: %w", err)
		}
	}

	logger.Info("ClickHouse datastore connected",
		zap.Strings("addr", cfg.Addr),
		zap.String("database", cfg.Database),
	)
	return &ClickHouseStore{conn: conn, now: time.Now, logger: logger}, nil
}

func (s *ClickHouseStore) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("could not close clickhouse connection: %w", err)
	}
	s.logger.Info("ClickHouse connection closed")
	return nil
}

func (s *ClickHouseStore) InsertEventsBatch(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO events (
			id, session_id, user_id, user_tier, installation_id, platform, app_version,
			type, category, name, value, payload, page_name, previous_page,
			time_on_previous_page_ms, client_timestamp, flushed_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch insert: %w", err)
	}

	flushedAt := s.now().UnixMilli()
	appended := 0
	for i := range events {
		e := &events[i]
		if err := e.Validate(); err != nil {
			s.logger.Warn("Invalid event in batch", zap.String("event_id", e.ID), zap.Error(err))
			continue
		}
		payload, err := e.PayloadJSON()
		if err != nil {
			s.logger.Warn("Unencodable event in batch", zap.String("event_id", e.ID), zap.Error(err))
			continue
		}
		err = batch.Append(
			e.ID, e.SessionID, e.UserID, e.UserTier, e.InstallationID, e.Platform, e.AppVersion,
			string(e.Type), e.Category, e.Name, e.Value, payload, e.PageName, e.PreviousPage,
			e.TimeOnPreviousPageMs, e.ClientTimestamp, flushedAt,
		)
		if err != nil {
			s.logger.Warn("Error appending event to batch", zap.String("event_id", e.ID), zap.Error(err))
			continue
		}
		appended++
	}

	if appended == 0 {
		return batch.Abort()
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	s.logger.Debug("Batch insert completed", zap.Int("total", len(events)), zap.Int("appended", appended))
	return nil
}

func (s *ClickHouseStore) AggregateKeys(ctx context.Context, from, to time.Time) ([]models.MetricKey, error) {
	var rows []chKeyRow
	err := s.conn.Select(ctx, &rows, `
		SELECT DISTINCT category, name, type
		FROM events FINAL
		WHERE client_timestamp >= ? AND client_timestamp < ?
		ORDER BY category, name, type
	`, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregate keys: %w", err)
	}

	keys := make([]models.MetricKey, len(rows))
	for i, r := range rows {
		keys[i] = models.MetricKey{Category: r.Category, Name: r.Name, Type: models.EventType(r.Type)}
	}
	return keys, nil
}

func (s *ClickHouseStore) QueryAggregates(ctx context.Context, key models.MetricKey, from, to time.Time) (models.TimeSeries, error) {
	where := []string{"client_timestamp >= ?", "client_timestamp < ?"}
	args := []any{from.UnixMilli(), to.UnixMilli()}
	if key.Category != "" {
		where = append(where, "category = ?")
		args = append(args, key.Category)
	}
	if key.Name != "" {
		where = append(where, "name = ?")
		args = append(args, key.Name)
	}
	if key.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(key.Type))
	}

	query := fmt.Sprintf(`
		SELECT intDiv(client_timestamp, %d) AS day,
			count() AS events,
			sum(ifNull(value, 0)) AS value_sum,
			uniqExact(session_id) AS sessions,
			uniqExact(user_id) AS users
		FROM events FINAL
		WHERE %s
		GROUP BY day
		ORDER BY day ASC
	`, dayMillis, strings.Join(where, " AND "))

	var rows []chPointRow
	if err := s.conn.Select(ctx, &rows, query, args...); err != nil {
		return models.TimeSeries{}, fmt.Errorf("failed to query aggregates for %s: %w", key, err)
	}

	ts := models.TimeSeries{Key: key, Points: make([]models.Point, len(rows))}
	for i, r := range rows {
		ts.Points[i] = pointRow{
			Day:      r.Day,
			Events:   int64(r.Events),
			ValueSum: r.ValueSum,
			Sessions: int64(r.Sessions),
			Users:    int64(r.Users),
		}.point()
	}
	return ts, nil
}

// UpsertInsight writes a new version of the insight. ClickHouse has no
// conditional insert, so the status is read again right before the write and
// a version that became terminal in between is never overwritten. The
// remaining window is closed by the engine running one generation at a time.
func (s *ClickHouseStore) UpsertInsight(ctx context.Context, insight *models.Insight) error {
	current, err := s.GetInsight(ctx, insight.ID)
	switch {
	case err == nil && current.Status.IsTerminal():
		return fmt.Errorf("upsert insight %s: %w", insight.ID, errs.ErrInsightTerminal)
	case err == nil:
		merged := *insight
		merged.Status = current.Status
		merged.CreatedAt = current.CreatedAt
		return s.writeIfOpen(ctx, &merged)
	case isNotFound(err):
		return s.writeIfOpen(ctx, insight)
	default:
		return err
	}
}

// writeIfOpen writes the insight unless the stored version is terminal. A
// status moved between open states by a concurrent update is kept.
func (s *ClickHouseStore) writeIfOpen(ctx context.Context, insight *models.Insight) error {
	var rows []chStatusRow
	if err := s.conn.Select(ctx, &rows, `SELECT status FROM insights FINAL WHERE id = ?`, insight.ID); err != nil {
		return fmt.Errorf("failed to read insight status: %w", err)
	}
	if len(rows) > 0 {
		latest := models.InsightStatus(rows[0].Status)
		if latest.IsTerminal() {
			return fmt.Errorf("upsert insight %s: %w", insight.ID, errs.ErrInsightTerminal)
		}
		insight.Status = latest
	}
	return s.writeInsight(ctx, insight)
}

func (s *ClickHouseStore) UpdateInsightStatus(ctx context.Context, id string, to models.InsightStatus, at time.Time) (*models.Insight, error) {
	current, err := s.GetInsight(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(current.Status, to) {
		return nil, fmt.Errorf("insight %s %s -> %s: %w", id, current.Status, to, errs.ErrInvalidTransition)
	}

	current.Status = to
	current.UpdatedAt = at.UTC()
	if to.IsTerminal() {
		resolved := at.UTC()
		current.ResolvedAt = &resolved
	}
	if err := s.writeInsight(ctx, current); err != nil {
		return nil, err
	}
	return current, nil
}

func (s *ClickHouseStore) writeInsight(ctx context.Context, insight *models.Insight) error {
	row, err := newInsightRow(insight)
	if err != nil {
		return fmt.Errorf("failed to encode insight: %w", err)
	}
	err = s.conn.Exec(ctx, `INSERT INTO insights (`+insightColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Type, row.Priority, row.Category, row.Name, row.Title, row.Description,
		row.RecommendedAction, row.SupportingMetrics, row.Status, row.CreatedAt, row.UpdatedAt, row.ResolvedAtMs,
	)
	if err != nil {
		return fmt.Errorf("failed to write insight: %w", err)
	}
	return nil
}

func (s *ClickHouseStore) FindOpenInsight(ctx context.Context, sig models.InsightSignature, since time.Time) (*models.Insight, error) {
	var rows []chInsightRow
	err := s.conn.Select(ctx, &rows, `
		SELECT `+insightColumns+`
		FROM insights FINAL
		WHERE type = ? AND category = ? AND name = ? AND status IN (?, ?) AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`, string(sig.Type), sig.Category, sig.Name,
		string(models.StatusPending), string(models.StatusInProgress), since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to find open insight: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].insight()
}

func (s *ClickHouseStore) GetInsight(ctx context.Context, id string) (*models.Insight, error) {
	var rows []chInsightRow
	err := s.conn.Select(ctx, &rows, `SELECT `+insightColumns+` FROM insights FINAL WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get insight: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insight %s: %w", id, errs.ErrNotFound)
	}
	return rows[0].insight()
}

func (s *ClickHouseStore) ListInsights(ctx context.Context, filter models.InsightFilter) ([]models.Insight, error) {
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

	query := `SELECT ` + insightColumns + ` FROM insights FINAL`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []chInsightRow
	if err := s.conn.Select(ctx, &rows, query, args...); err != nil {
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
