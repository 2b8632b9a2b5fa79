package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/config"
	"Mansoor88-6/analytics-telemetry/internal/errs"
	"Mansoor88-6/analytics-telemetry/internal/models"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"
)

const supabasePageSize = 1000

// restEvent is the PostgREST JSON shape of the events table.
type restEvent struct {
	ID                   string   `json:"id"`
	SessionID            string   `json:"session_id"`
	UserID               *string  `json:"user_id"`
	UserTier             string   `json:"user_tier"`
	InstallationID       string   `json:"installation_id"`
	Platform             string   `json:"platform"`
	AppVersion           string   `json:"app_version"`
	Type                 string   `json:"type"`
	Category             string   `json:"category"`
	Name                 string   `json:"name"`
	Value                *float64 `json:"value"`
	Payload              string   `json:"payload"`
	PageName             *string  `json:"page_name"`
	PreviousPage         *string  `json:"previous_page"`
	TimeOnPreviousPageMs *int64   `json:"time_on_previous_page_ms"`
	ClientTimestamp      int64    `json:"client_timestamp"`
	FlushedAt            int64    `json:"flushed_at"`
}

// SupabaseStore talks to the same schema as SQLStore through PostgREST.
// Aggregates are computed client side since PostgREST exposes no GROUP BY.
type SupabaseStore struct {
	client *supabase.Client
	now    func() time.Time
	logger *zap.Logger
}

func NewSupabase(cfg config.SupabaseConfig, logger *zap.Logger) (*SupabaseStore, error) {
	if cfg.URL == "" || cfg.Key == "" {
		return nil, fmt.Errorf("supabase url and key are required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.Key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	logger.Info("Supabase datastore configured", zap.String("url", cfg.URL))
	return &SupabaseStore{client: client, now: time.Now, logger: logger}, nil
}

func (s *SupabaseStore) Close() error {
	return nil
}

func (s *SupabaseStore) InsertEventsBatch(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	flushedAt := s.now().UnixMilli()
	rows := make([]restEvent, 0, len(events))
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
		rows = append(rows, restEvent{
			ID:                   e.ID,
			SessionID:            e.SessionID,
			UserID:               e.UserID,
			UserTier:             e.UserTier,
			InstallationID:       e.InstallationID,
			Platform:             e.Platform,
			AppVersion:           e.AppVersion,
			Type:                 string(e.Type),
			Category:             e.Category,
			Name:                 e.Name,
			Value:                e.Value,
			Payload:              payload,
			PageName:             e.PageName,
			PreviousPage:         e.PreviousPage,
			TimeOnPreviousPageMs: e.TimeOnPreviousPageMs,
			ClientTimestamp:      e.ClientTimestamp,
			FlushedAt:            flushedAt,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errs.Network("supabase insert", err)
	}

	// postgrest-go only offers resolution=merge-duplicates. Events are
	// immutable, so merging a replayed id rewrites identical data.
	if _, _, err := s.client.From("events").Insert(rows, true, "id", "minimal", "").Execute(); err != nil {
		return errs.Network("supabase insert", err)
	}

	s.logger.Debug("Batch insert completed", zap.Int("total", len(events)), zap.Int("sent", len(rows)))
	return nil
}

// isRESTUniqueViolation matches the "(code) message" errors postgrest-go
// builds from PostgREST error bodies.
func isRESTUniqueViolation(err error) bool {
	return strings.HasPrefix(err.Error(), "(23505)")
}

// scanEvents pages through events in [from, to) by id.
func (s *SupabaseStore) scanEvents(ctx context.Context, key models.MetricKey, from, to time.Time, fn func(restEvent)) error {
	lastID := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		q := s.client.From("events").
			Select("id, session_id, user_id, type, category, name, value, client_timestamp", "", false).
			And(fmt.Sprintf("client_timestamp.gte.%d,client_timestamp.lt.%d", from.UnixMilli(), to.UnixMilli()), "")
		if key.Category != "" {
			q = q.Eq("category", key.Category)
		}
		if key.Name != "" {
			q = q.Eq("name", key.Name)
		}
		if key.Type != "" {
			q = q.Eq("type", string(key.Type))
		}
		if lastID != "" {
			q = q.Gt("id", lastID)
		}

		resp, _, err := q.Order("id", &postgrest.OrderOpts{Ascending: true}).
			Limit(supabasePageSize, "").
			Execute()
		if err != nil {
			return err
		}

		var page []restEvent
		if err := json.Unmarshal(resp, &page); err != nil {
			return fmt.Errorf("failed to decode events page: %w", err)
		}
		for _, e := range page {
			fn(e)
		}
		if len(page) < supabasePageSize {
			return nil
		}
		lastID = page[len(page)-1].ID
	}
}

func (s *SupabaseStore) AggregateKeys(ctx context.Context, from, to time.Time) ([]models.MetricKey, error) {
	seen := make(map[models.MetricKey]struct{})
	err := s.scanEvents(ctx, models.MetricKey{}, from, to, func(e restEvent) {
		seen[models.MetricKey{Category: e.Category, Name: e.Name, Type: models.EventType(e.Type)}] = struct{}{}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregate keys: %w", err)
	}

	keys := make([]models.MetricKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}

func (s *SupabaseStore) QueryAggregates(ctx context.Context, key models.MetricKey, from, to time.Time) (models.TimeSeries, error) {
	type bucket struct {
		row      pointRow
		sessions map[string]struct{}
		users    map[string]struct{}
	}
	buckets := make(map[int64]*bucket)

	err := s.scanEvents(ctx, key, from, to, func(e restEvent) {
		day := e.ClientTimestamp / dayMillis
		b, ok := buckets[day]
		if !ok {
			b = &bucket{
				row:      pointRow{Day: day},
				sessions: make(map[string]struct{}),
				users:    make(map[string]struct{}),
			}
			buckets[day] = b
		}
		b.row.Events++
		if e.Value != nil {
			b.row.ValueSum += *e.Value
		}
		b.sessions[e.SessionID] = struct{}{}
		if e.UserID != nil {
			b.users[*e.UserID] = struct{}{}
		}
	})
	if err != nil {
		return models.TimeSeries{}, fmt.Errorf("failed to query aggregates for %s: %w", key, err)
	}

	days := make([]int64, 0, len(buckets))
	for d := range buckets {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

	ts := models.TimeSeries{Key: key, Points: make([]models.Point, len(days))}
	for i, d := range days {
		b := buckets[d]
		b.row.Sessions = int64(len(b.sessions))
		b.row.Users = int64(len(b.users))
		ts.Points[i] = b.row.point()
	}
	return ts, nil
}

func (s *SupabaseStore) UpsertInsight(ctx context.Context, insight *models.Insight) error {
	current, err := s.GetInsight(ctx, insight.ID)
	switch {
	case err == nil && current.Status.IsTerminal():
		return fmt.Errorf("upsert insight %s: %w", insight.ID, errs.ErrInsightTerminal)
	case err == nil:
		row, err := newInsightRow(insight)
		if err != nil {
			return fmt.Errorf("failed to encode insight: %w", err)
		}
		updates := map[string]interface{}{
			"priority":           row.Priority,
			"title":              row.Title,
			"description":        row.Description,
			"recommended_action": row.RecommendedAction,
			"supporting_metrics": row.SupportingMetrics,
			"updated_at":         row.UpdatedAt,
		}
		resp, _, err := s.client.From("insights").
			Update(updates, "", "").
			Eq("id", insight.ID).
			In("status", statusStrings(models.OpenStatuses)).
			Execute()
		if err != nil {
			return fmt.Errorf("failed to update insight: %w", err)
		}
		var updated []insightRow
		if err := json.Unmarshal(resp, &updated); err != nil {
			return fmt.Errorf("failed to decode updated insight: %w", err)
		}
		if len(updated) == 0 {
			return fmt.Errorf("upsert insight %s: %w", insight.ID, errs.ErrInsightTerminal)
		}
		return nil
	case isNotFound(err):
		row, err := newInsightRow(insight)
		if err != nil {
			return fmt.Errorf("failed to encode insight: %w", err)
		}
		if _, _, err := s.client.From("insights").Insert(row, false, "", "minimal", "").Execute(); err != nil {
			if isRESTUniqueViolation(err) {
				return fmt.Errorf("insert insight %s: %w", insight.ID, errs.ErrOpenInsightExists)
			}
			return fmt.Errorf("failed to insert insight: %w", err)
		}
		return nil
	default:
		return err
	}
}

func (s *SupabaseStore) UpdateInsightStatus(ctx context.Context, id string, to models.InsightStatus, at time.Time) (*models.Insight, error) {
	from := models.AllowedFrom(to)
	if len(from) == 0 {
		return nil, fmt.Errorf("status %q: %w", to, errs.ErrInvalidTransition)
	}

	updates := map[string]interface{}{
		"status":     string(to),
		"updated_at": at.UnixMilli(),
	}
	if to.IsTerminal() {
		updates["resolved_at"] = at.UnixMilli()
	}

	resp, _, err := s.client.From("insights").
		Update(updates, "", "").
		Eq("id", id).
		In("status", statusStrings(from)).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to update insight status: %w", err)
	}

	var rows []insightRow
	if err := json.Unmarshal(resp, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode insight: %w", err)
	}
	if len(rows) == 0 {
		current, err := s.GetInsight(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("insight %s %s -> %s: %w", id, current.Status, to, errs.ErrInvalidTransition)
	}
	return rows[0].insight()
}

func (s *SupabaseStore) FindOpenInsight(ctx context.Context, sig models.InsightSignature, since time.Time) (*models.Insight, error) {
	resp, _, err := s.client.From("insights").
		Select("*", "", false).
		Eq("type", string(sig.Type)).
		Eq("category", sig.Category).
		Eq("name", sig.Name).
		In("status", statusStrings(models.OpenStatuses)).
		Gte("created_at", strconv.FormatInt(since.UnixMilli(), 10)).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(1, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to find open insight: %w", err)
	}

	var rows []insightRow
	if err := json.Unmarshal(resp, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode insight: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].insight()
}

func (s *SupabaseStore) GetInsight(ctx context.Context, id string) (*models.Insight, error) {
	resp, _, err := s.client.From("insights").
		Select("*", "", false).
		Eq("id", id).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to get insight: %w", err)
	}

	var rows []insightRow
	if err := json.Unmarshal(resp, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode insight: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insight %s: %w", id, errs.ErrNotFound)
	}
	return rows[0].insight()
}

func (s *SupabaseStore) ListInsights(ctx context.Context, filter models.InsightFilter) ([]models.Insight, error) {
	q := s.client.From("insights").Select("*", "", false)
	if filter.Status != "" {
		q = q.Eq("status", string(filter.Status))
	}
	if filter.Type != "" {
		q = q.Eq("type", string(filter.Type))
	}
	if filter.Category != "" {
		q = q.Eq("category", filter.Category)
	}
	q = q.Order("created_at", &postgrest.OrderOpts{Ascending: false})
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit, "")
	}

	resp, _, err := q.Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to list insights: %w", err)
	}

	var rows []insightRow
	if err := json.Unmarshal(resp, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode insights: %w", err)
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
