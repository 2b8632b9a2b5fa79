package datastore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/errs"
	"Mansoor88-6/analytics-telemetry/internal/models"
)

const dayMillis = int64(24 * time.Hour / time.Millisecond)

// eventRow is the storage shape of an event. Timestamps are Unix ms.
type eventRow struct {
	ID                   string          `db:"id" json:"id"`
	SessionID            string          `db:"session_id" json:"session_id"`
	UserID               sql.NullString  `db:"user_id" json:"-"`
	UserTier             string          `db:"user_tier" json:"user_tier"`
	InstallationID       string          `db:"installation_id" json:"installation_id"`
	Platform             string          `db:"platform" json:"platform"`
	AppVersion           string          `db:"app_version" json:"app_version"`
	Type                 string          `db:"type" json:"type"`
	Category             string          `db:"category" json:"category"`
	Name                 string          `db:"name" json:"name"`
	Value                sql.NullFloat64 `db:"value" json:"-"`
	Payload              string          `db:"payload" json:"payload"`
	PageName             sql.NullString  `db:"page_name" json:"-"`
	PreviousPage         sql.NullString  `db:"previous_page" json:"-"`
	TimeOnPreviousPageMs sql.NullInt64   `db:"time_on_previous_page_ms" json:"-"`
	ClientTimestamp      int64           `db:"client_timestamp" json:"client_timestamp"`
	FlushedAt            int64           `db:"flushed_at" json:"flushed_at"`
}

func newEventRow(e *models.Event, flushedAt int64) (eventRow, error) {
	payload, err := e.PayloadJSON()
	if err != nil {
		return eventRow{}, err
	}
	row := eventRow{
		ID:              e.ID,
		SessionID:       e.SessionID,
		UserTier:        e.UserTier,
		InstallationID:  e.InstallationID,
		Platform:        e.Platform,
		AppVersion:      e.AppVersion,
		Type:            string(e.Type),
		Category:        e.Category,
		Name:            e.Name,
		Payload:         payload,
		ClientTimestamp: e.ClientTimestamp,
		FlushedAt:       flushedAt,
	}
	if e.UserID != nil {
		row.UserID = sql.NullString{String: *e.UserID, Valid: true}
	}
	if e.Value != nil {
		row.Value = sql.NullFloat64{Float64: *e.Value, Valid: true}
	}
	if e.PageName != nil {
		row.PageName = sql.NullString{String: *e.PageName, Valid: true}
	}
	if e.PreviousPage != nil {
		row.PreviousPage = sql.NullString{String: *e.PreviousPage, Valid: true}
	}
	if e.TimeOnPreviousPageMs != nil {
		row.TimeOnPreviousPageMs = sql.NullInt64{Int64: *e.TimeOnPreviousPageMs, Valid: true}
	}
	return row, nil
}

type pointRow struct {
	Day      int64   `db:"day"`
	Events   int64   `db:"events"`
	ValueSum float64 `db:"value_sum"`
	Sessions int64   `db:"sessions"`
	Users    int64   `db:"users"`
}

func (r pointRow) point() models.Point {
	return models.Point{
		Day:      models.DayFromIndex(r.Day),
		Events:   r.Events,
		ValueSum: r.ValueSum,
		Sessions: r.Sessions,
		Users:    r.Users,
	}
}

type keyRow struct {
	Category string `db:"category"`
	Name     string `db:"name"`
	Type     string `db:"type"`
}

// insightRow is the storage shape of an insight.
type insightRow struct {
	ID                string        `db:"id" json:"id"`
	Type              string        `db:"type" json:"type"`
	Priority          string        `db:"priority" json:"priority"`
	Category          string        `db:"category" json:"category"`
	Name              string        `db:"name" json:"name"`
	Title             string        `db:"title" json:"title"`
	Description       string        `db:"description" json:"description"`
	RecommendedAction string        `db:"recommended_action" json:"recommended_action"`
	SupportingMetrics string        `db:"supporting_metrics" json:"supporting_metrics"`
	Status            string        `db:"status" json:"status"`
	CreatedAt         int64         `db:"created_at" json:"created_at"`
	UpdatedAt         int64         `db:"updated_at" json:"updated_at"`
	ResolvedAt        sql.NullInt64 `db:"resolved_at" json:"-"`
	// ResolvedAtMs mirrors ResolvedAt for JSON-based stores.
	ResolvedAtMs *int64 `db:"-" json:"resolved_at"`
}

const insightColumns = `id, type, priority, category, name, title, description, recommended_action,
	supporting_metrics, status, created_at, updated_at, resolved_at`

func newInsightRow(in *models.Insight) (insightRow, error) {
	metrics, err := json.Marshal(in.SupportingMetrics)
	if err != nil {
		return insightRow{}, err
	}
	row := insightRow{
		ID:                in.ID,
		Type:              string(in.Type),
		Priority:          string(in.Priority),
		Category:          in.Category,
		Name:              in.Name,
		Title:             in.Title,
		Description:       in.Description,
		RecommendedAction: in.RecommendedAction,
		SupportingMetrics: string(metrics),
		Status:            string(in.Status),
		CreatedAt:         in.CreatedAt.UnixMilli(),
		UpdatedAt:         in.UpdatedAt.UnixMilli(),
	}
	if in.ResolvedAt != nil {
		ms := in.ResolvedAt.UnixMilli()
		row.ResolvedAt = sql.NullInt64{Int64: ms, Valid: true}
		row.ResolvedAtMs = &ms
	}
	return row, nil
}

func (r insightRow) insight() (*models.Insight, error) {
	in := &models.Insight{
		ID:                r.ID,
		Type:              models.InsightType(r.Type),
		Priority:          models.Priority(r.Priority),
		Category:          r.Category,
		Name:              r.Name,
		Title:             r.Title,
		Description:       r.Description,
		RecommendedAction: r.RecommendedAction,
		Status:            models.InsightStatus(r.Status),
		CreatedAt:         time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:         time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.SupportingMetrics != "" {
		if err := json.Unmarshal([]byte(r.SupportingMetrics), &in.SupportingMetrics); err != nil {
			return nil, err
		}
	}
	switch {
	case r.ResolvedAt.Valid:
		t := time.UnixMilli(r.ResolvedAt.Int64).UTC()
		in.ResolvedAt = &t
	case r.ResolvedAtMs != nil:
		t := time.UnixMilli(*r.ResolvedAtMs).UTC()
		in.ResolvedAt = &t
	}
	return in, nil
}

func statusStrings(statuses []models.InsightStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, errs.ErrNotFound)
}
