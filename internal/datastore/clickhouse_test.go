package datastore

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/errs"
	"Mansoor88-6/analytics-telemetry/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap/zaptest"
)

type fakeBatch struct {
	driver.Batch
	rows    [][]any
	sent    bool
	aborted bool
}

func (b *fakeBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	b.sent = true
	return nil
}

func (b *fakeBatch) Abort() error {
	b.aborted = true
	return nil
}

// fakeCH answers the queries ClickHouseStore issues from in-memory rows.
type fakeCH struct {
	insights map[string]chInsightRow
	points   []chPointRow
	written  []chInsightRow
	batch    *fakeBatch

	// beforeStatusRead runs ahead of the status read that guards a write.
	beforeStatusRead func(f *fakeCH)
}

func newFakeCH() *fakeCH {
	return &fakeCH{insights: make(map[string]chInsightRow)}
}

func (f *fakeCH) Select(ctx context.Context, dest any, query string, args ...any) error {
	switch d := dest.(type) {
	case *[]chInsightRow:
		if row, ok := f.insights[args[0].(string)]; ok {
			*d = append(*d, row)
		}
	case *[]chStatusRow:
		if f.beforeStatusRead != nil {
			f.beforeStatusRead(f)
		}
		if row, ok := f.insights[args[0].(string)]; ok {
			*d = append(*d, chStatusRow{Status: row.Status})
		}
	case *[]chPointRow:
		*d = append(*d, f.points...)
	}
	return nil
}

func (f *fakeCH) Exec(ctx context.Context, query string, args ...any) error {
	if !strings.HasPrefix(query, "INSERT INTO insights") {
		return nil
	}
	row := chInsightRow{
		ID:                args[0].(string),
		Type:              args[1].(string),
		Priority:          args[2].(string),
		Category:          args[3].(string),
		Name:              args[4].(string),
		Title:             args[5].(string),
		Description:       args[6].(string),
		RecommendedAction: args[7].(string),
		SupportingMetrics: args[8].(string),
		Status:            args[9].(string),
		CreatedAt:         args[10].(int64),
		UpdatedAt:         args[11].(int64),
		ResolvedAt:        args[12].(*int64),
	}
	f.insights[row.ID] = row
	f.written = append(f.written, row)
	return nil
}

func (f *fakeCH) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	f.batch = &fakeBatch{}
	return f.batch, nil
}

func (f *fakeCH) Close() error {
	return nil
}

func (f *fakeCH) store(t *testing.T, in *models.Insight) {
	t.Helper()
	row, err := newInsightRow(in)
	if err != nil {
		t.Fatalf("newInsightRow: %v", err)
	}
	f.insights[in.ID] = chInsightRow{
		ID:                row.ID,
		Type:              row.Type,
		Priority:          row.Priority,
		Category:          row.Category,
		Name:              row.Name,
		Title:             row.Title,
		Description:       row.Description,
		RecommendedAction: row.RecommendedAction,
		SupportingMetrics: row.SupportingMetrics,
		Status:            row.Status,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
		ResolvedAt:        row.ResolvedAtMs,
	}
}

func newTestClickHouse(t *testing.T, fake *fakeCH) *ClickHouseStore {
	return &ClickHouseStore{
		conn:   fake,
		now:    func() time.Time { return day0.Add(12 * time.Hour) },
		logger: zaptest.NewLogger(t),
	}
}

func TestClickHouseInsightRowMapping(t *testing.T) {
	resolved := day0.Add(3 * time.Hour).UnixMilli()
	row := chInsightRow{
		ID:                "i1",
		Type:              string(models.InsightAnomaly),
		Priority:          string(models.PriorityCritical),
		Category:          models.CategoryShop,
		Name:              "checkout",
		Title:             "Checkout spike",
		SupportingMetrics: `{"zScore":4.2}`,
		Status:            string(models.StatusDismissed),
		CreatedAt:         day0.UnixMilli(),
		UpdatedAt:         day0.Add(time.Hour).UnixMilli(),
		ResolvedAt:        &resolved,
	}

	in, err := row.insight()
	if err != nil {
		t.Fatalf("insight: %v", err)
	}
	if in.Type != models.InsightAnomaly || in.Priority != models.PriorityCritical || in.Status != models.StatusDismissed {
		t.Fatalf("unexpected enums %+v", in)
	}
	if !in.CreatedAt.Equal(day0) || in.ResolvedAt == nil || !in.ResolvedAt.Equal(day0.Add(3*time.Hour)) {
		t.Fatalf("unexpected timestamps %+v", in)
	}
	if in.SupportingMetrics["zScore"] != 4.2 {
		t.Fatalf("unexpected metrics %v", in.SupportingMetrics)
	}

	row.ResolvedAt = nil
	row.SupportingMetrics = "{"
	if _, err := row.insight(); err == nil {
		t.Fatal("expected an error for malformed supporting metrics")
	}
}

func TestClickHouseQueryAggregatesMapsRows(t *testing.T) {
	fake := newFakeCH()
	first := day0.UnixMilli() / dayMillis
	fake.points = []chPointRow{
		{Day: first, Events: 12, ValueSum: 30.5, Sessions: 4, Users: 3},
		{Day: first + 2, Events: 1, Sessions: 1},
	}
	s := newTestClickHouse(t, fake)

	key := models.MetricKey{Category: models.CategoryShop, Name: "checkout"}
	ts, err := s.QueryAggregates(context.Background(), key, day0, day0.Add(3*models.Day))
	if err != nil {
		t.Fatalf("QueryAggregates: %v", err)
	}
	if ts.Key != key || len(ts.Points) != 2 {
		t.Fatalf("unexpected series %+v", ts)
	}
	p := ts.Points[0]
	if !p.Day.Equal(day0) || p.Events != 12 || p.ValueSum != 30.5 || p.Sessions != 4 || p.Users != 3 {
		t.Fatalf("unexpected first bucket %+v", p)
	}
	if !ts.Points[1].Day.Equal(day0.Add(2 * models.Day)) {
		t.Fatalf("unexpected second bucket %+v", ts.Points[1])
	}
}

func TestClickHouseInsertEventsBatchSkipsInvalid(t *testing.T) {
	fake := newFakeCH()
	s := newTestClickHouse(t, fake)
	ctx := context.Background()

	inf := math.Inf(1)
	bad := event("bad", "s1", nil, models.CategoryShop, "add_to_cart", day0)
	bad.Value = &inf
	batch := []models.Event{
		event("e1", "s1", nil, models.CategoryShop, "add_to_cart", day0),
		bad,
		event("e2", "s1", nil, models.CategoryShop, "checkout", day0),
	}
	if err := s.InsertEventsBatch(ctx, batch); err != nil {
		t.Fatalf("InsertEventsBatch: %v", err)
	}
	if !fake.batch.sent || len(fake.batch.rows) != 2 {
		t.Fatalf("expected 2 rows sent, got %d (sent=%v)", len(fake.batch.rows), fake.batch.sent)
	}
	if got := fake.batch.rows[1][0]; got != "e2" {
		t.Fatalf("expected e2 in second row, got %v", got)
	}
	if got := fake.batch.rows[0][16]; got != day0.Add(12*time.Hour).UnixMilli() {
		t.Fatalf("unexpected flushed_at %v", got)
	}

	if err := s.InsertEventsBatch(ctx, []models.Event{bad}); err != nil {
		t.Fatalf("InsertEventsBatch: %v", err)
	}
	if !fake.batch.aborted || fake.batch.sent {
		t.Fatal("expected an all-invalid batch to be aborted")
	}
}

func TestClickHouseUpsertInsight(t *testing.T) {
	tests := []struct {
		name       string
		stored     *models.Insight
		before     func(f *fakeCH)
		wantErr    error
		wantStatus models.InsightStatus
	}{
		{
			name:       "new insight is written",
			wantStatus: models.StatusPending,
		},
		{
			name:       "open insight keeps its status",
			stored:     newInsight("i1", models.StatusInProgress, day0),
			wantStatus: models.StatusInProgress,
		},
		{
			name:    "terminal insight is left alone",
			stored:  newInsight("i1", models.StatusCompleted, day0),
			wantErr: errs.ErrInsightTerminal,
		},
		{
			name:   "insight dismissed before the write",
			stored: newInsight("i1", models.StatusPending, day0),
			before: func(f *fakeCH) {
				row := f.insights["i1"]
				row.Status = string(models.StatusDismissed)
				f.insights["i1"] = row
			},
			wantErr: errs.ErrInsightTerminal,
		},
		{
			name:   "insight picked up before the write",
			stored: newInsight("i1", models.StatusPending, day0),
			before: func(f *fakeCH) {
				row := f.insights["i1"]
				row.Status = string(models.StatusInProgress)
				f.insights["i1"] = row
			},
			wantStatus: models.StatusInProgress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeCH()
			if tt.stored != nil {
				fake.store(t, tt.stored)
			}
			fake.beforeStatusRead = tt.before
			s := newTestClickHouse(t, fake)

			in := newInsight("i1", models.StatusPending, day0.Add(time.Hour))
			in.Priority = models.PriorityHigh
			err := s.UpsertInsight(context.Background(), in)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if len(fake.written) != 0 {
					t.Fatalf("expected no write, got %+v", fake.written)
				}
				return
			}
			if err != nil {
				t.Fatalf("UpsertInsight: %v", err)
			}
			if len(fake.written) != 1 {
				t.Fatalf("expected one write, got %d", len(fake.written))
			}
			got := fake.written[0]
			if got.Status != string(tt.wantStatus) || got.Priority != string(models.PriorityHigh) {
				t.Fatalf("unexpected written row %+v", got)
			}
			wantCreated := day0.Add(time.Hour)
			if tt.stored != nil {
				wantCreated = tt.stored.CreatedAt
			}
			if got.CreatedAt != wantCreated.UnixMilli() {
				t.Fatalf("expected created_at %d, got %d", wantCreated.UnixMilli(), got.CreatedAt)
			}
		})
	}
}
