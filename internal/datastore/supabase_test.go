package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/config"
	"Mansoor88-6/analytics-telemetry/internal/errs"
	"Mansoor88-6/analytics-telemetry/internal/models"

	"go.uber.org/zap/zaptest"
)

type restCall struct {
	method string
	table  string
	query  map[string]string
	prefer string
}

// fakePostgREST serves the events and insights tables from memory and
// understands just the filters SupabaseStore sends.
type fakePostgREST struct {
	mu       sync.Mutex
	events   []restEvent
	insights map[string]insightRow
	calls    []restCall

	// insertConflict answers insight inserts with a unique violation.
	insertConflict bool
	// closeBeforePatch flips the stored insight to dismissed right before
	// an update is applied, as a concurrent writer would.
	closeBeforePatch bool
}

func newFakePostgREST() *fakePostgREST {
	return &fakePostgREST{insights: make(map[string]insightRow)}
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		query[k] = v[0]
	}
	f.calls = append(f.calls, restCall{method: r.Method, table: table, query: query, prefer: r.Header.Get("Prefer")})

	switch {
	case table == "events" && r.Method == http.MethodPost:
		var rows []restEvent
		if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.events = append(f.events, rows...)
		w.WriteHeader(http.StatusCreated)
	case table == "events" && r.Method == http.MethodGet:
		writeJSON(w, f.selectEvents(query))
	case table == "insights" && r.Method == http.MethodGet:
		out := []insightRow{}
		if row, ok := f.insights[strings.TrimPrefix(query["id"], "eq.")]; ok {
			out = append(out, row)
		}
		writeJSON(w, out)
	case table == "insights" && r.Method == http.MethodPost:
		if f.insertConflict {
			w.WriteHeader(http.StatusConflict)
			writeJSON(w, map[string]string{"code": "23505", "message": "duplicate key value violates unique constraint"})
			return
		}
		var row insightRow
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.insights[row.ID] = row
		w.WriteHeader(http.StatusCreated)
	case table == "insights" && r.Method == http.MethodPatch:
		f.patchInsight(w, r, query)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakePostgREST) selectEvents(query map[string]string) []restEvent {
	var from, to int64 = math.MinInt64, math.MaxInt64
	for _, cond := range strings.Split(strings.Trim(query["and"], "()"), ",") {
		parts := strings.Split(cond, ".")
		if len(parts) != 3 || parts[0] != "client_timestamp" {
			continue
		}
		v, _ := strconv.ParseInt(parts[2], 10, 64)
		switch parts[1] {
		case "gte":
			from = v
		case "lt":
			to = v
		}
	}
	after := strings.TrimPrefix(query["id"], "gt.")
	limit, _ := strconv.Atoi(query["limit"])

	sorted := append([]restEvent(nil), f.events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	out := []restEvent{}
	for _, e := range sorted {
		if e.ClientTimestamp < from || e.ClientTimestamp >= to || e.ID <= after {
			continue
		}
		if c, ok := query["category"]; ok && "eq."+e.Category != c {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (f *fakePostgREST) patchInsight(w http.ResponseWriter, r *http.Request, query map[string]string) {
	id := strings.TrimPrefix(query["id"], "eq.")
	allowed := strings.Split(strings.Trim(strings.TrimPrefix(query["status"], "in."), "()"), ",")

	row, ok := f.insights[id]
	if ok && f.closeBeforePatch {
		row.Status = string(models.StatusDismissed)
		f.insights[id] = row
	}
	if !ok || !contains(allowed, row.Status) {
		writeJSON(w, []insightRow{})
		return
	}

	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	merged := make(map[string]any)
	raw, _ := json.Marshal(row)
	json.Unmarshal(raw, &merged)
	for k, v := range updates {
		merged[k] = v
	}
	raw, _ = json.Marshal(merged)
	row = insightRow{}
	json.Unmarshal(raw, &row)
	f.insights[id] = row
	writeJSON(w, []insightRow{row})
}

func (f *fakePostgREST) callsTo(method, table string) []restCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []restCall
	for _, c := range f.calls {
		if c.method == method && c.table == table {
			out = append(out, c)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestSupabase(t *testing.T, fake *fakePostgREST) *SupabaseStore {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewSupabase(config.SupabaseConfig{URL: srv.URL, Key: "service-key"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSupabase: %v", err)
	}
	s.now = func() time.Time { return day0.Add(12 * time.Hour) }
	return s
}

func storedInsight(t *testing.T, fake *fakePostgREST, in *models.Insight) {
	t.Helper()
	row, err := newInsightRow(in)
	if err != nil {
		t.Fatalf("newInsightRow: %v", err)
	}
	fake.insights[in.ID] = row
}

func TestSupabaseInsertEventsBatch(t *testing.T) {
	fake := newFakePostgREST()
	s := newTestSupabase(t, fake)

	nan := math.NaN()
	bad := event("bad", "s1", nil, models.CategoryShop, "add_to_cart", day0)
	bad.Value = &nan
	batch := []models.Event{
		event("e1", "s1", nil, models.CategoryShop, "add_to_cart", day0.Add(time.Hour)),
		bad,
		event("e2", "s1", nil, models.CategoryShop, "checkout", day0.Add(2*time.Hour)),
	}
	if err := s.InsertEventsBatch(context.Background(), batch); err != nil {
		t.Fatalf("InsertEventsBatch: %v", err)
	}

	posts := fake.callsTo(http.MethodPost, "events")
	if len(posts) != 1 {
		t.Fatalf("expected one insert request, got %d", len(posts))
	}
	if posts[0].prefer != "resolution=merge-duplicates,return=minimal" {
		t.Fatalf("unexpected Prefer header %q", posts[0].prefer)
	}
	if posts[0].query["on_conflict"] != "id" {
		t.Fatalf("expected on_conflict=id, got %v", posts[0].query)
	}

	if len(fake.events) != 2 || fake.events[0].ID != "e1" || fake.events[1].ID != "e2" {
		t.Fatalf("unexpected stored events %+v", fake.events)
	}
	want := day0.Add(12 * time.Hour).UnixMilli()
	if fake.events[0].FlushedAt != want {
		t.Fatalf("expected flushed_at %d, got %d", want, fake.events[0].FlushedAt)
	}
}

func TestSupabaseQueryAggregatesPagesByID(t *testing.T) {
	fake := newFakePostgREST()
	user := "u1"
	for i := 0; i < 2100; i++ {
		at := day0.Add(time.Duration(i%2)*models.Day + time.Duration(i%60)*time.Minute)
		fake.events = append(fake.events, restEvent{
			ID:              fmt.Sprintf("evt-%05d", i),
			SessionID:       fmt.Sprintf("s%d", i%5),
			UserID:          &user,
			Type:            string(models.EventAction),
			Category:        models.CategoryShop,
			Name:            "add_to_cart",
			ClientTimestamp: at.UnixMilli(),
		})
	}
	for i := 0; i < 40; i++ {
		fake.events = append(fake.events, restEvent{
			ID:              fmt.Sprintf("old-%02d", i),
			SessionID:       "s-old",
			Type:            string(models.EventAction),
			Category:        models.CategoryShop,
			Name:            "add_to_cart",
			ClientTimestamp: day0.Add(-time.Hour).UnixMilli(),
		})
	}
	s := newTestSupabase(t, fake)

	key := models.MetricKey{Category: models.CategoryShop}
	ts, err := s.QueryAggregates(context.Background(), key, day0, day0.Add(2*models.Day))
	if err != nil {
		t.Fatalf("QueryAggregates: %v", err)
	}

	if len(ts.Points) != 2 {
		t.Fatalf("expected 2 day buckets, got %+v", ts.Points)
	}
	for i, p := range ts.Points {
		if !p.Day.Equal(day0.Add(time.Duration(i) * models.Day)) {
			t.Fatalf("bucket %d has day %v", i, p.Day)
		}
		if p.Events != 1050 || p.Sessions != 5 || p.Users != 1 {
			t.Fatalf("bucket %d: unexpected point %+v", i, p)
		}
	}

	gets := fake.callsTo(http.MethodGet, "events")
	if len(gets) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(gets))
	}
	if _, ok := gets[0].query["id"]; ok {
		t.Fatalf("first page should not carry a cursor: %v", gets[0].query)
	}
	if gets[2].query["id"] != "gt.evt-01999" {
		t.Fatalf("expected keyset cursor after evt-01999, got %q", gets[2].query["id"])
	}
	want := fmt.Sprintf("(client_timestamp.gte.%d,client_timestamp.lt.%d)", day0.UnixMilli(), day0.Add(2*models.Day).UnixMilli())
	if gets[0].query["and"] != want {
		t.Fatalf("expected time window %s, got %q", want, gets[0].query["and"])
	}
}

func TestSupabaseUpsertInsight(t *testing.T) {
	tests := []struct {
		name    string
		stored  *models.Insight
		setup   func(f *fakePostgREST)
		wantErr error
		check   func(t *testing.T, f *fakePostgREST)
	}{
		{
			name: "new insight is inserted",
			check: func(t *testing.T, f *fakePostgREST) {
				posts := f.callsTo(http.MethodPost, "insights")
				if len(posts) != 1 || posts[0].prefer != "return=minimal" {
					t.Fatalf("expected a plain insert, got %+v", posts)
				}
				if f.insights["i1"].Priority != string(models.PriorityHigh) {
					t.Fatalf("unexpected stored row %+v", f.insights["i1"])
				}
			},
		},
		{
			name:   "open insight is refreshed",
			stored: newInsight("i1", models.StatusInProgress, day0),
			check: func(t *testing.T, f *fakePostgREST) {
				row := f.insights["i1"]
				if row.Priority != string(models.PriorityHigh) || row.Status != string(models.StatusInProgress) {
					t.Fatalf("unexpected refreshed row %+v", row)
				}
				patches := f.callsTo(http.MethodPatch, "insights")
				if len(patches) != 1 || patches[0].query["status"] != "in.(pending,in_progress)" {
					t.Fatalf("expected an update guarded on open statuses, got %+v", patches)
				}
			},
		},
		{
			name:    "terminal insight is left alone",
			stored:  newInsight("i1", models.StatusCompleted, day0),
			wantErr: errs.ErrInsightTerminal,
			check: func(t *testing.T, f *fakePostgREST) {
				if n := len(f.callsTo(http.MethodPatch, "insights")); n != 0 {
					t.Fatalf("expected no update, got %d", n)
				}
			},
		},
		{
			name:    "insight closed between read and update",
			stored:  newInsight("i1", models.StatusPending, day0),
			setup:   func(f *fakePostgREST) { f.closeBeforePatch = true },
			wantErr: errs.ErrInsightTerminal,
			check: func(t *testing.T, f *fakePostgREST) {
				if f.insights["i1"].Priority != string(models.PriorityMedium) {
					t.Fatalf("closed row was modified: %+v", f.insights["i1"])
				}
			},
		},
		{
			name:    "open signature already taken",
			setup:   func(f *fakePostgREST) { f.insertConflict = true },
			wantErr: errs.ErrOpenInsightExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakePostgREST()
			if tt.stored != nil {
				storedInsight(t, fake, tt.stored)
			}
			if tt.setup != nil {
				tt.setup(fake)
			}
			s := newTestSupabase(t, fake)

			in := newInsight("i1", models.StatusPending, day0.Add(time.Hour))
			in.Priority = models.PriorityHigh
			err := s.UpsertInsight(context.Background(), in)

			switch {
			case tt.wantErr == nil && err != nil:
				t.Fatalf("UpsertInsight: %v", err)
			case tt.wantErr != nil && !errors.Is(err, tt.wantErr):
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.check != nil {
				tt.check(t, fake)
			}
		})
	}
}

func TestSupabaseUpdateInsightStatus(t *testing.T) {
	fake := newFakePostgREST()
	storedInsight(t, fake, newInsight("open", models.StatusPending, day0))
	storedInsight(t, fake, newInsight("done", models.StatusCompleted, day0))
	s := newTestSupabase(t, fake)
	ctx := context.Background()

	at := day0.Add(time.Hour)
	got, err := s.UpdateInsightStatus(ctx, "open", models.StatusDismissed, at)
	if err != nil {
		t.Fatalf("UpdateInsightStatus: %v", err)
	}
	if got.Status != models.StatusDismissed || got.ResolvedAt == nil || !got.ResolvedAt.Equal(at) {
		t.Fatalf("unexpected dismissed insight %+v", got)
	}

	if _, err := s.UpdateInsightStatus(ctx, "done", models.StatusDismissed, at); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.UpdateInsightStatus(ctx, "missing", models.StatusInProgress, at); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
