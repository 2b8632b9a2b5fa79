package insights

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/config"
	"Mansoor88-6/analytics-telemetry/internal/datastore"
	"Mansoor88-6/analytics-telemetry/internal/errs"
	"Mansoor88-6/analytics-telemetry/internal/models"
	"Mansoor88-6/analytics-telemetry/internal/ops"

	"go.uber.org/zap/zaptest"
)

var testNow = time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)

func day(d int) time.Time {
	return time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC)
}

var testConfig = config.InsightsConfig{
	Lookback:         7 * 24 * time.Hour,
	TrendThreshold:   0.2,
	AnomalyThreshold: 0.5,
	MinVolume:        20,
	CheckoutDropoff:  0.7,
	CompletionFloor:  0.5,
	ErrorRate:        0.05,
	ChurnDecline:     0.25,
	Abandonment:      0.9,
}

// fakeSource serves daily points per exact key and sums them for wildcard
// queries.
type fakeSource struct {
	points  map[models.MetricKey]map[time.Time]models.Point
	failKey *models.MetricKey
}

func newFakeSource() *fakeSource {
	return &fakeSource{points: make(map[models.MetricKey]map[time.Time]models.Point)}
}

func (f *fakeSource) add(category, name string, typ models.EventType, on time.Time, events, sessions int64) {
	key := models.MetricKey{Category: category, Name: name, Type: typ}
	if f.points[key] == nil {
		f.points[key] = make(map[time.Time]models.Point)
	}
	p := f.points[key][on]
	p.Day = on
	p.Events += events
	p.Sessions += sessions
	f.points[key][on] = p
}

func matches(filter, key models.MetricKey) bool {
	return (filter.Category == "" || filter.Category == key.Category) &&
		(filter.Name == "" || filter.Name == key.Name) &&
		(filter.Type == "" || filter.Type == key.Type)
}

func (f *fakeSource) AggregateKeys(_ context.Context, from, to time.Time) ([]models.MetricKey, error) {
	var keys []models.MetricKey
	for key, days := range f.points {
		for d := range days {
			if !d.Before(from) && d.Before(to) {
				keys = append(keys, key)
				break
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (f *fakeSource) QueryAggregates(_ context.Context, filter models.MetricKey, from, to time.Time) (models.TimeSeries, error) {
	if f.failKey != nil && *f.failKey == filter {
		return models.TimeSeries{}, errors.New("aggregate query timed out")
	}
	merged := make(map[time.Time]models.Point)
	for key, days := range f.points {
		if !matches(filter, key) {
			continue
		}
		for d, p := range days {
			if d.Before(from) || !d.Before(to) {
				continue
			}
			m := merged[d]
			m.Day = d
			m.Events += p.Events
			m.Sessions += p.Sessions
			merged[d] = m
		}
	}
	ts := models.TimeSeries{Key: filter}
	for _, p := range merged {
		ts.Points = append(ts.Points, p)
	}
	sort.Slice(ts.Points, func(i, j int) bool { return ts.Points[i].Day.Before(ts.Points[j].Day) })
	return ts, nil
}

type signalRecorder struct {
	mu      sync.Mutex
	signals []ops.Signal
}

func (r *signalRecorder) Notify(_ context.Context, sig ops.Signal) {
	r.mu.Lock()
	r.signals = append(r.signals, sig)
	r.mu.Unlock()
}

func (r *signalRecorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.signals {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) *datastore.SQLStore {
	t.Helper()
	s, err := datastore.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "insights.db"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ruleSet(names ...string) []Rule {
	var out []Rule
	for _, r := range DefaultRules(testConfig) {
		for _, n := range names {
			if r.Name == n {
				out = append(out, r)
			}
		}
	}
	return out
}

func TestWindow(t *testing.T) {
	w := newWindow(testNow, 7*24*time.Hour)

	if !w.To.Equal(day(20)) || !w.CurrentFrom.Equal(day(13)) || !w.PreviousFrom.Equal(day(6)) {
		t.Fatalf("unexpected window %+v", w)
	}
	if !w.LatestDay().Equal(day(19)) {
		t.Fatalf("latest day = %v", w.LatestDay())
	}

	short := newWindow(testNow, 24*time.Hour)
	if short.Days != 1 || !short.dataFrom().Equal(day(12)) {
		t.Fatalf("one-day window must still read the anomaly baseline: %+v from %v", short, short.dataFrom())
	}
}

func TestTrendDetection(t *testing.T) {
	tests := []struct {
		name         string
		previous     int64
		current      int64
		wantFlag     bool
		wantPriority models.Priority
	}{
		{"growth 25%", 100, 125, true, models.PriorityMedium},
		{"growth 40%", 100, 140, true, models.PriorityHigh},
		{"growth 60%", 100, 160, true, models.PriorityCritical},
		{"decline 30%", 100, 70, true, models.PriorityHigh},
		{"decline at threshold", 100, 80, true, models.PriorityHigh},
		{"decline 55%", 100, 45, true, models.PriorityCritical},
		{"growth 10%", 100, 110, false, ""},
		{"no previous period", 0, 500, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			if tt.previous > 0 {
				src.add(models.CategoryScanner, "pattern_scan", models.EventComplete, day(7), tt.previous, 1)
			}
			src.add(models.CategoryScanner, "pattern_scan", models.EventComplete, day(14), tt.current, 1)

			e := NewEngine(src, newTestStore(t), testConfig, nil, func() time.Time { return testNow },
				zaptest.NewLogger(t), WithRules(ruleSet("trend")...))
			report, err := e.GenerateInsights(context.Background(), 7*24*time.Hour)
			if err != nil {
				t.Fatalf("GenerateInsights: %v", err)
			}

			if !tt.wantFlag {
				if len(report.Insights) != 0 {
					t.Fatalf("expected no insight, got %+v", report.Insights)
				}
				return
			}
			if len(report.Insights) != 1 {
				t.Fatalf("expected one insight, got %d", len(report.Insights))
			}
			in := report.Insights[0]
			if in.Type != models.InsightTrend || in.Category != models.CategoryScanner || in.Name != "pattern_scan" {
				t.Errorf("unexpected signature %+v", in.Signature())
			}
			if in.Priority != tt.wantPriority {
				t.Errorf("priority = %s, want %s", in.Priority, tt.wantPriority)
			}
			if in.Status != models.StatusPending {
				t.Errorf("status = %s, want pending", in.Status)
			}
		})
	}
}

func TestTrendPriority(t *testing.T) {
	tests := []struct {
		change float64
		want   models.Priority
	}{
		{0.25, models.PriorityMedium},
		{0.30, models.PriorityMedium},
		{0.40, models.PriorityHigh},
		{0.60, models.PriorityCritical},
		{-0.25, models.PriorityHigh},
		{-0.30, models.PriorityHigh},
		{-0.35, models.PriorityCritical},
		{-0.60, models.PriorityCritical},
	}
	for _, tt := range tests {
		if got := trendPriority(tt.change); got != tt.want {
			t.Errorf("trendPriority(%v) = %s, want %s", tt.change, got, tt.want)
		}
	}
}

func TestAnomalyDetection(t *testing.T) {
	tests := []struct {
		name         string
		latest       int64
		baseline     int64
		wantPriority models.Priority
	}{
		{"spike 233%", 100, 30, models.PriorityCritical},
		{"spike 100%", 60, 30, models.PriorityHigh},
		{"spike 50%", 45, 30, models.PriorityMedium},
		{"drop 60%", 12, 30, models.PriorityMedium},
		{"within band", 40, 30, ""},
		{"baseline below minimum volume", 100, 10, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			for d := 12; d <= 18; d++ {
				src.add(models.CategoryChatbot, "message_sent", models.EventAction, day(d), tt.baseline, 1)
			}
			src.add(models.CategoryChatbot, "message_sent", models.EventAction, day(19), tt.latest, 1)

			e := NewEngine(src, newTestStore(t), testConfig, nil, func() time.Time { return testNow },
				zaptest.NewLogger(t), WithRules(ruleSet("anomaly")...))
			report, err := e.GenerateInsights(context.Background(), 7*24*time.Hour)
			if err != nil {
				t.Fatalf("GenerateInsights: %v", err)
			}

			if tt.wantPriority == "" {
				if len(report.Insights) != 0 {
					t.Fatalf("expected no insight, got %+v", report.Insights)
				}
				return
			}
			if len(report.Insights) != 1 {
				t.Fatalf("expected one insight, got %d", len(report.Insights))
			}
			if got := report.Insights[0].Priority; got != tt.wantPriority {
				t.Errorf("priority = %s, want %s", got, tt.wantPriority)
			}
		})
	}
}

func TestRecommendationRules(t *testing.T) {
	src := newFakeSource()
	src.add(models.CategoryShop, "checkout_started", models.EventStart, day(15), 100, 50)
	src.add(models.CategoryShop, "purchase_completed", models.EventComplete, day(15), 20, 20)
	src.add(models.CategoryScanner, "pattern_scan", models.EventStart, day(16), 40, 40)
	src.add(models.CategoryScanner, "pattern_scan", models.EventComplete, day(16), 10, 10)
	src.add(models.CategoryForum, "post_created", models.EventAction, day(17), 85, 30)
	src.add(models.CategoryForum, "post_failed", models.EventError, day(17), 15, 10)

	e := NewEngine(src, newTestStore(t), testConfig, nil, func() time.Time { return testNow },
		zaptest.NewLogger(t), WithRules(ruleSet(
			"recommendation.checkout_dropoff",
			"recommendation.completion_rate",
			"recommendation.error_rate",
		)...))
	report, err := e.GenerateInsights(context.Background(), 7*24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateInsights: %v", err)
	}

	got := make(map[string]models.Insight)
	for _, in := range report.Insights {
		if in.Type != models.InsightRecommendation {
			t.Errorf("unexpected type %s", in.Type)
		}
		got[in.Category+"/"+in.Name] = in
	}

	want := map[string]models.Priority{
		"shop/checkout_funnel":  models.PriorityMedium,
		"shop/checkout_started": models.PriorityHigh,
		"scanner/pattern_scan":  models.PriorityMedium,
		"forum/error_rate":      models.PriorityHigh,
	}
	if len(got) != len(want) {
		t.Fatalf("got insights %v, want %v", keysOf(got), want)
	}
	for sig, priority := range want {
		in, ok := got[sig]
		if !ok {
			t.Errorf("missing insight %s", sig)
			continue
		}
		if in.Priority != priority {
			t.Errorf("%s priority = %s, want %s", sig, in.Priority, priority)
		}
		if len(in.SupportingMetrics) == 0 || in.RecommendedAction == "" {
			t.Errorf("%s lacks supporting metrics or action", sig)
		}
	}
	if rate := got["shop/checkout_funnel"].SupportingMetrics["dropoff_rate"]; rate < 0.79 || rate > 0.81 {
		t.Errorf("dropoff_rate = %v, want 0.8", rate)
	}
}

func keysOf(m map[string]models.Insight) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestPredictionRules(t *testing.T) {
	src := newFakeSource()
	for d := 14; d <= 16; d++ {
		src.add(models.CategoryPlatform, "app_open", models.EventAction, day(d), 20, 20)
	}
	for d := 17; d <= 19; d++ {
		src.add(models.CategoryPlatform, "app_open", models.EventAction, day(d), 10, 10)
	}
	src.add(models.CategoryCourse, "lesson", models.EventPageView, day(18), 200, 0)
	src.add(models.CategoryCourse, "enroll", models.EventClick, day(18), 4, 0)

	e := NewEngine(src, newTestStore(t), testConfig, nil, func() time.Time { return testNow },
		zaptest.NewLogger(t), WithRules(ruleSet("prediction.churn_risk", "prediction.conversion_opportunity")...))
	report, err := e.GenerateInsights(context.Background(), 7*24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateInsights: %v", err)
	}
	if len(report.Insights) != 2 {
		t.Fatalf("expected 2 insights, got %+v", report.Insights)
	}

	for _, in := range report.Insights {
		if in.Type != models.InsightPrediction {
			t.Errorf("unexpected type %s", in.Type)
		}
		switch in.Name {
		case "churn_risk":
			if in.Priority != models.PriorityHigh || in.SupportingMetrics["decline"] != 0.5 {
				t.Errorf("churn risk = %s %v", in.Priority, in.SupportingMetrics)
			}
		case "conversion_opportunity":
			if in.Category != models.CategoryCourse || in.Priority != models.PriorityMedium {
				t.Errorf("conversion opportunity = %s/%s %s", in.Category, in.Name, in.Priority)
			}
		default:
			t.Errorf("unexpected insight %s", in.Name)
		}
	}
}

func TestGenerateInsightsDeduplicates(t *testing.T) {
	src := newFakeSource()
	src.add(models.CategoryRitual, "ritual_completed", models.EventComplete, day(7), 100, 10)
	src.add(models.CategoryRitual, "ritual_completed", models.EventComplete, day(14), 130, 10)

	store := newTestStore(t)
	clock := &testClock{now: testNow}
	e := NewEngine(src, store, testConfig, nil, clock.Now, zaptest.NewLogger(t), WithRules(ruleSet("trend")...))
	ctx := context.Background()

	first, err := e.GenerateInsights(ctx, 0)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Created != 1 || first.Updated != 0 {
		t.Fatalf("first run created=%d updated=%d", first.Created, first.Updated)
	}

	src.add(models.CategoryRitual, "ritual_completed", models.EventComplete, day(15), 30, 5)
	clock.Advance(time.Hour)
	second, err := e.GenerateInsights(ctx, 0)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Created != 0 || second.Updated != 1 {
		t.Fatalf("second run created=%d updated=%d", second.Created, second.Updated)
	}

	all, err := store.ListInsights(ctx, models.InsightFilter{})
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one insight row, got %d", len(all))
	}
	if all[0].Priority != models.PriorityCritical || !all[0].UpdatedAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("insight not updated in place: %+v", all[0])
	}
	if !all[0].CreatedAt.Equal(testNow) {
		t.Fatalf("created_at changed: %v", all[0].CreatedAt)
	}
}

func TestGenerateInsightsConcurrentRunsKeepOneOpenRow(t *testing.T) {
	src := newFakeSource()
	src.add(models.CategoryScanner, "pattern_scan", models.EventComplete, day(7), 100, 10)
	src.add(models.CategoryScanner, "pattern_scan", models.EventComplete, day(14), 160, 10)

	tests := []struct {
		name    string
		engines int
	}{
		{"shared engine", 1},
		{"separate engines on one store", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			engines := make([]*Engine, tt.engines)
			for i := range engines {
				engines[i] = NewEngine(src, store, testConfig, nil, func() time.Time { return testNow },
					zaptest.NewLogger(t), WithRules(ruleSet("trend")...))
			}

			var wg sync.WaitGroup
			errCh := make(chan error, 8)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(e *Engine) {
					defer wg.Done()
					report, err := e.GenerateInsights(context.Background(), 0)
					if err == nil && report.Failed > 0 {
						err = errors.New("insight write failed")
					}
					if err != nil {
						errCh <- err
					}
				}(engines[i%len(engines)])
			}
			wg.Wait()
			close(errCh)
			for err := range errCh {
				t.Errorf("GenerateInsights: %v", err)
			}

			open, err := store.ListInsights(context.Background(), models.InsightFilter{Status: models.StatusPending})
			if err != nil {
				t.Fatalf("ListInsights: %v", err)
			}
			if len(open) != 1 {
				t.Fatalf("open rows for one signature = %d, want 1", len(open))
			}
		})
	}
}

func TestGenerateInsightsNeverTouchesTerminalRows(t *testing.T) {
	src := newFakeSource()
	src.add(models.CategoryAffiliate, "link_clicked", models.EventClick, day(7), 100, 10)
	src.add(models.CategoryAffiliate, "link_clicked", models.EventClick, day(14), 150, 10)

	store := newTestStore(t)
	clock := &testClock{now: testNow}
	e := NewEngine(src, store, testConfig, nil, clock.Now, zaptest.NewLogger(t), WithRules(ruleSet("trend")...))
	svc := NewService(store, clock.Now, zaptest.NewLogger(t))
	ctx := context.Background()

	first, err := e.GenerateInsights(ctx, 0)
	if err != nil || len(first.Insights) != 1 {
		t.Fatalf("first run: %v %+v", err, first)
	}
	id := first.Insights[0].ID

	clock.Advance(time.Minute)
	dismissed, err := svc.Dismiss(ctx, id)
	if err != nil {
		t.Fatalf("Dismiss: %v", err)
	}

	clock.Advance(time.Minute)
	second, err := e.GenerateInsights(ctx, 0)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Created != 1 || second.Insights[0].ID == id {
		t.Fatalf("expected a new insight row, got %+v", second)
	}

	old, err := store.GetInsight(ctx, id)
	if err != nil {
		t.Fatalf("GetInsight: %v", err)
	}
	if old.Status != models.StatusDismissed || !old.UpdatedAt.Equal(dismissed.UpdatedAt) {
		t.Fatalf("terminal insight was modified: %+v", old)
	}
}

func TestGenerateInsightsIsolatesRuleFailures(t *testing.T) {
	src := newFakeSource()
	src.add(models.CategoryScanner, "pattern_scan", models.EventComplete, day(7), 100, 1)
	src.add(models.CategoryScanner, "pattern_scan", models.EventComplete, day(14), 125, 1)
	src.failKey = &models.MetricKey{Category: models.CategoryShop, Name: checkoutStartedName}

	notifier := &signalRecorder{}
	rules := []Rule{
		{Name: "panics", Detect: func(context.Context, *Dataset) ([]Finding, error) {
			var m map[string]int
			m["boom"]++
			return nil, nil
		}},
	}
	rules = append(rules, ruleSet("recommendation.checkout_dropoff", "trend")...)

	e := NewEngine(src, newTestStore(t), testConfig, notifier, func() time.Time { return testNow },
		zaptest.NewLogger(t), WithRules(rules...))
	report, err := e.GenerateInsights(context.Background(), 0)
	if err != nil {
		t.Fatalf("GenerateInsights: %v", err)
	}

	if len(report.RuleErrors) != 2 {
		t.Fatalf("expected 2 rule errors, got %v", report.RuleErrors)
	}
	names := []string{report.RuleErrors[0].Rule, report.RuleErrors[1].Rule}
	if names[0] != "panics" || names[1] != "recommendation.checkout_dropoff" {
		t.Errorf("unexpected failing rules %v", names)
	}
	var ruleErr *errs.EngineRuleError
	if !errors.As(error(report.RuleErrors[1]), &ruleErr) || ruleErr.Unwrap() == nil {
		t.Errorf("rule error should wrap the cause")
	}

	if report.Created != 1 || report.Insights[0].Type != models.InsightTrend {
		t.Fatalf("healthy rules must still run: %+v", report)
	}
	if notifier.count(ops.KindEngineRule) != 2 || notifier.count(ops.KindInsight) != 1 {
		t.Errorf("unexpected signals %+v", notifier.signals)
	}
}
