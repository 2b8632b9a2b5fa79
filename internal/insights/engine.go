// Package insights derives prioritized findings from daily event aggregates
// and manages their operator lifecycle.
package insights

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/config"
	"Mansoor88-6/analytics-telemetry/internal/datastore"
	"Mansoor88-6/analytics-telemetry/internal/errs"
	"Mansoor88-6/analytics-telemetry/internal/models"
	"Mansoor88-6/analytics-telemetry/internal/ops"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// anomalyBaselineDays is the length of the rolling average the latest day
// is compared with.
const anomalyBaselineDays = 7

// Finding is a detector result before it is matched against stored insights.
type Finding struct {
	Type              models.InsightType
	Priority          models.Priority
	Category          string
	Name              string
	Title             string
	Description       string
	RecommendedAction string
	SupportingMetrics map[string]float64
}

func (f Finding) Signature() models.InsightSignature {
	return models.InsightSignature{Type: f.Type, Category: f.Category, Name: f.Name}
}

// Window is the analysed range. Only complete UTC days are considered: the
// current period is [CurrentFrom, To) and the preceding period of equal
// length is [PreviousFrom, CurrentFrom).
type Window struct {
	PreviousFrom time.Time
	CurrentFrom  time.Time
	To           time.Time
	Days         int
}

func newWindow(now time.Time, lookback time.Duration) Window {
	days := int((lookback + models.Day - 1) / models.Day)
	if days < 1 {
		days = 1
	}
	to := models.TruncateDay(now)
	span := time.Duration(days) * models.Day
	return Window{
		PreviousFrom: to.Add(-2 * span),
		CurrentFrom:  to.Add(-span),
		To:           to,
		Days:         days,
	}
}

// LatestDay is the last complete UTC day in the window.
func (w Window) LatestDay() time.Time {
	return w.To.Add(-models.Day)
}

// dataFrom is the earliest day any detector reads.
func (w Window) dataFrom() time.Time {
	baseline := w.LatestDay().Add(-anomalyBaselineDays * models.Day)
	if baseline.Before(w.PreviousFrom) {
		return baseline
	}
	return w.PreviousFrom
}

// Rule is one isolated detector or recommendation/prediction rule.
type Rule struct {
	Name   string
	Detect func(ctx context.Context, d *Dataset) ([]Finding, error)
}

// Report summarizes one GenerateInsights run.
type Report struct {
	Window     Window                  `json:"window"`
	Created    int                     `json:"created"`
	Updated    int                     `json:"updated"`
	Insights   []models.Insight        `json:"insights"`
	RuleErrors []*errs.EngineRuleError `json:"-"`
	Failed     int                     `json:"failed"`
}

type Engine struct {
	// mu makes runs take turns so the find-then-insert in persist sees the
	// previous run's rows.
	mu sync.Mutex

	source   datastore.AggregateSource
	store    datastore.InsightStore
	cfg      config.InsightsConfig
	rules    []Rule
	notifier ops.Notifier
	now      func() time.Time
	logger   *zap.Logger
}

type EngineOption func(*Engine)

// WithRules replaces the default rule set.
func WithRules(rules ...Rule) EngineOption {
	return func(e *Engine) {
		e.rules = rules
	}
}

func NewEngine(
	source datastore.AggregateSource,
	store datastore.InsightStore,
	cfg config.InsightsConfig,
	notifier ops.Notifier,
	clock func() time.Time,
	logger *zap.Logger,
	opts ...EngineOption,
) *Engine {
	if clock == nil {
		clock = time.Now
	}
	if notifier == nil {
		notifier = ops.Nop{}
	}
	e := &Engine{
		source:   source,
		store:    store,
		cfg:      cfg,
		notifier: notifier,
		now:      clock,
		logger:   logger,
	}
	e.rules = DefaultRules(cfg)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultRules returns the trend, anomaly, recommendation and prediction
// rules configured with cfg.
func DefaultRules(cfg config.InsightsConfig) []Rule {
	return []Rule{
		{Name: "trend", Detect: trendRule(cfg)},
		{Name: "anomaly", Detect: anomalyRule(cfg)},
		{Name: "recommendation.checkout_dropoff", Detect: checkoutDropoffRule(cfg)},
		{Name: "recommendation.completion_rate", Detect: completionRateRule(cfg)},
		{Name: "recommendation.error_rate", Detect: errorRateRule(cfg)},
		{Name: "prediction.churn_risk", Detect: churnRiskRule(cfg)},
		{Name: "prediction.conversion_opportunity", Detect: conversionOpportunityRule(cfg)},
	}
}

// GenerateInsights runs every rule over the lookback window and writes the
// findings. A failing rule is reported in Report.RuleErrors and does not
// stop the others. Findings matching an open insight of the same signature
// created within the lookback update it in place; otherwise a new pending
// insight is created.
func (e *Engine) GenerateInsights(ctx context.Context, lookback time.Duration) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lookback <= 0 {
		lookback = e.cfg.Lookback
	}
	now := e.now().UTC()
	window := newWindow(now, lookback)

	data, err := newDataset(ctx, e.source, window)
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregates: %w", err)
	}

	e.logger.Info("Generating insights",
		zap.Time("from", window.PreviousFrom),
		zap.Time("to", window.To),
		zap.Int("days", window.Days),
		zap.Int("metrics", len(data.Keys())),
	)

	report := &Report{Window: window}
	for _, rule := range e.rules {
		findings, ruleErr := e.runRule(ctx, rule, data)
		if ruleErr != nil {
			report.RuleErrors = append(report.RuleErrors, ruleErr)
			e.logger.Warn("Insight rule failed", zap.String("rule", rule.Name), zap.Error(ruleErr.Err))
			e.notifier.Notify(ctx, ops.Signal{
				Kind:     ops.KindEngineRule,
				Severity: ops.SeverityWarning,
				Message:  ruleErr.Error(),
				Fields:   map[string]any{"rule": rule.Name},
				At:       now,
			})
			continue
		}

		for _, f := range findings {
			insight, created, err := e.persist(ctx, f, now, now.Add(-lookback))
			if err != nil {
				report.Failed++
				e.logger.Error("Failed to store insight",
					zap.String("rule", rule.Name),
					zap.Stringer("signature", sigString(f.Signature())),
					zap.Error(err),
				)
				continue
			}
			if created {
				report.Created++
			} else {
				report.Updated++
			}
			report.Insights = append(report.Insights, *insight)
			e.publish(ctx, insight, created)
		}
	}

	e.logger.Info("Insight generation completed",
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("failed", report.Failed),
		zap.Int("rule_errors", len(report.RuleErrors)),
	)
	return report, nil
}

func (e *Engine) runRule(ctx context.Context, rule Rule, data *Dataset) (findings []Finding, ruleErr *errs.EngineRuleError) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Insight rule panicked",
				zap.String("rule", rule.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			findings = nil
			ruleErr = &errs.EngineRuleError{Rule: rule.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	findings, err := rule.Detect(ctx, data)
	if err != nil {
		return nil, &errs.EngineRuleError{Rule: rule.Name, Err: err}
	}
	return findings, nil
}

// persist updates the open insight with the finding's signature or creates
// a new one. It reports whether a row was created.
func (e *Engine) persist(ctx context.Context, f Finding, now, since time.Time) (*models.Insight, bool, error) {
	existing, err := e.store.FindOpenInsight(ctx, f.Signature(), since)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		f.applyTo(existing, now)
		err := e.store.UpsertInsight(ctx, existing)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, errs.ErrInsightTerminal) {
			return nil, false, err
		}
		// Resolved between lookup and update.
	}

	insight := &models.Insight{
		ID:                uuid.NewString(),
		Type:              f.Type,
		Priority:          f.Priority,
		Category:          f.Category,
		Name:              f.Name,
		Title:             f.Title,
		Description:       f.Description,
		RecommendedAction: f.RecommendedAction,
		SupportingMetrics: f.SupportingMetrics,
		Status:            models.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err = e.store.UpsertInsight(ctx, insight)
	if errors.Is(err, errs.ErrOpenInsightExists) {
		// Another writer opened one first, or an open row predates the
		// lookback. Refresh that row instead of opening a second.
		return e.refreshOpen(ctx, f, now)
	}
	if err != nil {
		return nil, false, err
	}
	return insight, true, nil
}

func (f Finding) applyTo(in *models.Insight, now time.Time) {
	in.Priority = f.Priority
	in.Title = f.Title
	in.Description = f.Description
	in.RecommendedAction = f.RecommendedAction
	in.SupportingMetrics = f.SupportingMetrics
	in.UpdatedAt = now
}

func (e *Engine) refreshOpen(ctx context.Context, f Finding, now time.Time) (*models.Insight, bool, error) {
	existing, err := e.store.FindOpenInsight(ctx, f.Signature(), time.Time{})
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("open insight for %s vanished: %w", sigString(f.Signature()), errs.ErrOpenInsightExists)
	}
	f.applyTo(existing, now)
	if err := e.store.UpsertInsight(ctx, existing); err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (e *Engine) publish(ctx context.Context, in *models.Insight, created bool) {
	severity := ops.SeverityInfo
	if in.Priority == models.PriorityCritical {
		severity = ops.SeverityCritical
	}
	action := "updated"
	if created {
		action = "created"
	}
	e.notifier.Notify(ctx, ops.Signal{
		Kind:     ops.KindInsight,
		Severity: severity,
		Message:  in.Title,
		Fields: map[string]any{
			"id":       in.ID,
			"action":   action,
			"type":     string(in.Type),
			"priority": string(in.Priority),
			"category": in.Category,
			"name":     in.Name,
		},
		At: in.UpdatedAt,
	})
}

type sigString models.InsightSignature

func (s sigString) String() string {
	return fmt.Sprintf("%s:%s/%s", s.Type, s.Category, s.Name)
}
