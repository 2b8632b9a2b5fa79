package insights

import (
	"context"
	"fmt"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/datastore"
	"Mansoor88-6/analytics-telemetry/internal/errs"
	"Mansoor88-6/analytics-telemetry/internal/models"

	"go.uber.org/zap"
)

// Service applies operator actions to stored insights.
type Service struct {
	store  datastore.InsightStore
	now    func() time.Time
	logger *zap.Logger
}

func NewService(store datastore.InsightStore, clock func() time.Time, logger *zap.Logger) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: store, now: clock, logger: logger}
}

// Start moves a pending insight to in_progress.
func (s *Service) Start(ctx context.Context, id string) (*models.Insight, error) {
	return s.transition(ctx, id, models.StatusInProgress)
}

// Complete moves an in-progress insight to completed.
func (s *Service) Complete(ctx context.Context, id string) (*models.Insight, error) {
	return s.transition(ctx, id, models.StatusCompleted)
}

// Dismiss closes a pending or in-progress insight without acting on it.
func (s *Service) Dismiss(ctx context.Context, id string) (*models.Insight, error) {
	return s.transition(ctx, id, models.StatusDismissed)
}

// Transition applies a status change by name, as used by the HTTP and CLI
// surfaces.
func (s *Service) Transition(ctx context.Context, id string, to models.InsightStatus) (*models.Insight, error) {
	if !to.Valid() || to == models.StatusPending {
		return nil, errs.Validation("status", fmt.Sprintf("cannot move an insight to %q", to))
	}
	return s.transition(ctx, id, to)
}

func (s *Service) transition(ctx context.Context, id string, to models.InsightStatus) (*models.Insight, error) {
	if id == "" {
		return nil, errs.Validation("id", "missing")
	}

	insight, err := s.store.UpdateInsightStatus(ctx, id, to, s.now().UTC())
	if err != nil {
		s.logger.Warn("Insight transition rejected",
			zap.String("id", id),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("Insight status changed",
		zap.String("id", id),
		zap.String("status", string(insight.Status)),
		zap.String("type", string(insight.Type)),
	)
	return insight, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Insight, error) {
	return s.store.GetInsight(ctx, id)
}

func (s *Service) List(ctx context.Context, filter models.InsightFilter) ([]models.Insight, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, errs.Validation("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, errs.Validation("type", fmt.Sprintf("unknown type %q", filter.Type))
	}
	return s.store.ListInsights(ctx, filter)
}
