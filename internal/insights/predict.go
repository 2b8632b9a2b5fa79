package insights

import (
	"context"
	"fmt"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/config"
	"Mansoor88-6/analytics-telemetry/internal/models"
)

// Prediction rules are heuristics over the current period, not models.

// churnRiskRule compares daily distinct sessions in the second half of the
// current period with the first half.
func churnRiskRule(cfg config.InsightsConfig) func(context.Context, *Dataset) ([]Finding, error) {
	return func(ctx context.Context, d *Dataset) ([]Finding, error) {
		w := d.Window
		if w.Days < 2 {
			return nil, nil
		}
		ts, err := d.Series(ctx, models.MetricKey{})
		if err != nil {
			return nil, err
		}

		half := time.Duration(w.Days/2) * models.Day
		mid := w.To.Add(-half)
		early := ts.SumSessions(mid.Add(-half), mid)
		late := ts.SumSessions(mid, w.To)
		if early < cfg.MinVolume {
			return nil, nil
		}

		decline := float64(early-late) / float64(early)
		if decline < cfg.ChurnDecline {
			return nil, nil
		}

		priority := models.PriorityMedium
		if decline >= 2*cfg.ChurnDecline {
			priority = models.PriorityHigh
		}
		return []Finding{{
			Type:     models.InsightPrediction,
			Priority: priority,
			Category: models.CategoryPlatform,
			Name:     "churn_risk",
			Title:    fmt.Sprintf("Session frequency down %.0f%%, churn risk rising", decline*100),
			Description: fmt.Sprintf("%d sessions in the last %d days against %d in the %d days before. Heuristic estimate.",
				late, w.Days/2, early, w.Days/2),
			RecommendedAction: "Run a re-engagement campaign for users whose sessions stopped this period.",
			SupportingMetrics: map[string]float64{
				"early_sessions": float64(early),
				"late_sessions":  float64(late),
				"decline":        decline,
				"risk_score":     decline,
			},
		}}, nil
	}
}

// conversionOpportunityRule flags categories where page views rarely lead
// to actions.
func conversionOpportunityRule(cfg config.InsightsConfig) func(context.Context, *Dataset) ([]Finding, error) {
	return func(ctx context.Context, d *Dataset) ([]Finding, error) {
		var out []Finding
		for _, category := range d.Categories() {
			views, err := d.Current(ctx, models.MetricKey{Category: category, Type: models.EventPageView})
			if err != nil {
				return nil, err
			}
			if views < cfg.MinVolume {
				continue
			}
			actions, err := d.Current(ctx, models.MetricKey{Category: category, Type: models.EventAction})
			if err != nil {
				return nil, err
			}
			clicks, err := d.Current(ctx, models.MetricKey{Category: category, Type: models.EventClick})
			if err != nil {
				return nil, err
			}

			engaged := actions + clicks
			abandonment := 1 - float64(engaged)/float64(views)
			if abandonment < cfg.Abandonment {
				continue
			}

			priority := models.PriorityLow
			if abandonment >= (1+cfg.Abandonment)/2 {
				priority = models.PriorityMedium
			}
			out = append(out, Finding{
				Type:     models.InsightPrediction,
				Priority: priority,
				Category: category,
				Name:     "conversion_opportunity",
				Title:    fmt.Sprintf("%.0f%% of %s page views lead to no action", abandonment*100, category),
				Description: fmt.Sprintf("%d page views and %d actions in the last %d days. Heuristic estimate.",
					views, engaged, d.Window.Days),
				RecommendedAction: fmt.Sprintf("Make the primary call to action on %s pages more prominent.", category),
				SupportingMetrics: map[string]float64{
					"page_views":  float64(views),
					"actions":     float64(engaged),
					"abandonment": abandonment,
				},
			})
		}
		return out, nil
	}
}
