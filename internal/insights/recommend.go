package insights

import (
	"context"
	"fmt"

	"Mansoor88-6/analytics-telemetry/internal/config"
	"Mansoor88-6/analytics-telemetry/internal/models"
)

// Checkout funnel steps.
const (
	checkoutStartedName   = "checkout_started"
	purchaseCompletedName = "purchase_completed"
)

func checkoutDropoffRule(cfg config.InsightsConfig) func(context.Context, *Dataset) ([]Finding, error) {
	return func(ctx context.Context, d *Dataset) ([]Finding, error) {
		started, err := d.Current(ctx, models.MetricKey{Category: models.CategoryShop, Name: checkoutStartedName})
		if err != nil {
			return nil, err
		}
		if started < cfg.MinVolume {
			return nil, nil
		}
		purchased, err := d.Current(ctx, models.MetricKey{Category: models.CategoryShop, Name: purchaseCompletedName})
		if err != nil {
			return nil, err
		}

		dropoff := 1 - float64(purchased)/float64(started)
		if dropoff < cfg.CheckoutDropoff {
			return nil, nil
		}

		priority := models.PriorityMedium
		if dropoff >= (1+cfg.CheckoutDropoff)/2 {
			priority = models.PriorityHigh
		}
		return []Finding{{
			Type:     models.InsightRecommendation,
			Priority: priority,
			Category: models.CategoryShop,
			Name:     "checkout_funnel",
			Title:    fmt.Sprintf("%.0f%% of checkouts are abandoned", dropoff*100),
			Description: fmt.Sprintf("%d checkouts started but only %d purchases completed in the last %d days.",
				started, purchased, d.Window.Days),
			RecommendedAction: "Simplify the checkout flow and review payment errors and shipping costs shown at checkout.",
			SupportingMetrics: map[string]float64{
				"checkouts_started":   float64(started),
				"purchases_completed": float64(purchased),
				"dropoff_rate":        dropoff,
			},
		}}, nil
	}
}

// completionRateRule compares start and complete events per feature.
func completionRateRule(cfg config.InsightsConfig) func(context.Context, *Dataset) ([]Finding, error) {
	return func(ctx context.Context, d *Dataset) ([]Finding, error) {
		var out []Finding
		for _, key := range d.Keys() {
			if key.Type != models.EventStart {
				continue
			}
			starts, err := d.Current(ctx, key)
			if err != nil {
				return nil, err
			}
			if starts < cfg.MinVolume {
				continue
			}
			completes, err := d.Current(ctx, models.MetricKey{Category: key.Category, Name: key.Name, Type: models.EventComplete})
			if err != nil {
				return nil, err
			}

			rate := float64(completes) / float64(starts)
			if rate >= cfg.CompletionFloor {
				continue
			}

			priority := models.PriorityMedium
			if rate < cfg.CompletionFloor/2 {
				priority = models.PriorityHigh
			}
			out = append(out, Finding{
				Type:     models.InsightRecommendation,
				Priority: priority,
				Category: key.Category,
				Name:     key.Name,
				Title:    fmt.Sprintf("Only %.0f%% of %s/%s flows are completed", rate*100, key.Category, key.Name),
				Description: fmt.Sprintf("%d started, %d completed in the last %d days (floor %.0f%%).",
					starts, completes, d.Window.Days, cfg.CompletionFloor*100),
				RecommendedAction: fmt.Sprintf("Find where users leave %s/%s and shorten or clarify that step.", key.Category, key.Name),
				SupportingMetrics: map[string]float64{
					"starts":          float64(starts),
					"completes":       float64(completes),
					"completion_rate": rate,
				},
			})
		}
		return out, nil
	}
}

func errorRateRule(cfg config.InsightsConfig) func(context.Context, *Dataset) ([]Finding, error) {
	return func(ctx context.Context, d *Dataset) ([]Finding, error) {
		var out []Finding
		for _, category := range d.Categories() {
			total, err := d.Current(ctx, models.MetricKey{Category: category})
			if err != nil {
				return nil, err
			}
			if total < cfg.MinVolume {
				continue
			}
			errorsSeen, err := d.Current(ctx, models.MetricKey{Category: category, Type: models.EventError})
			if err != nil {
				return nil, err
			}

			rate := float64(errorsSeen) / float64(total)
			if errorsSeen == 0 || rate < cfg.ErrorRate {
				continue
			}

			priority := models.PriorityMedium
			switch {
			case rate >= 4*cfg.ErrorRate:
				priority = models.PriorityCritical
			case rate >= 2*cfg.ErrorRate:
				priority = models.PriorityHigh
			}
			out = append(out, Finding{
				Type:              models.InsightRecommendation,
				Priority:          priority,
				Category:          category,
				Name:              "error_rate",
				Title:             fmt.Sprintf("%.1f%% of %s events are errors", rate*100, category),
				Description:       fmt.Sprintf("%d error events out of %d in the last %d days.", errorsSeen, total, d.Window.Days),
				RecommendedAction: fmt.Sprintf("Triage the most frequent %s errors and add handling for them.", category),
				SupportingMetrics: map[string]float64{
					"errors":     float64(errorsSeen),
					"events":     float64(total),
					"error_rate": rate,
				},
			})
		}
		return out, nil
	}
}
