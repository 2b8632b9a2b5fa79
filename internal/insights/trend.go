package insights

import (
	"context"
	"fmt"
	"math"

	"Mansoor88-6/analytics-telemetry/internal/config"
	"Mansoor88-6/analytics-telemetry/internal/models"
)

// Trend priority bands by absolute relative change.
const (
	trendCritical = 0.5
	trendHigh     = 0.35
)

// trendPriority maps a relative change to a priority by magnitude band.
// Declines rank one level above growth of the same magnitude: a 30% drop is
// high where a 30% rise is medium, and any drop of 35% or more is critical.
func trendPriority(change float64) models.Priority {
	p := models.PriorityMedium
	switch abs := math.Abs(change); {
	case abs >= trendCritical:
		p = models.PriorityCritical
	case abs >= trendHigh:
		p = models.PriorityHigh
	}
	if change < 0 {
		p = p.Escalate()
	}
	return p
}

// relativeChange returns (current-previous)/previous.
func relativeChange(previous, current int64) float64 {
	return float64(current-previous) / float64(previous)
}

func trendRule(cfg config.InsightsConfig) func(context.Context, *Dataset) ([]Finding, error) {
	return func(ctx context.Context, d *Dataset) ([]Finding, error) {
		w := d.Window
		var out []Finding
		for _, key := range d.Features() {
			ts, err := d.Series(ctx, key)
			if err != nil {
				return nil, err
			}
			previous := ts.SumEvents(w.PreviousFrom, w.CurrentFrom)
			current := ts.SumEvents(w.CurrentFrom, w.To)
			if previous == 0 || previous+current < cfg.MinVolume {
				continue
			}

			change := relativeChange(previous, current)
			if math.Abs(change) < cfg.TrendThreshold {
				continue
			}

			direction, verb := "growth", "up"
			action := fmt.Sprintf("Check capacity and promote %s/%s while interest is rising.", key.Category, key.Name)
			if change < 0 {
				direction, verb = "decline", "down"
				action = fmt.Sprintf("Review recent changes affecting %s/%s and compare with the previous period.", key.Category, key.Name)
			}

			out = append(out, Finding{
				Type:     models.InsightTrend,
				Priority: trendPriority(change),
				Category: key.Category,
				Name:     key.Name,
				Title:    fmt.Sprintf("%s/%s usage %s %.0f%%", key.Category, key.Name, verb, math.Abs(change)*100),
				Description: fmt.Sprintf("Events went from %d to %d over the last %d days (%s of %.1f%%).",
					previous, current, w.Days, direction, change*100),
				RecommendedAction: action,
				SupportingMetrics: map[string]float64{
					"previous_events": float64(previous),
					"current_events":  float64(current),
					"change":          change,
					"window_days":     float64(w.Days),
				},
			})
		}
		return out, nil
	}
}

// Anomaly priority bands by absolute deviation from the baseline.
const (
	anomalyCritical = 2.0
	anomalyHigh     = 1.0
)

func anomalyPriority(deviation float64) models.Priority {
	switch abs := math.Abs(deviation); {
	case abs >= anomalyCritical:
		return models.PriorityCritical
	case abs >= anomalyHigh:
		return models.PriorityHigh
	}
	return models.PriorityMedium
}

func anomalyRule(cfg config.InsightsConfig) func(context.Context, *Dataset) ([]Finding, error) {
	return func(ctx context.Context, d *Dataset) ([]Finding, error) {
		latest := d.Window.LatestDay()
		baselineFrom := latest.Add(-anomalyBaselineDays * models.Day)

		var out []Finding
		for _, key := range d.Features() {
			ts, err := d.Series(ctx, key)
			if err != nil {
				return nil, err
			}
			average := float64(ts.SumEvents(baselineFrom, latest)) / anomalyBaselineDays
			if average == 0 || average < float64(cfg.MinVolume) {
				continue
			}

			value := ts.EventsOn(latest)
			deviation := (float64(value) - average) / average
			if math.Abs(deviation) < cfg.AnomalyThreshold {
				continue
			}

			kind := "spike"
			if deviation < 0 {
				kind = "drop"
			}
			out = append(out, Finding{
				Type:     models.InsightAnomaly,
				Priority: anomalyPriority(deviation),
				Category: key.Category,
				Name:     key.Name,
				Title:    fmt.Sprintf("%s/%s %s on %s", key.Category, key.Name, kind, latest.Format("2006-01-02")),
				Description: fmt.Sprintf("%d events against a %d-day average of %.1f (%+.0f%%).",
					value, anomalyBaselineDays, average, deviation*100),
				RecommendedAction: fmt.Sprintf("Check releases and error logs around %s for %s/%s.",
					latest.Format("2006-01-02"), key.Category, key.Name),
				SupportingMetrics: map[string]float64{
					"value":            float64(value),
					"baseline_average": average,
					"deviation":        deviation,
				},
			})
		}
		return out, nil
	}
}
