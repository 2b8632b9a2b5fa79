package models

import "time"

type InsightType string

const (
	InsightTrend          InsightType = "trend"
	InsightAnomaly        InsightType = "anomaly"
	InsightRecommendation InsightType = "recommendation"
	InsightPrediction     InsightType = "prediction"
)

func (t InsightType) Valid() bool {
	switch t {
	case InsightTrend, InsightAnomaly, InsightRecommendation, InsightPrediction:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityOrder = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// Rank orders priorities from 0 (low) to 3 (critical).
func (p Priority) Rank() int {
	for i, q := range priorityOrder {
		if p == q {
			return i
		}
	}
	return 0
}

// Escalate returns the next priority level, capped at critical.
func (p Priority) Escalate() Priority {
	r := p.Rank() + 1
	if r >= len(priorityOrder) {
		r = len(priorityOrder) - 1
	}
	return priorityOrder[r]
}

type InsightStatus string

const (
	StatusPending    InsightStatus = "pending"
	StatusInProgress InsightStatus = "in_progress"
	StatusCompleted  InsightStatus = "completed"
	StatusDismissed  InsightStatus = "dismissed"
)

func (s InsightStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusDismissed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s.
func (s InsightStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDismissed
}

// OpenStatuses are the statuses an insight can be updated in place from.
var OpenStatuses = []InsightStatus{StatusPending, StatusInProgress}

// AllowedFrom lists the statuses from which a transition to `to` is legal.
//
//	pending -> in_progress -> completed
//	pending | in_progress -> dismissed
func AllowedFrom(to InsightStatus) []InsightStatus {
	switch to {
	case StatusInProgress:
		return []InsightStatus{StatusPending}
	case StatusCompleted:
		return []InsightStatus{StatusInProgress}
	case StatusDismissed:
		return []InsightStatus{StatusPending, StatusInProgress}
	}
	return nil
}

// CanTransition reports whether from -> to is a legal operator transition.
func CanTransition(from, to InsightStatus) bool {
	for _, s := range AllowedFrom(to) {
		if s == from {
			return true
		}
	}
	return false
}

// InsightSignature identifies "the same finding" across engine runs.
type InsightSignature struct {
	Type     InsightType
	Category string
	Name     string
}

// Insight is a derived, prioritized finding about platform behavior.
type Insight struct {
	ID                string             `json:"id"`
	Type              InsightType        `json:"type"`
	Priority          Priority           `json:"priority"`
	Category          string             `json:"category"`
	Name              string             `json:"name"`
	Title             string             `json:"title"`
	Description       string             `json:"description"`
	RecommendedAction string             `json:"recommendedAction"`
	SupportingMetrics map[string]float64 `json:"supportingMetrics"`
	Status            InsightStatus      `json:"status"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
	ResolvedAt        *time.Time         `json:"resolvedAt,omitempty"`
}

func (i *Insight) Signature() InsightSignature {
	return InsightSignature{Type: i.Type, Category: i.Category, Name: i.Name}
}

// InsightFilter narrows ListInsights. Zero values match everything.
type InsightFilter struct {
	Status   InsightStatus
	Type     InsightType
	Category string
	Limit    int
}
