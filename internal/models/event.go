package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"Mansoor88-6/analytics-telemetry/internal/errs"
)

// EventType is the kind of tracked occurrence.
type EventType string

const (
	EventStart    EventType = "start"
	EventComplete EventType = "complete"
	EventAction   EventType = "action"
	EventClick    EventType = "click"
	EventPageView EventType = "page_view"
	EventError    EventType = "error"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventStart, EventComplete, EventAction, EventClick, EventPageView, EventError:
		return true
	}
	return false
}

// Category taxonomy used by the app. Category is an open string; these are
// the values the insight rules know about.
const (
	CategoryScanner   = "scanner"
	CategoryRitual    = "ritual"
	CategoryChatbot   = "chatbot"
	CategoryShop      = "shop"
	CategoryCourse    = "course"
	CategoryAffiliate = "affiliate"
	CategoryForum     = "forum"
	CategoryPlatform  = "platform"
)

// Event represents a single tracked occurrence. Timestamps are Unix
// milliseconds, matching what the backend batch endpoint expects.
type Event struct {
	ID             string  `json:"id"`
	SessionID      string  `json:"sessionId"`
	UserID         *string `json:"userId,omitempty"`
	UserTier       string  `json:"userTier"`
	InstallationID string  `json:"installationId"`
	Platform       string  `json:"platform,omitempty"`
	AppVersion     string  `json:"appVersion,omitempty"`

	Type     EventType      `json:"type"`
	Category string         `json:"category"`
	Name     string         `json:"name"`
	Value    *float64       `json:"value,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`

	PageName             *string `json:"pageName,omitempty"`
	PreviousPage         *string `json:"previousPage,omitempty"`
	TimeOnPreviousPageMs *int64  `json:"timeOnPreviousPageMs,omitempty"`

	ClientTimestamp int64  `json:"clientTimestamp"`
	FlushedAt       *int64 `json:"flushedAt,omitempty"`
}

// Validate checks the fields the datastore relies on. The payload must
// round-trip through JSON.
func (e *Event) Validate() error {
	if e.ID == "" {
		return errs.Validation("id", "missing")
	}
	if !e.Type.Valid() {
		return errs.Validation("type", "unknown event type "+string(e.Type))
	}
	if strings.TrimSpace(e.Category) == "" {
		return errs.Validation("category", "missing")
	}
	if strings.TrimSpace(e.Name) == "" {
		return errs.Validation("name", "missing")
	}
	if e.ClientTimestamp <= 0 {
		return errs.Validation("clientTimestamp", "missing")
	}
	if e.Value != nil && (math.IsNaN(*e.Value) || math.IsInf(*e.Value, 0)) {
		return errs.Validation("value", "not a finite number")
	}
	if len(e.Payload) > 0 {
		if _, err := json.Marshal(e.Payload); err != nil {
			return errs.Validation("payload", "not serializable: "+err.Error())
		}
	}
	return nil
}

// SplitValid separates the events that pass Validate from the rest. When
// every event is valid the input slice is returned as is.
func SplitValid(events []Event) ([]Event, []error) {
	var rejected []error
	for i := range events {
		if err := events[i].Validate(); err != nil {
			rejected = append(rejected, fmt.Errorf("event %s: %w", events[i].ID, err))
		}
	}
	if len(rejected) == 0 {
		return events, nil
	}

	valid := make([]Event, 0, len(events)-len(rejected))
	for i := range events {
		if events[i].Validate() == nil {
			valid = append(valid, events[i])
		}
	}
	return valid, rejected
}

// PayloadJSON returns the payload encoded for storage. An empty payload is "{}".
func (e *Event) PayloadJSON() (string, error) {
	if len(e.Payload) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UserIDOrEmpty returns the user id, or "" for anonymous events.
func (e *Event) UserIDOrEmpty() string {
	if e.UserID == nil {
		return ""
	}
	return *e.UserID
}

// BatchEventRequest represents a batch of events sent to the backend
type BatchEventRequest struct {
	Events         []Event `json:"events"`
	InstallationID string  `json:"installationId"`
	BatchTimestamp int64   `json:"batchTimestamp"` // Unix timestamp in milliseconds
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
