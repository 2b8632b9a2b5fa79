// Package tracker is the tracking facade used by UI hosts: page views,
// feature start/complete pairs, actions and errors.
package tracker

import (
	"context"
	"maps"
	"sync"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const anonymousTier = "anonymous"

type Enqueuer interface {
	Enqueue(event models.Event)
	Flush(ctx context.Context) error
}

type Sessions interface {
	EnsureSession(userID, tier string) string
	Touch()
	UpdateUserTier(tier string)
	Teardown()
}

type DeviceContext interface {
	InstallationID(ctx context.Context) (string, error)
	Platform() string
	AppVersion() string
}

// Option decorates an event before validation.
type Option func(*models.Event)

func WithValue(v float64) Option {
	return func(e *models.Event) { e.Value = &v }
}

// WithPayload attaches a copy of payload.
func WithPayload(payload map[string]any) Option {
	return func(e *models.Event) {
		if len(payload) == 0 {
			return
		}
		if e.Payload == nil {
			e.Payload = make(map[string]any, len(payload))
		}
		maps.Copy(e.Payload, payload)
	}
}

func WithPage(page string) Option {
	return func(e *models.Event) { e.PageName = models.StringPtr(page) }
}

// Tracker never returns errors to callers: invalid events are logged and
// dropped.
type Tracker struct {
	queue    Enqueuer
	sessions Sessions
	device   DeviceContext
	pending  *PendingStore
	trail    *Trail
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.RWMutex
	userID   string
	userTier string
}

func New(queue Enqueuer, sessions Sessions, device DeviceContext, pending *PendingStore, clock func() time.Time, logger *zap.Logger) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	if pending == nil {
		pending = NewPendingStore(DefaultPendingTTL, clock, logger)
	}
	return &Tracker{
		queue:    queue,
		sessions: sessions,
		device:   device,
		pending:  pending,
		trail:    NewTrail(),
		now:      clock,
		logger:   logger,
		userTier: anonymousTier,
	}
}

// SetIdentity applies the identity provider's view of the user. A tier
// change for the same user keeps the session; a different user (login or
// logout) ends it.
func (t *Tracker) SetIdentity(userID, tier string) {
	if tier == "" {
		tier = anonymousTier
	}

	t.mu.Lock()
	sameUser := t.userID == userID
	t.userID = userID
	t.userTier = tier
	t.mu.Unlock()

	if sameUser {
		t.sessions.UpdateUserTier(tier)
		return
	}
	t.sessions.Teardown()
	t.trail.Reset()
}

func (t *Tracker) identity() (string, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.userID, t.userTier
}

// Track records a generic event.
func (t *Tracker) Track(eventType models.EventType, category, name string, opts ...Option) {
	t.track(eventType, category, name, nil, opts...)
}

func (t *Tracker) track(eventType models.EventType, category, name string, decorate func(*models.Event), opts ...Option) bool {
	now := t.now()
	event := models.Event{
		ID:              uuid.New().String(),
		Type:            eventType,
		Category:        category,
		Name:            name,
		ClientTimestamp: now.UnixMilli(),
	}
	for _, opt := range opts {
		opt(&event)
	}

	if err := event.Validate(); err != nil {
		t.logger.Warn("Dropping invalid event",
			zap.String("type", string(eventType)),
			zap.String("category", category),
			zap.String("name", name),
			zap.Error(err),
		)
		return false
	}

	userID, tier := t.identity()
	event.SessionID = t.sessions.EnsureSession(userID, tier)
	t.sessions.Touch()
	event.UserID = models.StringPtr(userID)
	event.UserTier = tier

	if id, err := t.device.InstallationID(context.Background()); err == nil {
		event.InstallationID = id
	} else {
		t.logger.Warn("Installation id unavailable", zap.Error(err))
	}
	event.Platform = t.device.Platform()
	event.AppVersion = t.device.AppVersion()

	if decorate != nil {
		decorate(&event)
	}
	if event.PageName == nil {
		if page, ok := t.trail.Current(event.SessionID); ok {
			event.PageName = &page
		}
	}

	t.queue.Enqueue(event)
	return true
}

// TrackPageView moves navigation focus to page. The event carries the page
// that lost focus and how long it was focused.
func (t *Tracker) TrackPageView(page string, payload map[string]any) {
	t.track(models.EventPageView, models.CategoryPlatform, page, func(e *models.Event) {
		at := time.UnixMilli(e.ClientTimestamp)
		previous, elapsed, ok := t.trail.Visit(e.SessionID, page, at)
		e.PageName = models.StringPtr(page)
		if ok {
			e.PreviousPage = models.StringPtr(previous)
			e.TimeOnPreviousPageMs = &elapsed
		}
	}, WithPayload(payload))
}

// TrackStart opens a feature flow. Starting a flow that is already pending
// restarts its clock.
func (t *Tracker) TrackStart(category, name string, payload map[string]any) {
	if t.track(models.EventStart, category, name, nil, WithPayload(payload)) {
		t.pending.Put(pendingKey(category, name), t.now())
	}
}

// TrackComplete closes a feature flow, adding payload.duration_ms when the
// matching start is known.
func (t *Tracker) TrackComplete(category, name string, payload map[string]any) {
	opts := []Option{WithPayload(payload)}
	if startedAt, ok := t.pending.Take(pendingKey(category, name)); ok {
		duration := t.now().Sub(startedAt).Milliseconds()
		opts = append(opts, WithPayload(map[string]any{"duration_ms": duration}))
	} else {
		t.logger.Debug("Complete without pending start",
			zap.String("category", category),
			zap.String("name", name),
		)
	}
	t.track(models.EventComplete, category, name, nil, opts...)
}

// CancelTracking discards a pending start without emitting an event.
func (t *Tracker) CancelTracking(category, name string) {
	if _, ok := t.pending.Take(pendingKey(category, name)); ok {
		t.logger.Debug("Feature flow cancelled",
			zap.String("category", category),
			zap.String("name", name),
		)
	}
}

func (t *Tracker) TrackAction(category, name string, payload map[string]any) {
	t.track(models.EventAction, category, name, nil, WithPayload(payload))
}

func (t *Tracker) TrackClick(category, name string, payload map[string]any) {
	t.track(models.EventClick, category, name, nil, WithPayload(payload))
}

func (t *Tracker) TrackError(category, name string, err error, payload map[string]any) {
	opts := []Option{WithPayload(payload)}
	if err != nil {
		opts = append(opts, WithPayload(map[string]any{"error": err.Error()}))
	}
	t.track(models.EventError, category, name, nil, opts...)
}

// Flush asks the queue to deliver everything tracked so far.
func (t *Tracker) Flush(ctx context.Context) error {
	return t.queue.Flush(ctx)
}

// Background is called when the app goes to the background: the session
// ends and buffered events are flushed.
func (t *Tracker) Background(ctx context.Context) error {
	t.sessions.Teardown()
	t.trail.Reset()
	return t.queue.Flush(ctx)
}

// PendingFlows reports how many feature flows await completion.
func (t *Tracker) PendingFlows() int {
	return t.pending.Len()
}
