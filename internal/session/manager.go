package session

import (
	"context"
	"sync"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultTimeout = 30 * time.Minute

// Option configures a Manager.
type Option func(*Manager)

// WithEndHook registers fn to receive every session that is closed, whether
// by expiry or teardown. fn runs outside the manager's lock.
func WithEndHook(fn func(models.Session)) Option {
	return func(m *Manager) {
		m.onEnd = fn
	}
}

// Manager owns the single active session of the process.
type Manager struct {
	timeout time.Duration
	now     func() time.Time
	onEnd   func(models.Session)
	logger  *zap.Logger

	mu      sync.Mutex
	state   models.SessionState
	current models.Session
}

func NewManager(timeout time.Duration, clock func() time.Time, logger *zap.Logger, opts ...Option) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clock == nil {
		clock = time.Now
	}
	m := &Manager{
		timeout: timeout,
		now:     clock,
		logger:  logger,
		state:   models.SessionNone,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureSession returns the active session id while the last activity is
// within the timeout. Otherwise the stale session is closed and a new one is
// opened for userID (empty for anonymous) and tier.
func (m *Manager) EnsureSession(userID, tier string) string {
	m.mu.Lock()
	now := m.now()

	var closed *models.Session
	if m.state == models.SessionActive {
		if now.Sub(m.current.LastActivityAt) <= m.timeout {
			id := m.current.ID
			m.mu.Unlock()
			return id
		}
		s := m.expireLocked()
		closed = &s
	}

	m.current = models.Session{
		ID:             uuid.New().String(),
		UserID:         models.StringPtr(userID),
		UserTier:       tier,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.state = models.SessionActive
	id := m.current.ID
	m.mu.Unlock()

	if closed != nil {
		m.ended(*closed, "expired")
	}
	m.logger.Debug("Session started",
		zap.String("session_id", id),
		zap.String("user_tier", tier),
	)
	return id
}

// Touch records activity on the active session.
func (m *Manager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == models.SessionActive {
		m.current.LastActivityAt = m.now()
	}
}

// UpdateUserTier changes the tier of the active session without ending it.
func (m *Manager) UpdateUserTier(tier string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == models.SessionActive && m.current.UserTier != tier {
		m.logger.Debug("Session tier updated",
			zap.String("session_id", m.current.ID),
			zap.String("from", m.current.UserTier),
			zap.String("to", tier),
		)
		m.current.UserTier = tier
	}
}

// Teardown force-ends the active session. Calling it without an active
// session is a no-op.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.state != models.SessionActive {
		m.mu.Unlock()
		return
	}
	now := m.now()
	m.current.EndedAt = &now
	m.state = models.SessionEnded
	s := m.current
	m.mu.Unlock()

	m.ended(s, "teardown")
}

// ExpireIdle closes the active session if it has been idle longer than the
// timeout. It reports whether a session was closed.
func (m *Manager) ExpireIdle() bool {
	m.mu.Lock()
	if m.state != models.SessionActive || m.now().Sub(m.current.LastActivityAt) <= m.timeout {
		m.mu.Unlock()
		return false
	}
	s := m.expireLocked()
	m.mu.Unlock()

	m.ended(s, "expired")
	return true
}

// Watch runs ExpireIdle every interval until ctx is done.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ExpireIdle()
		case <-ctx.Done():
			return
		}
	}
}

// Current returns a copy of the active session.
func (m *Manager) Current() (models.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != models.SessionActive {
		return models.Session{}, false
	}
	return m.current, true
}

func (m *Manager) State() models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// expireLocked closes the current session at the moment it went idle.
func (m *Manager) expireLocked() models.Session {
	endedAt := m.current.LastActivityAt.Add(m.timeout)
	m.current.EndedAt = &endedAt
	m.state = models.SessionExpired
	return m.current
}

func (m *Manager) ended(s models.Session, reason string) {
	m.logger.Info("Session ended",
		zap.String("session_id", s.ID),
		zap.String("reason", reason),
		zap.Duration("duration", s.Duration(m.now())),
	)
	if m.onEnd != nil {
		m.onEnd(s)
	}
}
