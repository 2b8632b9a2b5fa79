package models

import "time"

// SessionState is the lifecycle state of the session manager.
type SessionState string

const (
	SessionNone    SessionState = "none"
	SessionActive  SessionState = "active"
	SessionExpired SessionState = "expired"
	SessionEnded   SessionState = "ended"
)

// Session is one continuous usage window.
type Session struct {
	ID             string     `json:"sessionId"`
	UserID         *string    `json:"userId,omitempty"`
	UserTier       string     `json:"userTier"`
	StartedAt      time.Time  `json:"startedAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// Duration returns how long the session lasted, up to now while active.
func (s Session) Duration(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// DeviceInfo is static metadata about the installation.
type DeviceInfo struct {
	InstallationID string `json:"installationId"`
	OS             string `json:"os"`
	OSRelease      string `json:"osRelease,omitempty"`
	Arch           string `json:"arch"`
	Machine        string `json:"machine,omitempty"`
	Hostname       string `json:"hostname,omitempty"`
	AppVersion     string `json:"appVersion,omitempty"`
}
