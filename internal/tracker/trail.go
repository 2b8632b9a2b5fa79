package tracker

import (
	"sync"
	"time"
)

// Trail is the navigation trail of the current session: the focused page and
// when focus arrived. It resets whenever the session changes.
type Trail struct {
	mu        sync.Mutex
	sessionID string
	page      string
	enteredAt time.Time
}

func NewTrail() *Trail {
	return &Trail{}
}

// Visit moves focus to page and returns the page that lost focus with the
// time spent on it. ok is false for the first page of a session.
func (t *Trail) Visit(sessionID, page string, at time.Time) (previous string, elapsedMs int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessionID == sessionID && t.page != "" {
		previous = t.page
		elapsedMs = at.Sub(t.enteredAt).Milliseconds()
		if elapsedMs < 0 {
			elapsedMs = 0
		}
		ok = true
	}

	t.sessionID = sessionID
	t.page = page
	t.enteredAt = at
	return previous, elapsedMs, ok
}

// Current returns the focused page for sessionID.
func (t *Trail) Current(sessionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessionID != sessionID || t.page == "" {
		return "", false
	}
	return t.page, true
}

func (t *Trail) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessionID = ""
	t.page = ""
	t.enteredAt = time.Time{}
}
