// Package connectivity tracks the online/offline signal and notifies
// subscribers on transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Monitor struct {
	logger *zap.Logger

	mu          sync.Mutex
	online      bool
	subscribers []func(online bool)
}

func NewMonitor(initialOnline bool, logger *zap.Logger) *Monitor {
	return &Monitor{
		online: initialOnline,
		logger: logger,
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for transitions. fn is not called for the current
// state.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Set records the reachability reported by the host. Subscribers run only
// when the state actually changes.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	if online {
		m.logger.Info("Connectivity restored")
	} else {
		m.logger.Warn("Connectivity lost")
	}
	for _, fn := range subs {
		fn(online)
	}
}

// Probe derives the state from check every interval until ctx is done.
func (m *Monitor) Probe(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	probe := func() {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := check(pctx)
		if err != nil && ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Debug("Connectivity probe failed", zap.Error(err))
		}
		m.Set(err == nil)
	}

	probe()
	for {
		select {
		case <-ticker.C:
			probe()
		case <-ctx.Done():
			return
		}
	}
}
