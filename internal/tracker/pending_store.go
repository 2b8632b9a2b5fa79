package tracker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultPendingTTL = 24 * time.Hour

// PendingStore holds the start time of feature flows awaiting completion.
// Entries older than the TTL are treated as abandoned.
type PendingStore struct {
	mu     sync.Mutex
	starts map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	stopChan  chan struct{}
	stopOnce  sync.Once
	cleanupWg sync.WaitGroup
}

func NewPendingStore(ttl time.Duration, clock func() time.Time, logger *zap.Logger) *PendingStore {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &PendingStore{
		starts:   make(map[string]time.Time),
		ttl:      ttl,
		now:      clock,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

func pendingKey(category, name string) string {
	return category + ":" + name
}

// Put records (or restarts) a flow.
func (s *PendingStore) Put(key string, startedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts[key] = startedAt
}

// Take removes the flow and returns its start time if it has not expired.
func (s *PendingStore) Take(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	startedAt, ok := s.starts[key]
	if !ok {
		return time.Time{}, false
	}
	delete(s.starts, key)

	if s.now().Sub(startedAt) > s.ttl {
		return time.Time{}, false
	}
	return startedAt, true
}

func (s *PendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.starts)
}

// StartCleanup removes expired flows every interval until Stop.
func (s *PendingStore) StartCleanup(interval time.Duration) {
	s.cleanupWg.Add(1)
	go s.cleanupLoop(interval)
}

func (s *PendingStore) cleanupLoop(interval time.Duration) {
	defer s.cleanupWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopChan:
			return
		}
	}
}

func (s *PendingStore) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expired := 0
	for key, startedAt := range s.starts {
		if now.Sub(startedAt) > s.ttl {
			delete(s.starts, key)
			expired++
		}
	}

	if expired > 0 {
		s.logger.Debug("Discarded abandoned feature flows", zap.Int("count", expired))
	}
	return expired
}

func (s *PendingStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.cleanupWg.Wait()
}
