package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/errs"
	"Mansoor88-6/analytics-telemetry/internal/localstore"
	"Mansoor88-6/analytics-telemetry/internal/models"
	"Mansoor88-6/analytics-telemetry/internal/ops"

	"go.uber.org/zap"
)

const batchKeyPrefix = "batch:"

// SendFunc submits a batch to the datastore. It is the same insert path the
// collector's deliveries use.
type SendFunc func(ctx context.Context, batch []models.Event) error

type BackoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

type Config struct {
	MaxEvents int
	Backoff   BackoffConfig
}

type Stats struct {
	Batches     int       `json:"batches"`
	Events      int       `json:"events"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"nextAttempt,omitempty"`
	Evicted     int64     `json:"evicted"`
}

type storedBatch struct {
	Seq         uint64         `json:"seq"`
	PersistedAt int64          `json:"persistedAt"`
	Events      []models.Event `json:"events"`
}

type record struct {
	key   string
	seq   uint64
	count int
}

// OfflineLog is the bounded durable log of batches that could not be
// delivered. It owns every persisted batch until replay succeeds.
type OfflineLog struct {
	store    localstore.Store
	cfg      Config
	notifier ops.Notifier
	logger   *zap.Logger
	now      func() time.Time

	replayMu sync.Mutex

	mu          sync.Mutex
	index       []record
	nextSeq     uint64
	events      int
	evicted     int64
	attempts    int
	nextAttempt time.Time
}

// NewOfflineLog opens the log and rebuilds its index from the store, so
// batches persisted before a restart are replayed.
func NewOfflineLog(ctx context.Context, store localstore.Store, cfg Config, notifier ops.Notifier, clock func() time.Time, logger *zap.Logger) (*OfflineLog, error) {
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = time.Second
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = 2
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = 5 * time.Minute
	}
	if notifier == nil {
		notifier = ops.Nop{}
	}
	if clock == nil {
		clock = time.Now
	}

	l := &OfflineLog{
		store:    store,
		cfg:      cfg,
		notifier: notifier,
		logger:   logger,
		now:      clock,
		nextSeq:  1,
	}
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *OfflineLog) load(ctx context.Context) error {
	entries, err := l.store.ReadAll(ctx, batchKeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to load offline log: %w", err)
	}

	for _, e := range entries {
		seq, err := strconv.ParseUint(strings.TrimPrefix(e.Key, batchKeyPrefix), 10, 64)
		var b storedBatch
		if err == nil {
			err = json.Unmarshal(e.Value, &b)
		}
		if err != nil {
			l.logger.Error("Dropping corrupted offline batch", zap.String("key", e.Key), zap.Error(err))
			if derr := l.store.Delete(ctx, e.Key); derr != nil {
				l.logger.Error("Failed to delete corrupted batch", zap.String("key", e.Key), zap.Error(derr))
			}
			continue
		}

		l.index = append(l.index, record{key: e.Key, seq: seq, count: len(b.Events)})
		l.events += len(b.Events)
		if seq >= l.nextSeq {
			l.nextSeq = seq + 1
		}
	}

	if len(l.index) > 0 {
		l.logger.Info("Offline log restored",
			zap.Int("batches", len(l.index)),
			zap.Int("events", l.events),
		)
	}
	return nil
}

// Persist appends the valid events of batch to the log and then enforces the
// retention bound by evicting the oldest events.
func (l *OfflineLog) Persist(ctx context.Context, batch []models.Event) error {
	batch, rejected := models.SplitValid(batch)
	for _, err := range rejected {
		l.logger.Warn("Not persisting invalid event", zap.Error(err))
	}
	if len(batch) == 0 {
		return nil
	}

	l.mu.Lock()
	seq := l.nextSeq
	key := fmt.Sprintf("%s%020d", batchKeyPrefix, seq)
	value, err := json.Marshal(storedBatch{Seq: seq, PersistedAt: l.now().UnixMilli(), Events: batch})
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	if err := l.store.Put(ctx, key, value); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to persist batch: %w", err)
	}
	l.nextSeq++
	l.index = append(l.index, record{key: key, seq: seq, count: len(batch)})
	l.events += len(batch)

	evicted, err := l.enforceLocked(ctx)
	retained := l.events
	l.mu.Unlock()

	l.logger.Debug("Batch persisted to offline log",
		zap.String("key", key),
		zap.Int("count", len(batch)),
		zap.Int("retained", retained),
	)

	if evicted > 0 {
		quota := &errs.StorageQuotaError{Evicted: evicted, Retained: retained, Max: l.cfg.MaxEvents}
		l.logger.Error("Offline log evicted events", zap.Error(quota))
		l.notifier.Notify(ctx, ops.Signal{
			Kind:     ops.KindStorageQuota,
			Severity: ops.SeverityCritical,
			Message:  quota.Error(),
			Fields: map[string]any{
				"evicted":  evicted,
				"retained": retained,
				"max":      l.cfg.MaxEvents,
			},
			At: l.now(),
		})
	}
	return err
}

// enforceLocked evicts from the head until the retained count fits.
func (l *OfflineLog) enforceLocked(ctx context.Context) (int, error) {
	if l.cfg.MaxEvents <= 0 {
		return 0, nil
	}

	evicted := 0
	for l.events > l.cfg.MaxEvents && len(l.index) > 0 {
		over := l.events - l.cfg.MaxEvents
		head := l.index[0]

		if head.count <= over {
			if err := l.store.Delete(ctx, head.key); err != nil {
				return evicted, fmt.Errorf("failed to evict batch %s: %w", head.key, err)
			}
			l.index = l.index[1:]
			l.events -= head.count
			evicted += head.count
			continue
		}

		b, err := l.read(ctx, head.key)
		if err != nil {
			return evicted, err
		}
		b.Events = b.Events[over:]
		value, err := json.Marshal(b)
		if err != nil {
			return evicted, fmt.Errorf("failed to encode trimmed batch: %w", err)
		}
		if err := l.store.Put(ctx, head.key, value); err != nil {
			return evicted, fmt.Errorf("failed to trim batch %s: %w", head.key, err)
		}
		l.index[0].count -= over
		l.events -= over
		evicted += over
	}

	l.evicted += int64(evicted)
	return evicted, nil
}

func (l *OfflineLog) read(ctx context.Context, key string) (storedBatch, error) {
	var b storedBatch
	raw, err := l.store.Get(ctx, key)
	if err != nil {
		return b, fmt.Errorf("failed to read batch %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return b, fmt.Errorf("failed to decode batch %s: %w", key, err)
	}
	return b, nil
}

// Replay resubmits persisted batches oldest first. It stops at the first
// delivery failure and schedules the next attempt with exponential backoff;
// calls made before that deadline return errs.ErrBackoff. Batches rejected
// as invalid are dropped and replay continues.
func (l *OfflineLog) Replay(ctx context.Context, send SendFunc) error {
	l.replayMu.Lock()
	defer l.replayMu.Unlock()

	l.mu.Lock()
	if wait := l.nextAttempt.Sub(l.now()); wait > 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: next attempt in %s", errs.ErrBackoff, wait.Round(time.Millisecond))
	}
	l.mu.Unlock()

	replayed := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		if len(l.index) == 0 {
			l.attempts = 0
			l.nextAttempt = time.Time{}
			l.mu.Unlock()
			break
		}
		head := l.index[0]
		l.mu.Unlock()

		b, err := l.read(ctx, head.key)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				l.forget(head.key)
				continue
			}
			return err
		}

		err = send(ctx, b.Events)
		switch {
		case err == nil:
			if err := l.remove(ctx, head.key); err != nil {
				return err
			}
			replayed += len(b.Events)
		case errs.IsValidation(err):
			l.logger.Warn("Dropping offline batch rejected as invalid",
				zap.String("key", head.key),
				zap.Int("count", len(b.Events)),
				zap.Error(err),
			)
			if err := l.remove(ctx, head.key); err != nil {
				return err
			}
		default:
			delay := l.fail()
			l.logger.Warn("Replay failed, backing off",
				zap.String("key", head.key),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
			return err
		}
	}

	if replayed > 0 {
		l.logger.Info("Offline log replayed", zap.Int("events", replayed))
	}
	return nil
}

func (l *OfflineLog) fail() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.attempts++
	delay := time.Duration(float64(l.cfg.Backoff.Initial) * math.Pow(l.cfg.Backoff.Multiplier, float64(l.attempts-1)))
	if delay > l.cfg.Backoff.Max || delay <= 0 {
		delay = l.cfg.Backoff.Max
	}
	l.nextAttempt = l.now().Add(delay)
	return delay
}

func (l *OfflineLog) remove(ctx context.Context, key string) error {
	if err := l.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to remove replayed batch %s: %w", key, err)
	}
	l.forget(key)
	return nil
}

func (l *OfflineLog) forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, r := range l.index {
		if r.key == key {
			l.events -= r.count
			l.index = append(l.index[:i], l.index[i+1:]...)
			return
		}
	}
}

// ResetBackoff clears the backoff deadline so the next Replay runs at once.
// It is called when connectivity is restored.
func (l *OfflineLog) ResetBackoff() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.attempts = 0
	l.nextAttempt = time.Time{}
}

func (l *OfflineLog) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		Batches:     len(l.index),
		Events:      l.events,
		Attempts:    l.attempts,
		NextAttempt: l.nextAttempt,
		Evicted:     l.evicted,
	}
}

// Pending returns the number of events held in the log.
func (l *OfflineLog) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}
