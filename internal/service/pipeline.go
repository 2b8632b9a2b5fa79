package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/connectivity"
	"Mansoor88-6/analytics-telemetry/internal/datastore"
	"Mansoor88-6/analytics-telemetry/internal/errs"
	"Mansoor88-6/analytics-telemetry/internal/models"
	"Mansoor88-6/analytics-telemetry/internal/queue"

	"go.uber.org/zap"
)

type PipelineConfig struct {
	ReplayInterval time.Duration
}

type Status struct {
	Online    bool        `json:"online"`
	Delivered int64       `json:"delivered"`
	Persisted int64       `json:"persisted"`
	Dropped   int64       `json:"dropped"`
	Durable   queue.Stats `json:"durable"`
}

// Pipeline moves batches from the collector to the datastore. Batches that
// cannot be delivered go to the offline log, never back to the collector.
type Pipeline struct {
	sink    datastore.EventSink
	log     *queue.OfflineLog
	monitor *connectivity.Monitor
	cfg     PipelineConfig
	now     func() time.Time
	logger  *zap.Logger

	kick     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	delivered atomic.Int64
	persisted atomic.Int64
	dropped   atomic.Int64
}

func NewPipeline(
	sink datastore.EventSink,
	log *queue.OfflineLog,
	monitor *connectivity.Monitor,
	cfg PipelineConfig,
	clock func() time.Time,
	logger *zap.Logger,
) *Pipeline {
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = time.Minute
	}
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{
		sink:    sink,
		log:     log,
		monitor: monitor,
		cfg:     cfg,
		now:     clock,
		logger:  logger,
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start replays what a previous run left behind, then replays again on every
// offline-to-online transition and every replay interval.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		p.log.ResetBackoff()
		p.trigger()
	})

	p.wg.Add(1)
	go p.replayLoop(ctx)

	p.logger.Info("Delivery pipeline started",
		zap.Duration("replay_interval", p.cfg.ReplayInterval),
		zap.Int("durable_pending", p.log.Pending()),
	)
}

func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.cancel != nil {
			p.cancel()
		}
	})
	p.wg.Wait()
	p.logger.Info("Delivery pipeline stopped")
}

// Deliver is the collector's DeliverFunc. Invalid events are dropped one by
// one so they never take their neighbours down with them.
func (p *Pipeline) Deliver(ctx context.Context, batch []models.Event) {
	batch = p.screen(batch)
	if len(batch) == 0 {
		return
	}

	if !p.monitor.Online() {
		p.logger.Debug("Offline, persisting batch", zap.Int("event_count", len(batch)))
		p.persist(ctx, batch)
		return
	}

	err := p.send(ctx, batch)
	switch {
	case err == nil:
		p.logger.Info("Batch flushed", zap.Int("event_count", len(batch)))
	case !errs.IsRetryable(err):
		p.dropped.Add(int64(len(batch)))
		p.logger.Warn("Batch rejected as invalid, dropping",
			zap.Int("event_count", len(batch)),
			zap.Error(err),
		)
	default:
		p.logger.Warn("Flush failed, persisting batch for replay",
			zap.Int("event_count", len(batch)),
			zap.Error(err),
		)
		p.persist(ctx, batch)
	}
}

// Spill persists batch to the offline log without trying the sink. It is
// the collector's overflow while a slow sink holds up delivery.
func (p *Pipeline) Spill(ctx context.Context, batch []models.Event) {
	batch = p.screen(batch)
	if len(batch) == 0 {
		return
	}
	p.persist(ctx, batch)
}

func (p *Pipeline) screen(batch []models.Event) []models.Event {
	valid, rejected := models.SplitValid(batch)
	for _, err := range rejected {
		p.logger.Warn("Dropping invalid event", zap.Error(err))
	}
	p.dropped.Add(int64(len(rejected)))
	return valid
}

// send is the single insert path shared by live flushes and replay.
func (p *Pipeline) send(ctx context.Context, batch []models.Event) error {
	if err := p.sink.InsertEventsBatch(ctx, batch); err != nil {
		return err
	}
	flushedAt := p.now().UnixMilli()
	for i := range batch {
		batch[i].FlushedAt = &flushedAt
	}
	p.delivered.Add(int64(len(batch)))
	return nil
}

func (p *Pipeline) persist(ctx context.Context, batch []models.Event) {
	if err := p.log.Persist(context.WithoutCancel(ctx), batch); err != nil {
		p.logger.Error("Failed to persist batch", zap.Error(err), zap.Int("event_count", len(batch)))
		return
	}
	p.persisted.Add(int64(len(batch)))
}

// Replay runs one replay pass now, ignoring the interval but not the
// backoff deadline.
func (p *Pipeline) Replay(ctx context.Context) error {
	if !p.monitor.Online() {
		return errs.Network("replay", errors.New("offline"))
	}
	return p.log.Replay(ctx, p.send)
}

func (p *Pipeline) trigger() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Pipeline) replayLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ReplayInterval)
	defer ticker.Stop()

	p.replayOnce(ctx)
	for {
		select {
		case <-ticker.C:
			p.replayOnce(ctx)
		case <-p.kick:
			p.replayOnce(ctx)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pipeline) replayOnce(ctx context.Context) {
	if p.log.Pending() == 0 || !p.monitor.Online() {
		return
	}

	err := p.log.Replay(ctx, p.send)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrBackoff):
		p.logger.Debug("Replay deferred", zap.Error(err))
	case errors.Is(err, context.Canceled):
	default:
		p.logger.Warn("Replay failed", zap.Error(err), zap.Int("durable_pending", p.log.Pending()))
	}
}

func (p *Pipeline) Status() Status {
	return Status{
		Online:    p.monitor.Online(),
		Delivered: p.delivered.Load(),
		Persisted: p.persisted.Load(),
		Dropped:   p.dropped.Load(),
		Durable:   p.log.Stats(),
	}
}
