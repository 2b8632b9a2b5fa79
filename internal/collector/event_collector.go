package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/errs"
	"Mansoor88-6/analytics-telemetry/internal/models"

	"go.uber.org/zap"
)

// DeliverFunc receives every swapped-out batch. It owns the batch from then
// on and must not hand it back to the collector.
type DeliverFunc func(ctx context.Context, batch []models.Event)

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	Buffer        int
	// MaxQueued is how many swapped batches may wait for the sender before
	// further batches go to the overflow func. Ignored without one.
	MaxQueued int
}

type Stats struct {
	Accepted  int64 `json:"accepted"`
	Dropped   int64 `json:"dropped"`
	Pending   int64 `json:"pending"`
	Queued    int64 `json:"queued"`
	Batches   int64 `json:"batches"`
	HandedOff int64 `json:"handedOff"`
	Spilled   int64 `json:"spilled"`
}

type Option func(*EventCollector)

// WithOverflow routes batches that find MaxQueued batches already waiting
// for the sender to fn instead, typically the offline log. fn runs on the
// collector's run loop and must not block on the network.
func WithOverflow(fn DeliverFunc) Option {
	return func(ec *EventCollector) {
		ec.overflow = fn
	}
}

type flushRequest struct {
	done chan struct{}
}

type sendJob struct {
	batch  []models.Event
	reason string
	done   chan struct{}
}

// EventCollector buffers tracked events and hands them to a DeliverFunc in
// batches. Producers talk to it only through a bounded channel; the run loop
// is the sole owner of the pending slice and of the queue of swapped batches,
// and a single sender goroutine delivers them in swap order. The run loop
// never waits on the sender, so a slow sink cannot stall Enqueue.
type EventCollector struct {
	cfg      Config
	deliver  DeliverFunc
	overflow DeliverFunc
	logger   *zap.Logger

	events  chan models.Event
	flushCh chan flushRequest
	sendCh  chan sendJob
	stopCh  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
	wg        sync.WaitGroup

	accepted  atomic.Int64
	dropped   atomic.Int64
	pending   atomic.Int64
	queued    atomic.Int64
	batches   atomic.Int64
	delivered atomic.Int64
	spilled   atomic.Int64
}

func NewEventCollector(cfg Config, deliver DeliverFunc, logger *zap.Logger, opts ...Option) *EventCollector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 8
	}

	ctx, cancel := context.WithCancel(context.Background())
	ec := &EventCollector{
		cfg:     cfg,
		deliver: deliver,
		logger:  logger,
		events:  make(chan models.Event, cfg.Buffer),
		flushCh: make(chan flushRequest),
		sendCh:  make(chan sendJob),
		stopCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(ec)
	}
	return ec
}

// Start launches the run loop and the sender.
func (ec *EventCollector) Start() {
	ec.startOnce.Do(func() {
		ec.wg.Add(2)
		go ec.runLoop()
		go ec.sendLoop()

		ec.logger.Info("Event collector started",
			zap.Int("batch_size", ec.cfg.BatchSize),
			zap.Duration("flush_interval", ec.cfg.FlushInterval),
			zap.Int("buffer", ec.cfg.Buffer),
		)
	})
}

// Enqueue offers an event without blocking. When the buffer is full the
// event is dropped and counted.
func (ec *EventCollector) Enqueue(event models.Event) {
	if ec.stopped.Load() {
		ec.logger.Debug("Event ignored after collector stop", zap.String("event_id", event.ID))
		return
	}

	select {
	case ec.events <- event:
		ec.accepted.Add(1)
	default:
		dropped := ec.dropped.Add(1)
		ec.logger.Warn("Event buffer full, dropping event",
			zap.String("event_id", event.ID),
			zap.String("category", event.Category),
			zap.String("name", event.Name),
			zap.Int64("dropped_total", dropped),
		)
	}
}

// Flush delivers everything accepted so far and waits until that batch has
// been handed to the DeliverFunc and returned.
func (ec *EventCollector) Flush(ctx context.Context) error {
	req := flushRequest{done: make(chan struct{})}

	select {
	case ec.flushCh <- req:
	case <-ec.stopCh:
		return errs.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop flushes remaining events and stops both loops. It is safe to call
// more than once.
func (ec *EventCollector) Stop(ctx context.Context) error {
	ec.stopOnce.Do(func() {
		ec.stopped.Store(true)
		close(ec.stopCh)
	})

	done := make(chan struct{})
	go func() {
		ec.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		ec.cancel()
		ec.logger.Info("Event collector stopped",
			zap.Int64("handed_off", ec.delivered.Load()),
			zap.Int64("dropped", ec.dropped.Load()),
		)
		return nil
	case <-ctx.Done():
		ec.cancel()
		return ctx.Err()
	}
}

func (ec *EventCollector) Stats() Stats {
	return Stats{
		Accepted:  ec.accepted.Load(),
		Dropped:   ec.dropped.Load(),
		Pending:   ec.pending.Load(),
		Queued:    ec.queued.Load(),
		Batches:   ec.batches.Load(),
		HandedOff: ec.delivered.Load(),
		Spilled:   ec.spilled.Load(),
	}
}

func (ec *EventCollector) runLoop() {
	defer ec.wg.Done()
	defer close(ec.sendCh)

	ticker := time.NewTicker(ec.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]models.Event, 0, ec.cfg.BatchSize)
	var outbox []sendJob

	swap := func(reason string, done chan struct{}) {
		if len(pending) == 0 {
			if done != nil {
				close(done)
			}
			return
		}
		batch := pending
		pending = make([]models.Event, 0, ec.cfg.BatchSize)
		ec.pending.Store(0)

		if ec.overflow != nil && len(outbox) >= ec.cfg.MaxQueued {
			ec.logger.Warn("Sender is behind, spilling batch to overflow",
				zap.String("reason", reason),
				zap.Int("count", len(batch)),
				zap.Int("queued_batches", len(outbox)),
			)
			ec.overflow(ec.ctx, batch)
			ec.spilled.Add(int64(len(batch)))
			if done != nil {
				close(done)
			}
			return
		}

		ec.logger.Debug("Swapping batch for delivery",
			zap.String("reason", reason),
			zap.Int("count", len(batch)),
		)
		outbox = append(outbox, sendJob{batch: batch, reason: reason, done: done})
		ec.queued.Store(int64(len(outbox)))
	}

	drain := func() {
		for {
			select {
			case ev := <-ec.events:
				pending = append(pending, ev)
			default:
				ec.pending.Store(int64(len(pending)))
				return
			}
		}
	}

	for {
		// A nil channel disables the send case while the outbox is empty.
		var sendCh chan sendJob
		var next sendJob
		if len(outbox) > 0 {
			sendCh = ec.sendCh
			next = outbox[0]
		}

		select {
		case sendCh <- next:
			outbox[0] = sendJob{}
			outbox = outbox[1:]
			ec.queued.Store(int64(len(outbox)))
		case ev := <-ec.events:
			pending = append(pending, ev)
			ec.pending.Store(int64(len(pending)))
			if len(pending) >= ec.cfg.BatchSize {
				swap("size", nil)
			}
		case <-ticker.C:
			swap("interval", nil)
		case req := <-ec.flushCh:
			drain()
			swap("manual", req.done)
		case <-ec.stopCh:
			drain()
			swap("stop", nil)
			for _, job := range outbox {
				ec.sendCh <- job
			}
			ec.queued.Store(0)
			return
		}
	}
}

func (ec *EventCollector) sendLoop() {
	defer ec.wg.Done()

	for job := range ec.sendCh {
		ec.deliver(ec.ctx, job.batch)
		ec.batches.Add(1)
		ec.delivered.Add(int64(len(job.batch)))
		if job.done != nil {
			close(job.done)
		}
	}
}
