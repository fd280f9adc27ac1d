package stats

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

// Source is an event stream. *core.Emitter and *queue.Queue implement it.
type Source interface {
	Events() <-chan core.Event
	Unsubscribe(ch <-chan core.Event)
}

// Collector counts scheduler events and flushes them to a Store.
type Collector struct {
	source Source
	store  Store
	cfg    config
	logger *zap.Logger

	mu       sync.Mutex
	counters Counters

	// ready is closed once the collector has subscribed to events.
	ready     chan struct{}
	readyOnce sync.Once
}

// NewCollector creates a Collector.
func NewCollector(src Source, store Store, opts ...Option) *Collector {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return &Collector{
		source: src,
		store:  store,
		cfg:    cfg,
		logger: cfg.logger.Named("stats"),
		ready:  make(chan struct{}),
	}
}

// WaitReady blocks until the collector has subscribed to events.
func (c *Collector) WaitReady() {
	<-c.ready
}

// Start consumes events and flushes periodically until ctx is canceled.
// Events already delivered are counted and flushed before it returns.
func (c *Collector) Start(ctx context.Context) error {
	events := c.source.Events()
	defer c.source.Unsubscribe(events)

	c.readyOnce.Do(func() { close(c.ready) })

	ticker := time.NewTicker(c.cfg.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drain(events)
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			c.Flush(flushCtx)
			cancel()
			return ctx.Err()
		case e := <-events:
			c.handle(e)
		case <-ticker.C:
			c.Flush(ctx)
			c.snapshot(ctx)
			c.prune(ctx)
		}
	}
}

func (c *Collector) drain(events <-chan core.Event) {
	for {
		select {
		case e := <-events:
			c.handle(e)
		default:
			return
		}
	}
}

func (c *Collector) handle(e core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := e.(type) {
	case *core.ExecutionRecorded:
		switch ev.Execution.Status {
		case core.ExecutionSuccess:
			c.counters.Succeeded++
		case core.ExecutionFailed:
			c.counters.Failed++
		case core.ExecutionTimeout:
			c.counters.TimedOut++
		case core.ExecutionRateLimited:
			c.counters.RateLimited++
		}
	case *core.RetryScheduled:
		c.counters.Retried++
	case *core.JobResolved:
		switch ev.Status {
		case core.StatusCompleted:
			c.counters.Completed++
		case core.StatusFailed:
			c.counters.Exhausted++
		}
	}
}

// Flush writes accumulated counters. Counters that fail to write are kept
// for the next flush.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.counters
	c.counters = Counters{}
	c.mu.Unlock()

	if batch.IsZero() {
		return
	}
	if err := c.store.Add(ctx, c.cfg.now(), batch); err != nil {
		c.logger.Warn("flush stats", zap.Error(err))
		c.mu.Lock()
		c.counters.add(batch)
		c.mu.Unlock()
	}
}

func (c *Collector) snapshot(ctx context.Context) {
	if c.cfg.depth == nil {
		return
	}
	total, ready, err := c.cfg.depth.Depth(ctx)
	if err != nil {
		c.logger.Warn("sample queue depth", zap.Error(err))
		return
	}
	if err := c.store.SnapshotDepth(ctx, c.cfg.now(), total, ready); err != nil {
		c.logger.Warn("snapshot queue depth", zap.Error(err))
	}
}

func (c *Collector) prune(ctx context.Context) {
	if c.cfg.retention <= 0 {
		return
	}
	if _, err := c.store.Prune(ctx, c.cfg.now().Add(-c.cfg.retention)); err != nil {
		c.logger.Warn("prune stats", zap.Error(err))
	}
}
