package messaging

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "crosspost/pkg/logx"
)

type ConsumerConfig struct {
	Enabled    bool
	Workers    int
	RatePerSec int
	RetryMax   int
	// IdleWait is the pause after an empty or failed fetch.
	IdleWait time.Duration
}

// BatchStatus tracks delivery of one enqueued batch.
type BatchStatus struct {
	ID       string
	Done     int
	Failed   int
	Failures []string
	FirstAt  time.Time
	LastAt   time.Time
}

// Consumer drains a Source with a rate-limited worker pool.
type Consumer struct {
	mu sync.Mutex

	cfg    ConsumerConfig
	source Source
	sender Sender
	log    logx.Logger

	limiter *rate.Limiter
	queue   chan Delivery
	stopCh  chan struct{}
	// stopDone is non-nil while a Stop() is in progress.
	stopDone chan struct{}

	statusMu  sync.RWMutex
	status    map[string]*BatchStatus
	statusMax int
	statusTTL time.Duration

	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func NewConsumer(cfg ConsumerConfig, source Source, sender Sender, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{
		cfg:       cfg,
		source:    source,
		sender:    sender,
		log:       log.With(logx.String("comp", "outbox-consumer")),
		limiter:   newLimiter(cfg.RatePerSec),
		queue:     make(chan Delivery, 256),
		status:    map[string]*BatchStatus{},
		statusMax: 500,
		statusTTL: 24 * time.Hour,
	}
}

func newLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		rps = 10
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

func (c *Consumer) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Enabled
}

// Apply swaps the rate and retry settings; the pool size applies on the
// next Start.
func (c *Consumer) Apply(cfg ConsumerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.limiter = newLimiter(cfg.RatePerSec)
}

func (c *Consumer) Start(ctx context.Context) {
	for {
		c.mu.Lock()
		if c.stopCh == nil {
			break
		}
		done := c.stopDone
		if done == nil {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer c.mu.Unlock()

	c.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel

	workers := c.cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	stopCh := c.stopCh
	c.workerWG.Add(workers + 1)
	go func() {
		defer c.workerWG.Done()
		c.feed(runCtx, stopCh)
	}()
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer c.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("panic in outbox worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			c.worker(runCtx, stopCh)
		}()
	}
	c.log.Info("consumer started", logx.Int("workers", workers), logx.Int("rps", c.cfg.RatePerSec))
}

func (c *Consumer) Stop(ctx context.Context) {
	start := time.Now()
	c.mu.Lock()
	if c.stopCh == nil {
		c.mu.Unlock()
		return
	}
	if c.stopDone != nil {
		done := c.stopDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	c.stopDone = done
	stopCh := c.stopCh
	cancel := c.runCancel
	c.runCancel = nil
	c.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	go func() {
		c.workerWG.Wait()
		c.mu.Lock()
		c.stopCh = nil
		c.stopDone = nil
		c.mu.Unlock()
		close(done)
		c.log.Info("consumer stopped", logx.Duration("took", time.Since(start)))
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (c *Consumer) feed(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
		batch, err := c.source.Fetch(ctx)
		if err != nil && ctx.Err() == nil {
			c.log.Warn("outbox fetch failed", logx.Err(err))
		}
		if len(batch) == 0 {
			c.idle(ctx, stopCh)
			continue
		}
		for _, d := range batch {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case c.queue <- d:
			}
		}
	}
}

func (c *Consumer) idle(ctx context.Context, stopCh <-chan struct{}) {
	c.mu.Lock()
	wait := c.cfg.IdleWait
	c.mu.Unlock()
	if wait <= 0 {
		wait = time.Second
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-stopCh:
	case <-t.C:
	}
}

func (c *Consumer) worker(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case d := <-c.queue:
			c.deliver(ctx, d)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, d Delivery) {
	err := c.sendOne(ctx, d.Descriptor)
	if err != nil {
		c.log.Warn("descriptor delivery failed", logx.String("batch", d.BatchID), logx.String("id", d.ID), logx.Err(err))
		if d.Fail != nil {
			if ferr := d.Fail(ctx, err.Error()); ferr != nil {
				c.log.Debug("marking descriptor failed", logx.String("id", d.ID), logx.Err(ferr))
			}
		}
	} else if d.Ack != nil {
		if aerr := d.Ack(ctx); aerr != nil {
			c.log.Debug("acking descriptor", logx.String("id", d.ID), logx.Err(aerr))
		}
	}
	c.mark(d.Descriptor, err)
}

func (c *Consumer) sendOne(ctx context.Context, d Descriptor) error {
	c.mu.Lock()
	lim := c.limiter
	retry := c.cfg.RetryMax
	c.mu.Unlock()

	var last error
	for i := 0; i <= retry; i++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		if last = c.sender.Send(ctx, d); last == nil {
			return nil
		}
		if i == retry {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		c.log.Debug("send retry scheduled", logx.String("id", d.ID), logx.Int("attempt", i+2), logx.Duration("delay", delay))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return last
}

func (c *Consumer) mark(d Descriptor, err error) {
	now := time.Now()
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	st := c.status[d.BatchID]
	if st == nil {
		st = &BatchStatus{ID: d.BatchID, FirstAt: now}
		c.status[d.BatchID] = st
	}
	st.LastAt = now
	st.Done++
	if err != nil {
		st.Failed++
		if len(st.Failures) < 200 {
			st.Failures = append(st.Failures, d.To)
		}
	}
	c.pruneLocked(now)
}

// Status returns a copy of the delivery status of batchID.
func (c *Consumer) Status(batchID string) (BatchStatus, bool) {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	st, ok := c.status[batchID]
	if !ok {
		return BatchStatus{}, false
	}
	cp := *st
	cp.Failures = append([]string(nil), st.Failures...)
	return cp, true
}

func (c *Consumer) pruneLocked(now time.Time) {
	for id, st := range c.status {
		if now.Sub(st.LastAt) > c.statusTTL {
			delete(c.status, id)
		}
	}
	for len(c.status) > c.statusMax {
		var oldest string
		var at time.Time
		for id, st := range c.status {
			if oldest == "" || st.LastAt.Before(at) {
				oldest, at = id, st.LastAt
			}
		}
		delete(c.status, oldest)
	}
}
