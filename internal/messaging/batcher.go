package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"

	"crosspost/internal/crosspost/media"
	logx "crosspost/pkg/logx"
)

const (
	DefaultThreshold = 50
	DefaultSendDelay = 50 * time.Millisecond
	DefaultBatchSize = 10
)

// Mode reports how a fan-out was executed.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeQueued Mode = "queued"
)

// BatchResult summarizes one fan-out.
type BatchResult struct {
	Mode       Mode `json:"mode"`
	Recipients int  `json:"recipients"`
	Sent       int  `json:"sent"`
	Failed     int  `json:"failed"`
	Enqueued   int  `json:"enqueued"`
	Batches    int  `json:"batches"`
}

type BatcherConfig struct {
	// Threshold is the largest audience served inline.
	Threshold int
	SendDelay time.Duration
	BatchSize int
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.SendDelay < 0 {
		c.SendDelay = 0
	} else if c.SendDelay == 0 {
		c.SendDelay = DefaultSendDelay
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

type Batcher struct {
	cfg    BatcherConfig
	sender Sender
	queue  Queue
	log    logx.Logger

	newID func() string
	sleep func(ctx context.Context, d time.Duration) error
}

type BatcherOption func(*Batcher)

func WithBatcherLogger(log logx.Logger) BatcherOption { return func(b *Batcher) { b.log = log } }
func WithSleep(fn func(ctx context.Context, d time.Duration) error) BatcherOption {
	return func(b *Batcher) { b.sleep = fn }
}
func WithIDs(fn func() string) BatcherOption { return func(b *Batcher) { b.newID = fn } }

func NewBatcher(cfg BatcherConfig, sender Sender, queue Queue, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		cfg:    cfg.withDefaults(),
		sender: sender,
		queue:  queue,
		newID:  uuid.NewString,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	b.log = b.log.With(logx.String("comp", "batcher"))
	return b
}

// Send delivers text and media to the active subscribers: inline when the
// audience is at or below the threshold, queued otherwise.
func (b *Batcher) Send(ctx context.Context, tenantID, text string, items []media.Item, subs []Subscriber) (BatchResult, error) {
	active := Active(subs)
	if len(active) > b.cfg.Threshold {
		return b.enqueue(ctx, tenantID, text, items, active)
	}
	return b.direct(ctx, tenantID, text, items, active)
}

// Descriptors builds one descriptor per recipient and media item; only the
// first of each recipient carries the text.
func (b *Batcher) Descriptors(tenantID, text string, items []media.Item, subs []Subscriber) []Descriptor {
	per := max(len(items), 1)
	out := make([]Descriptor, 0, len(subs)*per)
	for _, s := range subs {
		out = append(out, b.messages(tenantID, s.Phone, text, items)...)
	}
	return out
}

func (b *Batcher) messages(tenantID, to, text string, items []media.Item) []Descriptor {
	primary := Descriptor{ID: b.newID(), TenantID: tenantID, To: to, Text: &text}
	if len(items) > 0 {
		primary.MediaURL, primary.MediaType = items[0].URL, string(items[0].Kind)
	}
	out := []Descriptor{primary}
	for _, it := range items[min(1, len(items)):] {
		out = append(out, Descriptor{
			ID: b.newID(), TenantID: tenantID, To: to, MediaURL: it.URL, MediaType: string(it.Kind),
		})
	}
	return out
}

func (b *Batcher) direct(ctx context.Context, tenantID, text string, items []media.Item, subs []Subscriber) (BatchResult, error) {
	res := BatchResult{Mode: ModeDirect, Recipients: len(subs)}
	if len(subs) > 0 && b.sender == nil {
		return res, ErrNoSender
	}
	for i, s := range subs {
		if i > 0 {
			if err := b.sleep(ctx, b.cfg.SendDelay); err != nil {
				return res, err
			}
		}
		msgs := b.messages(tenantID, s.Phone, text, items)
		if err := b.sender.Send(ctx, msgs[0]); err != nil {
			res.Failed++
			b.log.Warn("direct send failed", logx.String("tenant", tenantID), logx.Err(err))
			continue
		}
		res.Sent++
		for _, d := range msgs[1:] {
			if err := b.sender.Send(ctx, d); err != nil {
				b.log.Debug("follow-up send failed", logx.String("tenant", tenantID), logx.Err(err))
			}
		}
	}
	return res, nil
}

func (b *Batcher) enqueue(ctx context.Context, tenantID, text string, items []media.Item, subs []Subscriber) (BatchResult, error) {
	res := BatchResult{Mode: ModeQueued, Recipients: len(subs)}
	if b.queue == nil {
		return res, ErrNoQueue
	}
	all := b.Descriptors(tenantID, text, items, subs)
	for start := 0; start < len(all); start += b.cfg.BatchSize {
		batch := all[start:min(start+b.cfg.BatchSize, len(all))]
		batchID := b.newID()
		for i := range batch {
			batch[i].BatchID = batchID
		}
		if err := b.queue.Enqueue(ctx, batch); err != nil {
			return res, err
		}
		res.Batches++
		res.Enqueued += len(batch)
	}
	b.log.Info("fan-out queued",
		logx.String("tenant", tenantID),
		logx.Int("recipients", res.Recipients),
		logx.Int("descriptors", res.Enqueued),
		logx.Int("batches", res.Batches))
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
