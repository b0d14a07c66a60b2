// Package dispatch fans one post out to every configured channel adapter
// of a tenant. Adapters run concurrently, each under its own timeout, and
// one channel's failure or panic never affects another channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crosspost/internal/crosspost"
	"crosspost/internal/eventbus"
	logx "crosspost/pkg/logx"
)

const (
	EventOutcome   = "dispatch.outcome"
	EventCompleted = "dispatch.completed"

	// DefaultCallTimeout sits above the five minute media polling ceiling.
	DefaultCallTimeout = 6 * time.Minute
)

var ErrNoSettings = errors.New("no channel settings")

// OutcomeEvent is published once per considered channel.
type OutcomeEvent struct {
	DispatchID string            `json:"dispatch_id"`
	TenantID   string            `json:"tenant_id"`
	PostID     string            `json:"post_id"`
	Outcome    crosspost.Outcome `json:"outcome"`
}

// CompletedEvent is published once per dispatch.
type CompletedEvent struct {
	DispatchID string        `json:"dispatch_id"`
	TenantID   string        `json:"tenant_id"`
	PostID     string        `json:"post_id"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Took       time.Duration `json:"took"`
}

// Runner hosts fire-and-forget dispatches (the process supervisor).
type Runner interface {
	Go0(name string, fn func(ctx context.Context))
}

// Recorder keeps the audit trail and post counters of dispatches.
type Recorder interface {
	AppendOutcome(ctx context.Context, dispatchID, tenantID, postID string, o crosspost.Outcome) error
	IncrementPosts(ctx context.Context, tenantID string, ch crosspost.Channel) error
}

type Config struct {
	CallTimeout time.Duration
}

type Dispatcher struct {
	settings crosspost.SettingsSource
	adapters []crosspost.Adapter
	cfg      Config

	runner   Runner
	bus      eventbus.Bus
	recorder Recorder
	log      logx.Logger
	newID    func() string
}

type Option func(*Dispatcher)

func WithRunner(r Runner) Option      { return func(d *Dispatcher) { d.runner = r } }
func WithBus(b eventbus.Bus) Option   { return func(d *Dispatcher) { d.bus = b } }
func WithRecorder(r Recorder) Option  { return func(d *Dispatcher) { d.recorder = r } }
func WithLogger(l logx.Logger) Option { return func(d *Dispatcher) { d.log = l } }
func WithIDs(fn func() string) Option { return func(d *Dispatcher) { d.newID = fn } }
func WithConfig(cfg Config) Option    { return func(d *Dispatcher) { d.cfg = cfg } }

func New(settings crosspost.SettingsSource, adapters []crosspost.Adapter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		settings: settings,
		adapters: adapters,
		log:      logx.Nop(),
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(d)
	}
	if d.cfg.CallTimeout <= 0 {
		d.cfg.CallTimeout = DefaultCallTimeout
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.log = d.log.With(logx.String("comp", "dispatch"))
	return d
}

// Channels lists the registered adapters' channels.
func (d *Dispatcher) Channels() []crosspost.Channel {
	out := make([]crosspost.Channel, 0, len(d.adapters))
	for _, a := range d.adapters {
		out = append(out, a.Channel())
	}
	return out
}

// Go starts a dispatch in the background and returns its id immediately.
func (d *Dispatcher) Go(tenantID string, p crosspost.Post) string {
	id := d.newID()
	run := func(ctx context.Context) { d.run(ctx, id, tenantID, p) }
	if d.runner == nil {
		go run(context.Background())
		return id
	}
	d.runner.Go0("dispatch:"+id, run)
	return id
}

// Dispatch runs every applicable adapter and waits for all of them.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID string, p crosspost.Post) crosspost.Report {
	return d.run(ctx, d.newID(), tenantID, p)
}

func (d *Dispatcher) run(ctx context.Context, id, tenantID string, p crosspost.Post) crosspost.Report {
	rep := crosspost.Report{DispatchID: id, TenantID: tenantID, PostID: p.ID, Started: time.Now()}
	log := d.log.With(logx.String("dispatch_id", id), logx.String("tenant", tenantID), logx.String("post", p.ID))

	all, err := d.settings.ListSettings(ctx, tenantID)
	if err != nil {
		log.Error("load channel settings failed", logx.Err(err))
		rep.Took = time.Since(rep.Started)
		d.publish(EventCompleted, completed(rep))
		return rep
	}
	byChannel := make(map[crosspost.Channel]crosspost.Settings, len(all))
	for _, s := range all {
		byChannel[s.Channel] = s
	}

	rep.Outcomes = make([]crosspost.Outcome, len(d.adapters))
	var g errgroup.Group
	for i, a := range d.adapters {
		ch := a.Channel()
		s, ok := byChannel[ch]
		if !ok {
			rep.Outcomes[i] = crosspost.Failed(ch, crosspost.Configuration(ch, ErrNoSettings.Error()))
			continue
		}
		if err := safeCheck(a, s, p); err != nil {
			rep.Outcomes[i] = crosspost.Failed(ch, err)
			if !rep.Outcomes[i].Skipped {
				rep.Outcomes[i].Skipped = true
				rep.Outcomes[i].Class = crosspost.ClassConfiguration
			}
			continue
		}
		g.Go(func() error {
			rep.Outcomes[i] = d.call(ctx, a, tenantID, p.Clone(), s.Clone())
			return nil
		})
	}
	_ = g.Wait()
	rep.Took = time.Since(rep.Started)

	for _, o := range rep.Outcomes {
		d.logOutcome(log, o)
		d.publish(EventOutcome, OutcomeEvent{DispatchID: id, TenantID: tenantID, PostID: p.ID, Outcome: o})
		d.record(ctx, log, rep, o)
	}
	log.Info("dispatch completed",
		logx.Int("succeeded", rep.Succeeded()),
		logx.Int("failed", rep.Failed()),
		logx.Int("skipped", rep.Skipped()),
		logx.Duration("took", rep.Took))
	d.publish(EventCompleted, completed(rep))
	return rep
}

// call runs one adapter under its own deadline. A hung adapter is
// abandoned when the deadline passes.
func (d *Dispatcher) call(parent context.Context, a crosspost.Adapter, tenantID string, p crosspost.Post, s crosspost.Settings) crosspost.Outcome {
	ch := a.Channel()
	ctx, cancel := context.WithTimeout(parent, d.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan crosspost.Outcome, 1)
	go func() { done <- invoke(ctx, a, tenantID, p, s) }()

	var o crosspost.Outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o = crosspost.Failed(ch, crosspost.Transient(ch, "dispatch", fmt.Errorf("abandoned: %w", ctx.Err())))
	}
	o.Channel = ch
	if !o.Success && !o.Skipped && o.Class == crosspost.ClassNone {
		o.Class = crosspost.ClassTransientNetwork
	}
	o.Took = time.Since(start)
	return o
}

func invoke(ctx context.Context, a crosspost.Adapter, tenantID string, p crosspost.Post, s crosspost.Settings) (o crosspost.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			ch := a.Channel()
			o = crosspost.Failed(ch, crosspost.Transient(ch, "dispatch", fmt.Errorf("panic: %v", r)))
			o.Error += "\n" + firstLines(string(debug.Stack()), 6)
		}
	}()
	return a.Dispatch(ctx, tenantID, p, s)
}

func safeCheck(a crosspost.Adapter, s crosspost.Settings, p crosspost.Post) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = crosspost.Configuration(a.Channel(), fmt.Sprintf("check panicked: %v", r))
		}
	}()
	return a.Check(s, p)
}

func (d *Dispatcher) logOutcome(log logx.Logger, o crosspost.Outcome) {
	fields := []logx.Field{
		logx.String("channel", string(o.Channel)),
		logx.Duration("took", o.Took),
	}
	switch {
	case o.Success:
		fields = append(fields, logx.String("content_id", o.ContentID))
		if o.Fallback != "" {
			fields = append(fields, logx.String("fallback", o.Fallback))
		}
		log.Info("channel dispatched", fields...)
	case o.Skipped:
		log.Debug("channel skipped", append(fields, logx.String("reason", o.Error))...)
	default:
		log.Warn("channel failed", append(fields,
			logx.String("class", string(o.Class)),
			logx.String("error", firstLines(o.Error, 1)))...)
	}
}

func (d *Dispatcher) record(ctx context.Context, log logx.Logger, rep crosspost.Report, o crosspost.Outcome) {
	if d.recorder == nil || o.Skipped {
		return
	}
	if err := d.recorder.AppendOutcome(ctx, rep.DispatchID, rep.TenantID, rep.PostID, o); err != nil {
		log.Warn("record outcome failed", logx.String("channel", string(o.Channel)), logx.Err(err))
	}
	if o.Success {
		if err := d.recorder.IncrementPosts(ctx, rep.TenantID, o.Channel); err != nil {
			log.Warn("increment post counter failed", logx.String("channel", string(o.Channel)), logx.Err(err))
		}
	}
}

func (d *Dispatcher) publish(typ string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func completed(rep crosspost.Report) CompletedEvent {
	return CompletedEvent{
		DispatchID: rep.DispatchID,
		TenantID:   rep.TenantID,
		PostID:     rep.PostID,
		Succeeded:  rep.Succeeded(),
		Failed:     rep.Failed(),
		Skipped:    rep.Skipped(),
		Took:       rep.Took,
	}
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
