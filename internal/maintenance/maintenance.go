// Package maintenance runs the periodic housekeeping jobs on cron
// schedules: token sweeps, daily counter resets and outbox redrive.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"crosspost/internal/crosspost"
	logx "crosspost/pkg/logx"
)

const (
	DefaultTokenSweep        = "@every 5m"
	DefaultCounterReset      = "0 0 * * *"
	DefaultOutboxRedrive     = "@every 1m"
	DefaultVisibilityTimeout = 5 * time.Minute

	// Disabled as a spec turns a job off.
	Disabled = "-"

	jobTimeout  = 2 * time.Minute
	historySize = 50
)

// Store is the storage surface the jobs touch.
type Store interface {
	AllSettings(ctx context.Context) ([]crosspost.Settings, error)
	ResetPostCounters(ctx context.Context) error
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error)
}

// Sweeper refreshes tokens close to expiry.
type Sweeper interface {
	Sweep(ctx context.Context, all []crosspost.Settings) (int, error)
}

type Config struct {
	Enabled       bool
	Timezone      string // IANA TZ; empty means local
	TokenSweep    string
	CounterReset  string
	OutboxRedrive string
	// VisibilityTimeout is how long an outbox row may stay claimed.
	VisibilityTimeout time.Duration
}

type HistoryItem struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Result   string        `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type job struct {
	name string
	spec string
	run  func(ctx context.Context) (string, error)
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	store   Store
	sweeper Sweeper
	now     func() time.Time

	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, store Store, sweeper Sweeper, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		sweeper: sweeper,
		log:     log.With(logx.String("comp", "maintenance")),
		now:     time.Now,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) jobs(cfg Config) []job {
	spec := func(v, def string) string {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return def
	}
	var out []job
	if s.sweeper != nil {
		out = append(out, job{name: "token_sweep", spec: spec(cfg.TokenSweep, DefaultTokenSweep), run: s.SweepTokens})
	}
	out = append(out,
		job{name: "counter_reset", spec: spec(cfg.CounterReset, DefaultCounterReset), run: s.ResetCounters},
		job{name: "outbox_redrive", spec: spec(cfg.OutboxRedrive, DefaultOutboxRedrive), run: s.RedriveOutbox},
	)
	return out
}

// Validate checks every configured spec without starting anything.
func (s *Service) Validate(cfg Config) error {
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	for _, j := range s.jobs(cfg) {
		if j.spec == Disabled {
			continue
		}
		if _, err := s.parser.Parse(j.spec); err != nil {
			return fmt.Errorf("maintenance.%s: %w", j.name, err)
		}
	}
	return nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("maintenance.timezone: %w", err)
	}
	return loc, nil
}

// Start registers the jobs and starts the cron runner. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	jctx, cancel := context.WithCancel(ctx)
	for _, j := range s.jobs(s.cfg) {
		if j.spec == Disabled {
			continue
		}
		j := j
		if _, err := c.AddFunc(j.spec, func() { s.runJob(jctx, j) }); err != nil {
			cancel()
			return fmt.Errorf("maintenance.%s: %w", j.name, err)
		}
	}
	s.c, s.ctx, s.cancel = c, jctx, cancel
	c.Start()
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("jobs", len(c.Entries())))
	return nil
}

// Stop halts the runner and waits for running jobs.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel, s.ctx = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the configuration, re-registering jobs when the runner is live.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
		return nil
	case running && prev == cfg:
		return nil
	case running:
		s.Stop(ctx)
	}
	return s.Start(ctx)
}

func (s *Service) runJob(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	started := s.now()
	result, err := j.run(ctx)
	item := HistoryItem{Name: j.name, Started: started, Duration: time.Since(started), Result: result}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("maintenance job failed", logx.String("job", j.name), logx.Err(err))
	} else {
		s.log.Debug("maintenance job done", logx.String("job", j.name), logx.String("result", result), logx.Duration("took", item.Duration))
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := len(s.history) - historySize; n > 0 {
		s.history = append([]HistoryItem(nil), s.history[n:]...)
	}
	s.hmu.Unlock()
}

// History returns recent job runs, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// SweepTokens refreshes every managed token that expires soon.
func (s *Service) SweepTokens(ctx context.Context) (string, error) {
	all, err := s.store.AllSettings(ctx)
	if err != nil {
		return "", fmt.Errorf("list settings: %w", err)
	}
	enabled := all[:0]
	for _, v := range all {
		if v.Enabled {
			enabled = append(enabled, v)
		}
	}
	n, err := s.sweeper.Sweep(ctx, enabled)
	return fmt.Sprintf("refreshed=%d", n), err
}

// ResetCounters clears the per-channel post counters.
func (s *Service) ResetCounters(ctx context.Context) (string, error) {
	return "reset", s.store.ResetPostCounters(ctx)
}

// RedriveOutbox returns stale claimed outbox rows to pending.
func (s *Service) RedriveOutbox(ctx context.Context) (string, error) {
	s.mu.Lock()
	vt := s.cfg.VisibilityTimeout
	s.mu.Unlock()
	if vt <= 0 {
		vt = DefaultVisibilityTimeout
	}
	n, err := s.store.RequeueStale(ctx, s.now().Add(-vt))
	if n > 0 {
		s.log.Info("outbox rows requeued", logx.Int("count", n))
	}
	return fmt.Sprintf("requeued=%d", n), err
}
