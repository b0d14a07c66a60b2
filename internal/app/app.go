package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crosspost/internal/channels"
	"crosspost/internal/channels/telegram"
	"crosspost/internal/channels/whatsapp"
	"crosspost/internal/config"
	"crosspost/internal/crosspost/dispatch"
	"crosspost/internal/crosspost/media"
	"crosspost/internal/crosspost/session"
	"crosspost/internal/crosspost/token"
	"crosspost/internal/eventbus"
	"crosspost/internal/maintenance"
	"crosspost/internal/messaging"
	rtsup "crosspost/internal/runtime/supervisor"
	"crosspost/internal/server"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	tokens     *token.Manager
	dispatcher *dispatch.Dispatcher
	consumer   *messaging.Consumer
	maint      *maintenance.Service
	server     *server.Service

	// closers release connections opened for the queue and session backends.
	closers []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	return NewWithManager(config.NewConfigManager(cfgPath))
}

// NewWithManager builds the app from an already configured manager.
func NewWithManager(cfgm *config.ConfigManager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Alerts need the bot before the logger exists; fall back to console
	// logging for the bootstrap error.
	var alerts logx.AlertSender
	if cfg.Alerts.Enabled {
		al, err := telegram.NewAlerts(cfg.Alerts.APIURL, cfg.Alerts.BotToken, cfg.Alerts.ChatID)
		if err != nil {
			logx.NewConsole("WARN").Warn("alerts disabled", logx.Err(err))
		} else {
			alerts = al
		}
	}
	logSvc, root := logx.New(mapLogConfig(cfg), alerts)
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgPath: cfgm.Path(), cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.build(cfg, root); err != nil {
		a.closeAll()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, namedCloser{"storage", store})
	a.log.Info("storage enabled", logx.String("driver", sc.Driver))

	sessions, err := a.buildSessions(cfg)
	if err != nil {
		return err
	}

	endpoints, skew, err := mapTokenEndpoints(cfg)
	if err != nil {
		return err
	}
	httpClient := &http.Client{}
	a.tokens = token.New(store, endpoints,
		token.WithHTTPClient(httpClient),
		token.WithSkew(skew),
		token.WithLogger(root))

	deps := channels.Deps{
		HTTP:     httpClient,
		Resolver: media.Resolver{CDNBase: cfg.Media.CDNBase},
		Tokens:   a.tokens,
		Sessions: sessions,
		Log:      root.With(logx.String("comp", "channels")),
	}

	queue, source, err := a.buildQueue(cfg, store)
	if err != nil {
		return err
	}
	cloud := whatsapp.NewCloud(whatsapp.CloudConfig{
		BaseURL:       cfg.Messaging.WhatsApp.GraphURL,
		PhoneNumberID: cfg.Messaging.WhatsApp.PhoneNumberID,
		AccessToken:   cfg.Messaging.WhatsApp.AccessToken,
	}, httpClient)
	bcfg, err := mapBatcherConfig(cfg)
	if err != nil {
		return err
	}
	batcher := messaging.NewBatcher(bcfg, cloud, queue, messaging.WithBatcherLogger(root))

	ccfg, _, err := mapConsumerConfig(cfg)
	if err != nil {
		return err
	}
	a.consumer = messaging.NewConsumer(ccfg, source, cloud, root)

	adapters, err := buildAdapters(cfg, deps, batcher, store)
	if err != nil {
		return err
	}
	callTimeout, err := config.ParseDurationField("dispatch.call_timeout", cfg.Dispatch.CallTimeout)
	if err != nil {
		return err
	}
	a.dispatcher = dispatch.New(store, adapters,
		dispatch.WithRunner(a),
		dispatch.WithBus(a.bus),
		dispatch.WithRecorder(store),
		dispatch.WithLogger(root),
		dispatch.WithConfig(dispatch.Config{CallTimeout: callTimeout}))

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}
	var sweeper maintenance.Sweeper
	if len(endpoints) > 0 {
		sweeper = a.tokens
	}
	a.maint = maintenance.New(mcfg, store, sweeper, root)
	if err := a.maint.Validate(mcfg); err != nil {
		return err
	}

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return err
	}
	a.server = server.New(srvCfg, server.Handlers{
		Dispatcher: a.dispatcher,
		Commands:   messaging.Commands{Directory: store, Subscribers: store},
		Settings:   store,
		Ready:      a.ready,
	}, root)

	a.log.Info("components ready",
		logx.Int("adapters", len(adapters)),
		logx.Int("oauth_endpoints", len(endpoints)),
		logx.String("queue", queueDriver(cfg)),
		logx.String("sessions", sessionsDriver(cfg)),
		logx.Redacted("server_token", cfg.Server.Token),
		logx.Redacted("whatsapp_token", cfg.Messaging.WhatsApp.AccessToken))
	return nil
}

func queueDriver(cfg *config.Config) string {
	if d := strings.ToLower(strings.TrimSpace(cfg.Queue.Driver)); d != "" {
		return d
	}
	return "outbox"
}

func sessionsDriver(cfg *config.Config) string {
	if d := strings.ToLower(strings.TrimSpace(cfg.Sessions.Driver)); d != "" {
		return d
	}
	return "memory"
}

func (a *App) buildSessions(cfg *config.Config) (session.Cache, error) {
	if sessionsDriver(cfg) != "redis" {
		return session.NewMemory(cfg.Sessions.MaxEntries), nil
	}
	client, err := session.Connect(context.Background(), cfg.Sessions.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, namedCloser{"redis", client})
	return session.NewRedis(client), nil
}

func (a *App) buildQueue(cfg *config.Config, store storage.Store) (messaging.Queue, messaging.Source, error) {
	if queueDriver(cfg) != "kafka" {
		return messaging.OutboxQueue{Outbox: store}, messaging.OutboxSource{Outbox: store}, nil
	}
	kc := messaging.KafkaConfig{
		Brokers: cfg.Queue.Kafka.Brokers,
		Topic:   cfg.Queue.Kafka.Topic,
		GroupID: cfg.Queue.Kafka.GroupID,
	}
	q, err := messaging.NewKafkaQueue(kc)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, namedCloser{"kafka.writer", q})
	src, err := messaging.NewKafkaSource(kc)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, namedCloser{"kafka.reader", src})
	return q, src, nil
}

// Go0 hosts background dispatches on the app supervisor.
func (a *App) Go0(name string, fn func(ctx context.Context)) {
	if a.sup == nil {
		go fn(context.Background())
		return
	}
	a.sup.Go0(name, fn)
}

func (a *App) ready(ctx context.Context) error {
	if a.store == nil {
		return storage.ErrDisabled
	}
	if a.sup == nil {
		return errors.New("not started")
	}
	return a.sup.Err()
}

// Dispatcher exposes the dispatch engine for embedding callers.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Addr returns the bound ingress address once the server is listening.
func (a *App) Addr() string { return a.server.Addr() }

// ServerReady is closed once the ingress listener is bound.
func (a *App) ServerReady() <-chan struct{} { return a.server.Ready() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateReload(cfg, a.maint)
	})

	runCtx := a.sup.Context()
	a.server.Start(runCtx)
	if a.consumer.Enabled() {
		a.consumer.Start(runCtx)
	}
	if err := a.maint.Start(runCtx); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeAll()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Ingress first so no new dispatch starts while the rest unwinds.
	step := newStepper(ctx, a.log)
	step.run("server", 5*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step.run("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step.run("consumer", 5*time.Second, func(c context.Context) error { a.consumer.Stop(c); return nil })

	a.sup.Cancel()
	step.run("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step.run("closers", 2*time.Second, func(context.Context) error { a.closeAll(); return nil })

	if d := a.bus.Dropped(); d > 0 {
		a.log.Warn("event bus dropped events", logx.Int64("dropped", int64(d)))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		nc := a.closers[i]
		if err := nc.c.Close(); err != nil {
			a.log.Warn("close failed", logx.String("name", nc.name), logx.Err(err))
		}
	}
	a.closers = nil
}

// stepper bounds each shutdown step so one component cannot stall the
// whole stop.
type stepper struct {
	ctx context.Context
	log logx.Logger
}

func newStepper(ctx context.Context, log logx.Logger) stepper { return stepper{ctx: ctx, log: log} }

func (s stepper) run(name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := s.ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		s.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(s.ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		s.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		s.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)))
	}
}
