// Package app wires the build orchestration components into one explicitly
// constructed application context.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"buildorch/internal/changes"
	"buildorch/internal/config"
	"buildorch/internal/eventbus"
	"buildorch/internal/metrics"
	"buildorch/internal/notifier"
	"buildorch/internal/ops"
	"buildorch/internal/orchestrator"
	"buildorch/internal/project"
	"buildorch/internal/publisher"
	"buildorch/internal/runner/shell"
	rtsup "buildorch/internal/runtime/supervisor"
	"buildorch/internal/scheduler"
	"buildorch/internal/storage"
	"buildorch/internal/treestatus"
	"buildorch/internal/workerpool"
	"buildorch/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm  *config.ConfigManager
	clock clock.Clock

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	prom *prometheus.Registry

	reg      *project.Registry
	store    storage.Store
	recorder *storage.Recorder
	pool     *workerpool.Pool
	orch     *orchestrator.Orchestrator
	gate     *treestatus.Gate
	feed     *changes.Feed
	sched    *scheduler.Service
	notif    *notifier.Service
	pub      *publisher.Publisher
	ops      *ops.Service

	// sup runs intake (scheduler, config, ops); drain runs what must
	// outlive it until in-flight builds are recorded and notified.
	sup   *rtsup.Supervisor
	drain *rtsup.Supervisor
}

type options struct {
	runner orchestrator.StepRunner
	clock  clock.Clock
	sinks  map[project.Channel]notifier.Sink
}

type Option func(*options)

// WithRunner replaces the local shell runner.
func WithRunner(r orchestrator.StepRunner) Option { return func(o *options) { o.runner = r } }

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithSink adds or replaces the sink of one notification channel.
func WithSink(ch project.Channel, s notifier.Sink) Option {
	return func(o *options) {
		if o.sinks == nil {
			o.sinks = map[project.Channel]notifier.Sink{}
		}
		o.sinks[ch] = s
	}
}

// Load parses and validates a config file without building anything.
func Load(path string) (*config.Config, *project.Registry, error) {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return nil, nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, nil, err
	}
	reg, err := project.Build(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, reg, nil
}

// New loads cfgPath and constructs every component. Nothing runs until
// Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = clock.NewClock()
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	reg, err := project.Build(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgm:  cfgm,
		clock: o.clock,
		log:   root.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   eventbus.New(),
		prom:  prometheus.NewRegistry(),
		reg:   reg,
	}
	if err := a.build(ctx, cfg, root, o); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, root logx.Logger, o options) error {
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	a.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.prom)

	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, comp("storage"))
		if err != nil {
			return err
		}
		a.store = st
		a.recorder = storage.NewRecorder(st, comp("storage"), 256)
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.pool = workerpool.New(
		workerpool.WithClock(a.clock),
		workerpool.WithLogger(comp("workerpool")),
		workerpool.WithBus(a.bus),
		workerpool.WithMetrics(m),
	)
	for _, w := range a.reg.Workers() {
		a.pool.Register(w.Hostname, w.Capabilities.ToSlice())
	}

	runner := o.runner
	if runner == nil {
		rc, _ := mapRunnerConfig(cfg)
		runner = shell.New(rc, comp("runner"))
	}
	oc, _ := mapOrchestratorConfig(cfg)
	a.orch = orchestrator.New(oc, orchestrator.Deps{
		Registry: a.reg,
		Pool:     a.pool,
		Runner:   runner,
		Clock:    a.clock,
		Log:      comp("orchestrator"),
		Bus:      a.bus,
		Metrics:  m,
	})

	a.gate = treestatus.New(treestatus.Options{
		InitiallyClosed: cfg.TreeStatus.InitiallyClosed,
		Reason:          cfg.TreeStatus.Reason,
		ClosingBuilders: cfg.TreeStatus.ClosingBuilders,
		Clock:           a.clock,
		Log:             comp("treestatus"),
		Bus:             a.bus,
		Metrics:         m,
	})

	a.feed = changes.NewFeed(256, a.clock)
	scfg, _ := mapSchedulerConfig(cfg)
	sched, err := scheduler.New(scfg, scheduler.Deps{
		Registry:  a.reg,
		Submitter: a.orch,
		Gate:      a.gate,
		Clock:     a.clock,
		Log:       comp("scheduler"),
		Bus:       a.bus,
		Metrics:   m,
	})
	if err != nil {
		return err
	}
	sched.AddSource(a.feed)
	pollers, _ := mapChangeSources(cfg)
	for _, p := range pollers {
		p.Clock = a.clock
		p.Log = comp("changes")
		sched.AddSource(p)
	}
	a.sched = sched

	sinks, err := buildSinks(cfg, comp("notifier"))
	if err != nil {
		return err
	}
	for ch, s := range o.sinks {
		sinks[ch] = s
	}
	ncfg, _ := mapNotifierConfig(cfg)
	a.notif = notifier.New(ncfg, notifier.Deps{
		Registry: a.reg,
		Sinks:    sinks,
		Store:    a.store,
		Bus:      a.bus,
		Metrics:  m,
		Clock:    a.clock,
		Log:      comp("notifier"),
	})
	if _, ok := sinks[project.ChannelTelegram]; ok {
		a.logs.SetAlertSender(a.notif)
	}

	pcfg, _ := mapPublisherConfig(cfg)
	a.pub, err = publisher.New(ctx, pcfg, publisher.Deps{Registry: a.reg, Bus: a.bus, Metrics: m, Log: comp("publisher")})
	if err != nil {
		return err
	}

	// Persist first so observers that read history see the build.
	if a.recorder != nil {
		a.orch.AddListener(a.recorder)
	}
	a.orch.AddListener(a.gate)
	a.orch.AddListener(a.sched)
	a.orch.AddListener(a.notif)
	a.orch.AddListener(a.pub)

	api := ops.API{
		Builds:    a.orch,
		Scheduler: a.sched,
		Workers:   a.pool,
		Tree:      a.gate,
		Changes:   a.feed,
		Gatherer:  a.prom,
		Health:    a.Err,
		Log:       comp("ops"),
	}
	if a.store != nil {
		api.History = a.store
	}
	opsCfg, _ := mapOpsConfig(cfg)
	a.ops = ops.New(opsCfg, api, comp("ops"))
	return nil
}

func buildSinks(cfg *config.Config, log logx.Logger) (map[project.Channel]notifier.Sink, error) {
	sinks := map[project.Channel]notifier.Sink{
		project.ChannelLog: notifier.LogSink{Log: log},
	}
	n := cfg.Notifier
	if n == nil {
		return sinks, nil
	}
	if n.SMTP != nil {
		s, err := notifier.NewEmailSink(emailConfig(n.SMTP))
		if err != nil {
			return nil, fmt.Errorf("notifier.smtp: %w", err)
		}
		sinks[project.ChannelEmail] = s
	}
	if t := n.Telegram; t != nil {
		s, err := notifier.NewTelegramSink(notifier.TelegramConfig{Token: t.Token, ChatID: t.ChatID, URL: t.URL})
		if err != nil {
			return nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		sinks[project.ChannelTelegram] = s
	}
	return sinks, nil
}

func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }
func (a *App) Pool() *workerpool.Pool                   { return a.pool }
func (a *App) Gate() *treestatus.Gate                   { return a.gate }
func (a *App) Feed() *changes.Feed                      { return a.feed }
func (a *App) Scheduler() *scheduler.Service            { return a.sched }
func (a *App) Notifier() *notifier.Service              { return a.notif }
func (a *App) Store() storage.Store                     { return a.store }
func (a *App) Ops() *ops.Service                        { return a.ops }
func (a *App) Bus() eventbus.Bus                        { return a.bus }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.drain = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(a.log))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := validate(cfg); err != nil {
			return err
		}
		_, err := project.Build(cfg)
		return err
	})

	if a.store != nil {
		lastID, numbers, err := a.store.Counters(ctx)
		if err != nil {
			return fmt.Errorf("storage counters: %w", err)
		}
		a.orch.Seed(lastID, numbers)
		a.log.Info("build numbering restored", logx.Int64("last_id", lastID), logx.Int("builders", len(numbers)))
		a.drain.Go("storage.recorder", a.recorder.Run)
	}
	if a.notif.Enabled() {
		a.notif.Start(a.drain.Context())
	}

	a.sup.Go("scheduler", a.sched.Run)
	a.ops.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return c.Err()
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("projects", len(a.reg.Projects())),
		logx.Int("builders", len(a.reg.Builders())),
		logx.Int("workers", len(a.reg.Workers())),
		logx.Bool("notifier", a.notif.Enabled()),
		logx.Bool("publisher", a.pub.Enabled()),
	)
	return nil
}

// Stop shuts down in dependency order: intake first, then running builds,
// then the listeners that still hold their results.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("ops", 2*time.Second, func(c context.Context) error {
		// Closing the feed first releases hook handlers blocked in Push,
		// so the HTTP shutdown is not held by them.
		a.feed.Close()
		a.ops.Stop(c)
		return nil
	})
	step("orchestrator", 10*time.Second, a.orch.Stop)
	step("workerpool", 0, func(context.Context) error { a.pool.Stop(); return nil })
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("publisher", 5*time.Second, a.pub.Stop)
	step("drain", 3*time.Second, a.drain.Stop)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
