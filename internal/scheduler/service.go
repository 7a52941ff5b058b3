// Package scheduler turns changes, timers and upstream completions into
// build requests. One goroutine (Run) owns every policy's state; changes
// and triggers are queued to it and requests are submitted from it.
package scheduler

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"buildorch/internal/changes"
	"buildorch/internal/eventbus"
	"buildorch/internal/metrics"
	"buildorch/internal/model"
	"buildorch/internal/project"
	"buildorch/pkg/logx"
)

// Submitter accepts build requests; the orchestrator implements it.
type Submitter interface {
	Submit(req model.BuildRequest) (int64, error)
}

// Gate reports whether new builds may start.
type Gate interface {
	IsOpen() bool
}

type Config struct {
	TickInterval time.Duration
	Timezone     string
}

type Deps struct {
	Registry  *project.Registry
	Submitter Submitter
	Gate      Gate
	Clock     clock.Clock
	Log       logx.Logger
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
}

type Service struct {
	cfg     Config
	reg     *project.Registry
	sub     Submitter
	gate    Gate
	clock   clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	loc     *time.Location

	mu     sync.Mutex
	scheds []Scheduler
	byName map[string]Scheduler

	changes chan model.Change
	sources []changes.Source

	tmu      sync.Mutex
	triggers []*model.Build
	wake     chan struct{}
}

func New(cfg Config, d Deps) (*Service, error) {
	if d.Clock == nil {
		d.Clock = clock.NewClock()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	s := &Service{
		cfg:     cfg,
		reg:     d.Registry,
		sub:     d.Submitter,
		gate:    d.Gate,
		clock:   d.Clock,
		log:     d.Log,
		bus:     d.Bus,
		metrics: d.Metrics,
		byName:  map[string]Scheduler{},
		changes: make(chan model.Change, 256),
		wake:    make(chan struct{}, 1),
	}
	s.loc = s.loadLocation()
	for _, spec := range d.Registry.Schedulers() {
		sc, err := NewScheduler(spec, s.loc)
		if err != nil {
			return nil, err
		}
		s.scheds = append(s.scheds, sc)
		s.byName[sc.Name()] = sc
	}
	return s, nil
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// AddSource registers a change source. Call before Run.
func (s *Service) AddSource(src changes.Source) {
	s.sources = append(s.sources, src)
}

// BuildCompleted queues triggerable runs for a successful upstream build.
// It never blocks, so it can serve as an orchestrator listener.
func (s *Service) BuildCompleted(b *model.Build) {
	if b.Status != model.StatusSuccess || len(s.reg.TriggerablesFor(b.Builder)) == 0 {
		return
	}
	s.tmu.Lock()
	s.triggers = append(s.triggers, b)
	s.tmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the schedulers until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, src := range s.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runSource(ctx, src)
		}()
	}
	defer wg.Wait()

	t := s.clock.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	s.log.Info("scheduler started",
		logx.Int("schedulers", len(s.scheds)),
		logx.Duration("tick", s.cfg.TickInterval),
		logx.String("tz", s.loc.String()),
	)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case c := <-s.changes:
			s.HandleChange(c)
		case <-s.wake:
			s.drainTriggers()
		case <-t.C():
			s.Tick()
		}
	}
}

// runSource restarts a failing source with a fixed pause.
func (s *Service) runSource(ctx context.Context, src changes.Source) {
	for {
		err := src.Run(ctx, s.changes)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}
		s.log.Warn("change source failed; restarting", logx.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(5 * time.Second):
		}
	}
}

// HandleChange offers c to every scheduler.
func (s *Service) HandleChange(c model.Change) {
	now := s.clock.Now()
	var took []string
	s.mu.Lock()
	for _, sc := range s.scheds {
		if sc.OnChange(now, c) {
			took = append(took, sc.Name())
		}
	}
	s.mu.Unlock()
	s.log.Debug("change received",
		logx.String("branch", c.Branch),
		logx.String("revision", c.Revision),
		logx.String("author", c.Author),
		logx.Strings("schedulers", took),
	)
}

func (s *Service) drainTriggers() {
	s.tmu.Lock()
	pending := s.triggers
	s.triggers = nil
	s.tmu.Unlock()

	now := s.clock.Now()
	s.mu.Lock()
	for _, b := range pending {
		for _, spec := range s.reg.TriggerablesFor(b.Builder) {
			if sc, ok := s.byName[spec.Name]; ok {
				sc.OnTrigger(now, b)
			}
		}
	}
	s.mu.Unlock()
	if len(pending) > 0 {
		// Triggered work does not wait for the next tick.
		s.Tick()
	}
}

// Tick evaluates every scheduler once and submits what is due.
func (s *Service) Tick() {
	now := s.clock.Now()
	open := s.gate == nil || s.gate.IsOpen()

	var (
		due  []model.BuildRequest
		held int
	)
	s.mu.Lock()
	for _, sc := range s.scheds {
		due = append(due, sc.Tick(now, open)...)
		held += sc.Held()
	}
	s.mu.Unlock()

	s.metrics.SetHeld(held)
	if held > 0 && !open && s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.RequestHeld, Time: now, Data: held})
	}
	for _, req := range due {
		s.submit(req)
	}
}

func (s *Service) submit(req model.BuildRequest) {
	b, ok := s.reg.Builder(req.Builder)
	if !ok {
		s.log.Error("request for unknown builder", logx.String("builder", req.Builder), logx.String("scheduler", req.Scheduler))
		return
	}
	if req.Scheduler != "" && !b.AcceptsScheduler(req.Scheduler) {
		s.log.Error("scheduler not bound to builder",
			logx.String("builder", req.Builder),
			logx.String("scheduler", req.Scheduler),
			logx.Err(model.ErrSchedulerNotBound),
		)
		return
	}
	id, err := s.sub.Submit(req)
	if err != nil {
		s.log.Error("submit failed", logx.String("builder", req.Builder), logx.String("scheduler", req.Scheduler), logx.Err(err))
		return
	}
	s.metrics.RequestEmitted(req.Scheduler)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.RequestEmitted, Time: req.EnqueuedAt, Data: req})
	}
	s.log.Info("build requested",
		logx.Int64("build", id),
		logx.String("builder", req.Builder),
		logx.String("scheduler", req.Scheduler),
		logx.String("revision", req.Source.Revision),
		logx.Int("changes", len(req.Changes)),
	)
}

// ForceBuild submits a build right away, bypassing schedulers and the
// tree gate.
func (s *Service) ForceBuild(builder, reason string, src model.SourceStamp, props map[string]string) (int64, error) {
	if _, ok := s.reg.Builder(builder); !ok {
		return 0, fmt.Errorf("%w: %q", model.ErrUnknownBuilder, builder)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "forced by operator"
	}
	req := model.BuildRequest{
		ID:         uuid.NewString(),
		Builder:    builder,
		Reason:     reason,
		Source:     src,
		Properties: maps.Clone(props),
		EnqueuedAt: s.clock.Now(),
	}
	id, err := s.sub.Submit(req)
	if err != nil {
		return 0, err
	}
	s.log.Info("build forced", logx.Int64("build", id), logx.String("builder", builder), logx.String("reason", reason))
	return id, nil
}

// Info describes one scheduler for status output.
type Info struct {
	Name string                `json:"name"`
	Kind project.SchedulerKind `json:"kind"`
	Held int                   `json:"held"`
	Next time.Time             `json:"next,omitempty"`
}

func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.scheds))
	for _, sc := range s.scheds {
		in := Info{Name: sc.Name(), Kind: sc.Kind(), Held: sc.Held()}
		if p, ok := sc.(*Periodic); ok {
			in.Next = p.Next()
		}
		out = append(out, in)
	}
	return out
}
