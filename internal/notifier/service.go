package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/time/rate"

	"buildorch/internal/eventbus"
	"buildorch/internal/metrics"
	"buildorch/internal/model"
	"buildorch/internal/project"
	rtsup "buildorch/internal/runtime/supervisor"
	"buildorch/internal/storage"
	"buildorch/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoSink    = errors.New("no sink for channel")
)

const (
	defaultRuleDedup  = 24 * time.Hour
	defaultAlertDedup = time.Minute
	historySize       = 300
)

// Deps are the collaborators of the notifier.
type Deps struct {
	Registry *project.Registry
	Sinks    map[project.Channel]Sink
	Store    storage.Store // optional, for cross-restart dedup
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Clock    clock.Clock
	Log      logx.Logger
}

// Service implements the notification engine: rule evaluation on build
// completion, then an async pipeline of queue, worker pool, rate limit,
// retry and dedup. Delivery failures never reach the build.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	reg     *project.Registry
	sinks   map[project.Channel]Sink
	store   storage.Store
	bus     eventbus.Bus
	metrics *metrics.Metrics
	clock   clock.Clock
	log     logx.Logger

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Message
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = clock.NewClock()
	}
	s := &Service{
		reg:     d.Registry,
		sinks:   d.Sinks,
		store:   d.Store,
		bus:     d.Bus,
		metrics: d.Metrics,
		clock:   d.Clock,
		log:     d.Log,
		dedup:   map[string]time.Time{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the worker supervisor, nil when not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps limits and retry policy. The worker count and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultRuleDedup
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Burst equals the rate so short spikes are not throttled hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Message, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithClock(s.clock),
		// Delivery is best effort; a failing worker never takes the app down.
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := range workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitErr(c, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
}

// exitErr classifies a loop return: shutdown is clean, anything else is
// restarted.
func (s *Service) exitErr(ctx context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop stops intake and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight Notify calls finish before the queue closes.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// BuildCompleted evaluates every rule of the build's project and queues one
// message per matching rule. It never blocks.
func (s *Service) BuildCompleted(b *model.Build) {
	if s.reg == nil {
		return
	}
	for _, rule := range s.reg.Rules(b.Builder) {
		d, ok := Evaluate(rule, b)
		if !ok {
			continue
		}
		err := s.Notify(context.Background(), Render(d))
		switch {
		case err == nil, errors.Is(err, ErrDisabled):
		default:
			s.log.Warn("notification not queued",
				logx.String("rule", rule.Name), logx.Int64("build", b.ID), logx.Err(err))
		}
	}
}

// SendAlert implements logx.AlertSender over the telegram channel.
func (s *Service) SendAlert(ctx context.Context, text string) error {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return s.Notify(ctx, Message{
		Channel:     project.ChannelTelegram,
		Subject:     "alert",
		Body:        text,
		DedupKey:    fmt.Sprintf("alert:%x", h.Sum64()),
		DedupWindow: defaultAlertDedup,
	})
}

// Notify queues m for delivery without blocking.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, ok := s.sinks[m.Channel]; !ok {
		s.mu.Unlock()
		s.metrics.Notification(string(m.Channel), "nosink")
		return fmt.Errorf("%w %q", ErrNoSink, m.Channel)
	}
	if m.DedupKey != "" && m.DedupWindow <= 0 {
		m.DedupWindow = s.cfg.DedupWindow
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- m:
		s.publish(eventbus.NotifierQueued, m, nil)
		return nil
	default:
		s.metrics.Notification(string(m.Channel), "dropped")
		s.publish(eventbus.NotifierDropped, m, ErrQueueFull)
		return ErrQueueFull
	}
}

// History returns recently delivered notifications, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(m Message) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{
		At: s.clock.Now(), Channel: m.Channel, Rule: m.Rule, BuildID: m.BuildID, Subject: m.Subject,
	})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, m Message, err error) {
	if s.bus == nil {
		return
	}
	now := s.clock.Now()
	ev := NotificationEvent{Channel: m.Channel, Rule: m.Rule, BuildID: m.BuildID, Key: m.DedupKey, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q:
			if !ok {
				return
			}
			if m.DedupKey != "" && !s.dedupAllow(ctx, m.DedupKey, m.DedupWindow) {
				s.metrics.Notification(string(m.Channel), "deduped")
				s.publish(eventbus.NotifierDeduped, m, nil)
				continue
			}
			s.sendWithRetry(ctx, m)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, m Message) {
	s.mu.Lock()
	cfg, lim, sink := s.cfg, s.limiter, s.sinks[m.Channel]
	s.mu.Unlock()

	log := s.log.With(logx.String("channel", string(m.Channel)), logx.String("rule", m.Rule), logx.Int64("build", m.BuildID))
	attempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := sink.Send(cctx, m)
		cancel()
		if err == nil {
			s.appendHistory(m)
			s.metrics.Notification(string(m.Channel), "sent")
			s.publish(eventbus.NotifierSent, m, nil)
			return
		}
		lastErr = err
		log.Debug("notification send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}

		t := s.clock.NewTimer(s.retryDelay(cfg, attempt))
		select {
		case <-t.C():
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	err := fmt.Errorf("%w: %w", model.ErrNotificationDelivery, lastErr)
	log.Warn("notification dropped after retries", logx.Err(err), logx.Int("attempts", attempts))
	s.metrics.Notification(string(m.Channel), "failed")
	s.publish(eventbus.NotifierFailed, m, err)
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), capped, with
// 0.7..1.3 jitter.
func (s *Service) retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	s.rngMu.Lock()
	j := 0.7 + s.rng.Float64()*0.6
	s.rngMu.Unlock()
	return min(max(time.Duration(float64(d)*j), 0), cfg.RetryMaxDelay)
}

// dedupAllow reserves key for window unless an unexpired reservation exists
// in memory or in the store.
func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration) bool {
	now := s.clock.Now()

	s.mu.Lock()
	persist, st, maxEntries := s.cfg.PersistDedup, s.store, s.cfg.DedupMaxEntries
	s.mu.Unlock()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}

	persist = persist && st != nil
	if persist {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dedup[key] = until
			return false
		}
	}

	until := now.Add(window)
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	// Over the cap, drop the reservations that expire first.
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, u := range s.dedup {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(s.dedup, minKey)
	}

	// Workers are off the completion path, so the write is synchronous.
	if persist {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := st.PutDedup(cctx, key, until); err != nil {
			s.log.Debug("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
	return true
}
