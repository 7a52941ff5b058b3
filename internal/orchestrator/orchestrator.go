// Package orchestrator owns the build lifecycle: a request becomes a
// Pending build, gets a worker, runs its steps one after another and ends
// in exactly one terminal state.
//
//	Pending -> Running -> {Success, Failure, Exception, Cancelled}
//
// Pending can also go straight to Cancelled (operator cancel or no worker
// in time). Terminal states are absorbing.
package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"math/rand"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"buildorch/internal/eventbus"
	"buildorch/internal/metrics"
	"buildorch/internal/model"
	"buildorch/internal/project"
	"buildorch/internal/workerpool"
	"buildorch/pkg/logx"
)

type Config struct {
	// AllocationTimeout cancels builds that wait longer for a worker.
	// Zero waits forever.
	AllocationTimeout time.Duration
	HistorySize       int
	RetryBase         time.Duration
	RetryMaxDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 500
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	return c
}

type buildState struct {
	b       *model.Build
	builder *project.Builder
	lease   *workerpool.Lease
	failed  string // first non-forgiving, non-halting failure

	// poolReq is the pending pool request; it changes when a lost worker
	// sends the build back to the queue. awaiting is set meanwhile.
	poolReq  string
	awaiting bool
	// moves counts requeues of the step at index moveStep.
	moveStep int
	moves    int

	cancel  context.CancelCauseFunc
	granted chan struct{} // closed on grant or terminal
	done    chan struct{} // closed on terminal
}

type Orchestrator struct {
	cfg     Config
	reg     *project.Registry
	pool    *workerpool.Pool
	runner  StepRunner
	clock   clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	builds    map[int64]*buildState
	finished  []int64
	nextID    int64
	numbers   map[string]int
	listeners []Listener
	stopped   bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Deps struct {
	Registry *project.Registry
	Pool     *workerpool.Pool
	Runner   StepRunner
	Clock    clock.Clock
	Log      logx.Logger
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
}

func New(cfg Config, d Deps) *Orchestrator {
	if d.Clock == nil {
		d.Clock = clock.NewClock()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     cfg.withDefaults(),
		reg:     d.Registry,
		pool:    d.Pool,
		runner:  d.Runner,
		clock:   d.Clock,
		log:     d.Log,
		bus:     d.Bus,
		metrics: d.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		builds:  map[int64]*buildState{},
		numbers: map[string]int{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	d.Pool.OnDisconnect(o.workerLost)
	return o
}

// AddListener registers a completion observer. Call before Submit.
func (o *Orchestrator) AddListener(l Listener) {
	o.mu.Lock()
	o.listeners = append(o.listeners, l)
	o.mu.Unlock()
}

// Seed continues build ids and per-builder numbers from persisted history.
// Counters never move backwards.
func (o *Orchestrator) Seed(lastID int64, numbers map[string]int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID = max(o.nextID, lastID)
	for name, n := range numbers {
		o.numbers[name] = max(o.numbers[name], n)
	}
}

// Submit creates a Pending build for req and queues it for a worker.
func (o *Orchestrator) Submit(req model.BuildRequest) (int64, error) {
	builder, ok := o.reg.Builder(req.Builder)
	if !ok {
		return 0, fmt.Errorf("%w: %q", model.ErrUnknownBuilder, req.Builder)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := o.clock.Now()
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = now
	}

	props := maps.Clone(builder.Properties)
	if props == nil {
		props = map[string]string{}
	}
	maps.Copy(props, req.Properties)
	if builder.Recipe != "" {
		props["recipe"] = builder.Recipe
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return 0, model.ErrOrchestratorStopped
	}
	o.nextID++
	o.numbers[builder.Name]++
	st := &buildState{
		b: &model.Build{
			ID:          o.nextID,
			Number:      o.numbers[builder.Name],
			Builder:     builder.Name,
			Project:     builder.Project,
			Category:    builder.Category,
			Source:      req.Source,
			Properties:  props,
			Status:      model.StatusPending,
			Reason:      req.Reason,
			RequestID:   req.ID,
			TriggeredBy: req.TriggeredBy,
			Changes:     req.Changes,
			Enqueued:    req.EnqueuedAt,
		},
		builder: builder,
		poolReq: req.ID,
		granted: make(chan struct{}),
		done:    make(chan struct{}),
	}
	o.builds[st.b.ID] = st
	id := st.b.ID
	o.mu.Unlock()

	o.log.Info("build queued",
		logx.Int64("build", id),
		logx.String("builder", builder.Name),
		logx.String("revision", req.Source.Revision),
		logx.String("reason", req.Reason),
	)
	o.publish(eventbus.BuildQueued, id)

	if o.cfg.AllocationTimeout > 0 {
		o.wg.Add(1)
		go o.allocationWatchdog(st)
	}

	err := o.pool.Submit(&workerpool.Request{
		ID:      req.ID,
		BuildID: id,
		Builder: builder,
		Grant:   func(l *workerpool.Lease) { _, _ = o.Start(id, l) },
	})
	if err != nil {
		o.finish(id, model.StatusCancelled, "cancelled: "+err.Error())
		return id, err
	}
	return id, nil
}

// Start moves a Pending build to Running on the leased worker and begins
// executing its steps. If the build was cancelled while waiting the lease
// is handed straight back.
func (o *Orchestrator) Start(id int64, lease *workerpool.Lease) (*model.Build, error) {
	o.mu.Lock()
	st, ok := o.builds[id]
	if !ok {
		o.mu.Unlock()
		lease.Release()
		return nil, model.ErrUnknownBuild
	}
	if st.b.Status != model.StatusPending {
		o.mu.Unlock()
		lease.Release()
		return st.b.Clone(), model.ErrBuildTerminal
	}
	ctx, cancel := context.WithCancelCause(o.ctx)
	st.lease = lease
	st.cancel = cancel
	st.b.Status = model.StatusRunning
	st.b.Worker = lease.Worker()
	st.b.Start = o.clock.Now()
	close(st.granted)
	snap := st.b.Clone()
	o.updateRunningLocked()
	o.mu.Unlock()

	o.log.Info("build started", logx.Int64("build", id), logx.String("builder", snap.Builder), logx.String("worker", snap.Worker))
	o.publish(eventbus.BuildStarted, id)

	o.wg.Add(2)
	go o.buildWatchdog(st)
	go o.run(ctx, id, st.builder)
	return snap, nil
}

// Cancel ends a build with Cancelled. Cancelling a finished build is a no-op.
func (o *Orchestrator) Cancel(id int64, reason string) error {
	o.mu.Lock()
	st, ok := o.builds[id]
	if !ok {
		o.mu.Unlock()
		return model.ErrUnknownBuild
	}
	status := st.b.Status
	reqID := st.poolReq
	awaiting := st.awaiting
	o.mu.Unlock()

	if status.Terminal() {
		return nil
	}
	if status == model.StatusPending || awaiting {
		// A false return means the grant is in flight; Start will see the
		// terminal state and release the lease.
		o.pool.Cancel(reqID)
	}
	if reason == "" {
		reason = "by operator"
	}
	o.finish(id, model.StatusCancelled, "cancelled: "+reason)
	return nil
}

// StepCompleted appends a step result and applies its consequences:
// halting failures and exceptions end the build, and the last step
// decides between Success and Failure.
func (o *Orchestrator) StepCompleted(id int64, res model.StepResult) error {
	return o.stepCompleted(context.Background(), id, res)
}

// stepCompleted drops results from a run whose ctx ended, so a run that
// lost its worker cannot race the run that replaced it.
func (o *Orchestrator) stepCompleted(ctx context.Context, id int64, res model.StepResult) error {
	o.mu.Lock()
	st, ok := o.builds[id]
	if !ok {
		o.mu.Unlock()
		return model.ErrUnknownBuild
	}
	b := st.b
	if b.Status.Terminal() {
		o.mu.Unlock()
		return model.ErrBuildTerminal
	}
	if ctx.Err() != nil {
		o.mu.Unlock()
		return context.Cause(ctx)
	}
	if b.Status != model.StatusRunning {
		o.mu.Unlock()
		return fmt.Errorf("%w: build %d is %s", model.ErrStepOutOfOrder, id, b.Status)
	}
	idx := len(b.Steps)
	if idx >= len(st.builder.Steps) || st.builder.Steps[idx].Name != res.Name {
		o.mu.Unlock()
		return fmt.Errorf("%w: unexpected step %q at position %d", model.ErrStepOutOfOrder, res.Name, idx)
	}
	if res.End.Before(res.Start) {
		o.mu.Unlock()
		return fmt.Errorf("%w: step %q ends before it starts", model.ErrStepOutOfOrder, res.Name)
	}
	if idx > 0 && res.Start.Before(b.Steps[idx-1].End) {
		o.mu.Unlock()
		return fmt.Errorf("%w: step %q starts before %q ended", model.ErrStepOutOfOrder, res.Name, b.Steps[idx-1].Name)
	}

	spec := st.builder.Steps[idx]
	if res.Reason == "" {
		res.Reason = stepReason(res)
	}
	res.Forgiving = res.Status == model.StatusFailure && st.builder.IsForgiving(res.Name)
	b.Steps = append(b.Steps, res)

	var (
		final  model.Status
		reason string
	)
	switch {
	case res.Status == model.StatusException:
		final, reason = model.StatusException, res.Reason
	case res.Status == model.StatusFailure && !res.Forgiving:
		if spec.HaltOnFailure {
			final, reason = model.StatusFailure, res.Reason
		} else if st.failed == "" {
			st.failed = res.Reason
		}
	}
	if final == model.StatusPending && idx == len(st.builder.Steps)-1 {
		final, reason = model.StatusSuccess, "build successful"
		if st.failed != "" {
			final, reason = model.StatusFailure, st.failed
		}
	}
	o.mu.Unlock()

	o.log.Debug("step completed",
		logx.Int64("build", id),
		logx.String("step", res.Name),
		logx.String("status", res.Status.String()),
		logx.Int("retcode", res.Retcode),
		logx.Bool("forgiving", res.Forgiving),
	)
	o.publish(eventbus.BuildStep, id)

	if final != model.StatusPending {
		o.finish(id, final, reason)
	}
	return nil
}

// finish performs the single terminal transition of a build. It returns
// false when the build had already finished. The worker is released and
// listeners run before finish returns.
func (o *Orchestrator) finish(id int64, status model.Status, reason string) bool {
	o.mu.Lock()
	st, ok := o.builds[id]
	if !ok || st.b.Status.Terminal() {
		o.mu.Unlock()
		return false
	}
	wasPending := st.b.Status == model.StatusPending
	st.b.Status = status
	st.b.Reason = reason
	st.b.End = o.clock.Now()
	lease := st.lease
	if st.cancel != nil {
		st.cancel(fmt.Errorf("build %s: %s", status, reason))
	}
	if wasPending {
		close(st.granted)
	}
	close(st.done)
	o.finished = append(o.finished, id)
	o.trimHistoryLocked()
	snap := st.b.Clone()
	listeners := append([]Listener(nil), o.listeners...)
	o.updateRunningLocked()
	o.mu.Unlock()

	lease.Release()

	var dur time.Duration
	if !snap.Start.IsZero() {
		dur = snap.End.Sub(snap.Start)
	}
	o.metrics.BuildFinished(snap.Builder, status.String(), dur)
	fields := []logx.Field{
		logx.Int64("build", id),
		logx.String("builder", snap.Builder),
		logx.String("status", status.String()),
		logx.String("reason", reason),
		logx.Duration("duration", dur),
	}
	if status == model.StatusSuccess {
		o.log.Info("build finished", fields...)
	} else {
		o.log.Warn("build finished", fields...)
	}

	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.BuildCompleted, Time: snap.End, Data: snap})
	}
	for _, l := range listeners {
		o.notifyListener(l, snap)
	}
	return true
}

// notifyListener isolates one listener's panic from the rest.
func (o *Orchestrator) notifyListener(l Listener, b *model.Build) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("build listener panic", logx.Int64("build", b.ID), logx.Any("panic", r))
		}
	}()
	l.BuildCompleted(b.Clone())
}

func (o *Orchestrator) workerLost(l *workerpool.Lease) {
	if o.requeue(l) {
		return
	}
	if o.finish(l.BuildID(), model.StatusException, fmt.Sprintf("worker %s disconnected", l.Worker())) {
		o.log.Warn("build lost its worker", logx.Int64("build", l.BuildID()), logx.String("worker", l.Worker()))
	}
}

// requeue sends a build whose worker vanished during a forgiving step with
// retries left back to the pool. The build stays Running and the step
// starts over on the next worker granted.
func (o *Orchestrator) requeue(l *workerpool.Lease) bool {
	o.mu.Lock()
	st, ok := o.builds[l.BuildID()]
	if !ok || o.stopped || st.b.Status != model.StatusRunning || st.lease != l {
		o.mu.Unlock()
		return false
	}
	idx := len(st.b.Steps)
	if idx >= len(st.builder.Steps) {
		o.mu.Unlock()
		return false
	}
	step := st.builder.Steps[idx]
	if idx != st.moveStep {
		st.moveStep, st.moves = idx, 0
	}
	if !st.builder.IsForgiving(step.Name) || st.moves >= step.Retries {
		o.mu.Unlock()
		return false
	}
	st.moves++
	moves := st.moves
	if st.cancel != nil {
		st.cancel(model.ErrWorkerDisconnect)
		st.cancel = nil
	}
	st.lease = nil
	st.awaiting = true
	st.b.Worker = ""
	st.poolReq = uuid.NewString()
	req := &workerpool.Request{
		ID:      st.poolReq,
		BuildID: st.b.ID,
		Builder: st.builder,
		Grant:   func(nl *workerpool.Lease) { o.resume(l.BuildID(), nl) },
	}
	o.mu.Unlock()

	o.log.Warn("worker lost during forgiving step; requeueing build",
		logx.Int64("build", l.BuildID()),
		logx.String("worker", l.Worker()),
		logx.String("step", step.Name),
		logx.Int("requeue", moves),
	)
	o.publish(eventbus.BuildQueued, l.BuildID())
	if err := o.pool.Submit(req); err != nil {
		o.finish(l.BuildID(), model.StatusException, fmt.Sprintf("worker %s disconnected; requeue failed: %v", l.Worker(), err))
	}
	return true
}

// resume continues a requeued build on its replacement worker.
func (o *Orchestrator) resume(id int64, lease *workerpool.Lease) {
	o.mu.Lock()
	st, ok := o.builds[id]
	if !ok || o.stopped || !st.awaiting || st.b.Status != model.StatusRunning {
		o.mu.Unlock()
		lease.Release()
		return
	}
	ctx, cancel := context.WithCancelCause(o.ctx)
	st.lease = lease
	st.cancel = cancel
	st.awaiting = false
	st.b.Worker = lease.Worker()
	builder := st.builder
	o.wg.Add(1)
	o.mu.Unlock()

	o.log.Info("build resumed", logx.Int64("build", id), logx.String("worker", lease.Worker()))
	o.publish(eventbus.BuildStarted, id)
	go o.run(ctx, id, builder)
}

// dropWorker reports a disconnect seen by the runner to the pool, which
// reclaims the lease and calls workerLost. It returns false when the build
// holds no live lease to drop.
func (o *Orchestrator) dropWorker(id int64, reason string) bool {
	o.mu.Lock()
	var lease *workerpool.Lease
	if st, ok := o.builds[id]; ok {
		lease = st.lease
	}
	o.mu.Unlock()
	if lease == nil {
		return false
	}
	if lease.Released() {
		return true
	}
	return o.pool.MarkOffline(lease.Worker(), reason) == nil
}

func (o *Orchestrator) allocationWatchdog(st *buildState) {
	defer o.wg.Done()
	t := o.clock.NewTimer(o.cfg.AllocationTimeout)
	defer t.Stop()
	select {
	case <-t.C():
		if o.pool.Cancel(st.b.RequestID) {
			o.finish(st.b.ID, model.StatusCancelled, model.ErrAllocationTimeout.Error())
		}
	case <-st.granted:
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) buildWatchdog(st *buildState) {
	defer o.wg.Done()
	timeout := st.builder.BuildTimeout
	if timeout <= 0 {
		return
	}
	t := o.clock.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-t.C():
		o.finish(st.b.ID, model.StatusException, fmt.Sprintf("%v after %s", model.ErrBuildTimeout, timeout))
	case <-st.done:
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) trimHistoryLocked() {
	for len(o.finished) > o.cfg.HistorySize {
		delete(o.builds, o.finished[0])
		o.finished = o.finished[1:]
	}
}

func (o *Orchestrator) updateRunningLocked() {
	if o.metrics == nil {
		return
	}
	n := 0
	for _, st := range o.builds {
		if st.b.Status == model.StatusRunning {
			n++
		}
	}
	o.metrics.SetRunning(n)
}

func (o *Orchestrator) publish(typ string, id int64) {
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: typ, Time: o.clock.Now(), Data: id})
	}
}

// Get returns a snapshot of one build.
func (o *Orchestrator) Get(id int64) (*model.Build, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.builds[id]
	if !ok {
		return nil, model.ErrUnknownBuild
	}
	return st.b.Clone(), nil
}

// List returns snapshots of known builds, newest first, optionally
// filtered by builder.
func (o *Orchestrator) List(builder string) []*model.Build {
	o.mu.Lock()
	out := make([]*model.Build, 0, len(o.builds))
	for _, st := range o.builds {
		if builder == "" || st.b.Builder == builder {
			out = append(out, st.b.Clone())
		}
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Stop cancels every unfinished build and waits for their goroutines
// until ctx expires.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	var open []int64
	for id, st := range o.builds {
		if !st.b.Status.Terminal() {
			open = append(open, id)
		}
	}
	o.mu.Unlock()

	for _, id := range open {
		_ = o.Cancel(id, "orchestrator shutting down")
	}
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) jitterRNG(fn func(*rand.Rand) time.Duration) time.Duration {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return fn(o.rng)
}
