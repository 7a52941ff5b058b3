// Package workerpool tracks build workers and hands them out to builds.
//
// All worker state lives behind one mutex. A worker is granted through a
// Lease; the lease releases the worker exactly once, whether the build
// finishes, is cancelled, or the worker disconnects first.
package workerpool

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	mapset "github.com/deckarep/golang-set/v2"

	"buildorch/internal/eventbus"
	"buildorch/internal/metrics"
	"buildorch/internal/model"
	"buildorch/internal/project"
	"buildorch/pkg/logx"
)

var ErrStopped = errors.New("workerpool: stopped")

// Lease is one allocation of a worker to a build.
type Lease struct {
	pool    *Pool
	id      uint64
	worker  string
	builder *project.Builder
	buildID int64

	once     sync.Once
	released atomic.Bool
}

func (l *Lease) Worker() string { return l.worker }
func (l *Lease) BuildID() int64 { return l.buildID }

// Released reports whether the worker has gone back to the pool (or was
// lost to a disconnect).
func (l *Lease) Released() bool { return l.released.Load() }

// Release returns the worker to the pool. Calls after the first are no-ops.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.released.Store(true)
		l.pool.release(l)
	})
}

// invalidate marks the lease released without touching the pool; used
// when the pool itself has already reclaimed the worker.
func (l *Lease) invalidate() {
	l.once.Do(func() { l.released.Store(true) })
}

// Request waits for a worker for one build.
type Request struct {
	ID      string
	BuildID int64
	Builder *project.Builder
	// Grant is called exactly once, outside the pool lock, unless the
	// request is cancelled first.
	Grant func(*Lease)

	seq uint64
}

type worker struct {
	hostname      string
	caps          mapset.Set[string]
	state         model.WorkerState
	lease         *Lease
	used          bool
	lastReleased  time.Time
	offlineReason string
}

type Pool struct {
	clock   clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	mu       sync.Mutex
	workers  map[string]*worker
	waiting  []*Request
	seq      uint64
	leaseSeq uint64
	stopped  bool

	onDisconnect func(*Lease)
}

type Option func(*Pool)

func WithClock(c clock.Clock) Option  { return func(p *Pool) { p.clock = c } }
func WithLogger(l logx.Logger) Option { return func(p *Pool) { p.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(p *Pool) { p.bus = b } }
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

func New(opts ...Option) *Pool {
	p := &Pool{
		clock:   clock.NewClock(),
		log:     logx.Nop(),
		workers: map[string]*worker{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// OnDisconnect installs the hook invoked (outside the lock) with the lease
// of a busy worker that went offline.
func (p *Pool) OnDisconnect(fn func(*Lease)) {
	p.mu.Lock()
	p.onDisconnect = fn
	p.mu.Unlock()
}

// Register adds a worker or brings an offline one back. Registering a busy
// worker only refreshes its capabilities.
func (p *Pool) Register(hostname string, caps []string) {
	p.mu.Lock()
	w, ok := p.workers[hostname]
	if !ok {
		w = &worker{hostname: hostname, state: model.WorkerIdle}
		p.workers[hostname] = w
	}
	w.caps = mapset.NewSet(caps...)
	if w.state == model.WorkerOffline {
		w.state = model.WorkerIdle
		w.offlineReason = ""
	}
	grants := p.dispatchLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.log.Info("worker registered", logx.String("worker", hostname), logx.Strings("caps", caps))
	p.publish(eventbus.WorkerRegistered, hostname)
	p.grant(grants)
}

// MarkOffline takes a worker out of service. A busy worker's lease is
// reclaimed here (implicit release) and reported through OnDisconnect.
func (p *Pool) MarkOffline(hostname, reason string) error {
	p.mu.Lock()
	w, ok := p.workers[hostname]
	if !ok {
		p.mu.Unlock()
		return model.ErrUnknownWorker
	}
	lost := w.lease
	if lost != nil {
		lost.invalidate()
		w.lease = nil
		w.lastReleased = p.clock.Now()
	}
	w.state = model.WorkerOffline
	w.offlineReason = reason
	hook := p.onDisconnect
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.log.Warn("worker offline", logx.String("worker", hostname), logx.String("reason", reason), logx.Bool("had_build", lost != nil))
	p.publish(eventbus.WorkerOffline, hostname)
	if lost != nil && hook != nil {
		hook(lost)
	}
	return nil
}

// MarkOnline returns a known offline worker to service with the
// capabilities it last registered with.
func (p *Pool) MarkOnline(hostname string) error {
	p.mu.Lock()
	w, ok := p.workers[hostname]
	if !ok {
		p.mu.Unlock()
		return model.ErrUnknownWorker
	}
	caps := w.caps.ToSlice()
	p.mu.Unlock()
	p.Register(hostname, caps)
	return nil
}

// Allocate grants an idle eligible worker right away, or returns false.
// It does not queue; use Submit for that.
func (p *Pool) Allocate(b *project.Builder, buildID int64) (*Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, false
	}
	w := p.pickLocked(b)
	if w == nil {
		return nil, false
	}
	l := p.assignLocked(w, b, buildID)
	p.updateGaugesLocked()
	return l, true
}

// Submit queues r behind earlier requests and grants a worker as soon as
// one is eligible. The grant may happen before Submit returns.
func (p *Pool) Submit(r *Request) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.seq++
	r.seq = p.seq
	p.waiting = append(p.waiting, r)
	grants := p.dispatchLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.grant(grants)
	return nil
}

// Cancel withdraws a queued request. It returns false when the request was
// already granted (or never queued); the caller then owns the lease.
func (p *Pool) Cancel(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := slices.IndexFunc(p.waiting, func(r *Request) bool { return r.ID == requestID })
	if i < 0 {
		return false
	}
	p.waiting = slices.Delete(p.waiting, i, i+1)
	p.updateGaugesLocked()
	return true
}

// Stop rejects new requests and drops queued ones.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.waiting = nil
	p.updateGaugesLocked()
	p.mu.Unlock()
}

func (p *Pool) release(l *Lease) {
	p.mu.Lock()
	w, ok := p.workers[l.worker]
	if !ok || w.lease != l {
		// Reclaimed by MarkOffline already.
		p.mu.Unlock()
		return
	}
	w.lease = nil
	w.lastReleased = p.clock.Now()
	reboot := l.builder != nil && l.builder.AutoReboot == project.RebootAfterBuild
	if reboot {
		w.state = model.WorkerOffline
		w.offlineReason = "rebooting"
	} else {
		w.state = model.WorkerIdle
	}
	grants := p.dispatchLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	if reboot {
		p.log.Info("worker rebooting after build", logx.String("worker", l.worker), logx.Int64("build", l.buildID))
		p.publish(eventbus.WorkerRebooting, l.worker)
	}
	p.grant(grants)
}

type pendingGrant struct {
	req   *Request
	lease *Lease
}

// dispatchLocked serves waiting requests oldest first.
func (p *Pool) dispatchLocked() []pendingGrant {
	if len(p.waiting) == 0 {
		return nil
	}
	var grants []pendingGrant
	starved := map[string]bool{}
	kept := p.waiting[:0]
	for _, r := range p.waiting {
		name := r.Builder.Name
		if starved[name] {
			kept = append(kept, r)
			continue
		}
		w := p.pickLocked(r.Builder)
		if w == nil {
			// Later requests for this builder share its constraints.
			starved[name] = true
			kept = append(kept, r)
			continue
		}
		grants = append(grants, pendingGrant{req: r, lease: p.assignLocked(w, r.Builder, r.BuildID)})
	}
	clear(p.waiting[len(kept):])
	p.waiting = kept
	return grants
}

// pickLocked chooses the least recently used eligible idle worker:
// never-used workers first, then oldest release time, then hostname.
func (p *Pool) pickLocked(b *project.Builder) *worker {
	var best *worker
	for _, w := range p.workers {
		if w.state != model.WorkerIdle || !b.CanRunOn(w.hostname, w.caps) {
			continue
		}
		if best == nil || lessRecentlyUsed(w, best) {
			best = w
		}
	}
	return best
}

func lessRecentlyUsed(a, b *worker) bool {
	if a.used != b.used {
		return !a.used
	}
	if !a.lastReleased.Equal(b.lastReleased) {
		return a.lastReleased.Before(b.lastReleased)
	}
	return a.hostname < b.hostname
}

func (p *Pool) assignLocked(w *worker, b *project.Builder, buildID int64) *Lease {
	p.leaseSeq++
	l := &Lease{pool: p, id: p.leaseSeq, worker: w.hostname, builder: b, buildID: buildID}
	w.state = model.WorkerBusy
	w.lease = l
	w.used = true
	return l
}

func (p *Pool) grant(grants []pendingGrant) {
	for _, g := range grants {
		p.log.Debug("worker granted",
			logx.String("worker", g.lease.worker),
			logx.String("builder", g.req.Builder.Name),
			logx.Int64("build", g.req.BuildID),
		)
		if g.req.Grant != nil {
			g.req.Grant(g.lease)
		}
	}
}

func (p *Pool) publish(typ string, host string) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Time: p.clock.Now(), Data: host})
	}
}

func (p *Pool) updateGaugesLocked() {
	if p.metrics == nil {
		return
	}
	var idle, busy, offline int
	for _, w := range p.workers {
		switch w.state {
		case model.WorkerIdle:
			idle++
		case model.WorkerBusy:
			busy++
		case model.WorkerOffline:
			offline++
		}
	}
	p.metrics.SetWorkers(idle, busy, offline)
	p.metrics.SetWaiting(len(p.waiting))
}

// Snapshot returns every worker sorted by hostname.
func (p *Pool) Snapshot() []model.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		mw := model.Worker{
			Hostname:      w.hostname,
			State:         w.state,
			LastReleased:  w.lastReleased,
			OfflineReason: w.offlineReason,
		}
		if w.caps != nil {
			mw.Capabilities = w.caps.ToSlice()
			sort.Strings(mw.Capabilities)
		}
		if w.lease != nil {
			mw.CurrentBuild = w.lease.buildID
		}
		out = append(out, mw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// Waiting returns the number of queued requests.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}

// Busy returns the number of busy workers.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.state == model.WorkerBusy {
			n++
		}
	}
	return n
}
