package scheduler

import (
	"fmt"
	"maps"
	"path"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"buildorch/internal/model"
	"buildorch/internal/project"
)

// Scheduler decides when its builders run. Implementations are not safe
// for concurrent use; the Service drives them from one goroutine.
type Scheduler interface {
	Name() string
	Kind() project.SchedulerKind
	// OnChange offers c and reports whether the scheduler buffered it.
	OnChange(now time.Time, c model.Change) bool
	// OnTrigger queues a run of every builder on behalf of parent.
	// Only triggerable schedulers react.
	OnTrigger(now time.Time, parent *model.Build)
	// Tick returns the requests due at now. With the gate closed nothing
	// is emitted and nothing is dropped.
	Tick(now time.Time, gateOpen bool) []model.BuildRequest
	// Held is the number of requests due but waiting for the gate.
	Held() int
}

// NewScheduler builds the policy for spec. Periodic schedules are
// evaluated in loc.
func NewScheduler(spec *project.SchedulerSpec, loc *time.Location) (Scheduler, error) {
	b := base{spec: spec}
	switch spec.Kind {
	case project.KindSingleBranch:
		return &SingleBranch{base: b}, nil
	case project.KindAnyBranch:
		return &AnyBranch{base: b, branches: map[string]*branchBuffer{}}, nil
	case project.KindPeriodic:
		if loc == nil {
			loc = time.Local
		}
		return &Periodic{base: b, loc: loc}, nil
	case project.KindTriggerable:
		return &Triggerable{base: b}, nil
	default:
		return nil, fmt.Errorf("scheduler %q: unknown kind %q", spec.Name, spec.Kind)
	}
}

type base struct {
	spec *project.SchedulerSpec
}

func (b base) Name() string                          { return b.spec.Name }
func (b base) Kind() project.SchedulerKind           { return b.spec.Kind }
func (b base) OnChange(time.Time, model.Change) bool { return false }
func (b base) OnTrigger(time.Time, *model.Build)     {}

func (b base) accepts(c model.Change) bool {
	return c.Project == "" || c.Project == b.spec.Project
}

// requests fans one decision out to every bound builder.
func (b base) requests(now time.Time, reason string, src model.SourceStamp, changes []model.Change, parent int64) []model.BuildRequest {
	out := make([]model.BuildRequest, 0, len(b.spec.Builders))
	for _, name := range b.spec.Builders {
		out = append(out, model.BuildRequest{
			ID:          uuid.NewString(),
			Builder:     name,
			Reason:      reason,
			Source:      src,
			Properties:  maps.Clone(b.spec.Properties),
			EnqueuedAt:  now,
			TriggeredBy: parent,
			Scheduler:   b.spec.Name,
			Changes:     slices.Clone(changes),
		})
	}
	return out
}

// branchBuffer collects changes on one branch until the tree is stable.
type branchBuffer struct {
	changes []model.Change
	last    time.Time // arrival of the newest change
	held    bool
}

func (bb *branchBuffer) add(now time.Time, c model.Change) {
	bb.changes = append(bb.changes, c)
	bb.last = now
}

func (bb *branchBuffer) stable(now time.Time, timer time.Duration) bool {
	return len(bb.changes) > 0 && now.Sub(bb.last) >= timer
}

// flush emits one request per builder at the newest revision, carrying
// every buffered change, and empties the buffer.
func (bb *branchBuffer) flush(b base, now time.Time, branch string) []model.BuildRequest {
	latest := bb.changes[len(bb.changes)-1]
	reason := fmt.Sprintf("scheduler %s: %d change(s) on %s", b.spec.Name, len(bb.changes), branch)
	reqs := b.requests(now, reason, model.SourceStamp{Branch: branch, Revision: latest.Revision}, bb.changes, 0)
	bb.changes = nil
	bb.held = false
	return reqs
}

// SingleBranch debounces changes on one branch: once no change has arrived
// for the tree-stable timer, all buffered changes become one build per
// builder at the newest revision.
type SingleBranch struct {
	base
	buf branchBuffer
}

func (s *SingleBranch) OnChange(now time.Time, c model.Change) bool {
	if c.Branch != s.spec.Branch || !s.accepts(c) {
		return false
	}
	s.buf.add(now, c)
	return true
}

func (s *SingleBranch) Tick(now time.Time, gateOpen bool) []model.BuildRequest {
	if !s.buf.stable(now, s.spec.TreeStableTimer) {
		return nil
	}
	if !gateOpen {
		s.buf.held = true
		return nil
	}
	return s.buf.flush(s.base, now, s.spec.Branch)
}

func (s *SingleBranch) Held() int {
	if s.buf.held {
		return len(s.spec.Builders)
	}
	return 0
}

// AnyBranch debounces every branch independently. A non-empty configured
// branch is a path.Match pattern restricting which branches count.
type AnyBranch struct {
	base
	branches map[string]*branchBuffer
}

func (a *AnyBranch) OnChange(now time.Time, c model.Change) bool {
	if !a.accepts(c) {
		return false
	}
	if pat := a.spec.Branch; pat != "" {
		if ok, err := path.Match(pat, c.Branch); err != nil || !ok {
			return false
		}
	}
	bb := a.branches[c.Branch]
	if bb == nil {
		bb = &branchBuffer{}
		a.branches[c.Branch] = bb
	}
	bb.add(now, c)
	return true
}

func (a *AnyBranch) Tick(now time.Time, gateOpen bool) []model.BuildRequest {
	names := make([]string, 0, len(a.branches))
	for name := range a.branches {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []model.BuildRequest
	for _, name := range names {
		bb := a.branches[name]
		if !bb.stable(now, a.spec.TreeStableTimer) {
			continue
		}
		if !gateOpen {
			bb.held = true
			continue
		}
		out = append(out, bb.flush(a.base, now, name)...)
		delete(a.branches, name)
	}
	return out
}

func (a *AnyBranch) Held() int {
	n := 0
	for _, bb := range a.branches {
		if bb.held {
			n += len(a.spec.Builders)
		}
	}
	return n
}

// Periodic fires on its schedule regardless of changes. Slots missed
// while the gate was closed (or the process was busy) collapse into one
// run.
type Periodic struct {
	base
	loc  *time.Location
	next time.Time
	due  bool
}

func (p *Periodic) Tick(now time.Time, gateOpen bool) []model.BuildRequest {
	if p.next.IsZero() {
		p.next = p.spec.Schedule.Next(now.In(p.loc))
		return nil
	}
	if !now.Before(p.next) {
		p.due = true
		p.next = p.spec.Schedule.Next(now.In(p.loc))
	}
	if !p.due || !gateOpen {
		return nil
	}
	p.due = false
	reason := fmt.Sprintf("scheduler %s: periodic (%s)", p.spec.Name, p.spec.Schedule.Raw)
	return p.requests(now, reason, model.SourceStamp{Branch: p.spec.Branch}, nil, 0)
}

// Next is the next activation, zero before the first tick.
func (p *Periodic) Next() time.Time { return p.next }

func (p *Periodic) Held() int {
	if p.due {
		return len(p.spec.Builders)
	}
	return 0
}

// Triggerable runs only when an upstream build asks it to.
type Triggerable struct {
	base
	queued []model.BuildRequest
}

func (t *Triggerable) OnTrigger(now time.Time, parent *model.Build) {
	reason := fmt.Sprintf("triggered by %s #%d", parent.Builder, parent.Number)
	t.queued = append(t.queued, t.requests(now, reason, parent.Source, parent.Changes, parent.ID)...)
}

func (t *Triggerable) Tick(_ time.Time, gateOpen bool) []model.BuildRequest {
	if !gateOpen || len(t.queued) == 0 {
		return nil
	}
	out := t.queued
	t.queued = nil
	return out
}

func (t *Triggerable) Held() int { return len(t.queued) }
