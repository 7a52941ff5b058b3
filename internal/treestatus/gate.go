// Package treestatus holds the open/closed state of the tree. The
// scheduler consults it before emitting requests; operators set it, and
// closing builders can close it automatically.
package treestatus

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	mapset "github.com/deckarep/golang-set/v2"

	"buildorch/internal/eventbus"
	"buildorch/internal/metrics"
	"buildorch/internal/model"
	"buildorch/pkg/logx"
)

// AutoUser is the "who" recorded for automatic transitions.
const AutoUser = "buildorch"

type Status struct {
	Open   bool      `json:"open"`
	Reason string    `json:"reason,omitempty"`
	Who    string    `json:"who,omitempty"`
	Since  time.Time `json:"since"`
	// Failing lists closing builders whose last build failed.
	Failing []string `json:"failing,omitempty"`
}

// Auto reports whether the last transition was automatic.
func (s Status) Auto() bool { return s.Who == AutoUser }

type Options struct {
	InitiallyClosed bool
	Reason          string
	// ClosingBuilders close the tree when they fail on a non-forgiving step.
	ClosingBuilders []string
	Clock           clock.Clock
	Log             logx.Logger
	Bus             eventbus.Bus
	Metrics         *metrics.Metrics
}

type Gate struct {
	clock   clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	closers mapset.Set[string]

	mu      sync.RWMutex
	st      Status
	failing map[string]string // builder -> failure summary
}

func New(o Options) *Gate {
	if o.Clock == nil {
		o.Clock = clock.NewClock()
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	g := &Gate{
		clock:   o.Clock,
		log:     o.Log,
		bus:     o.Bus,
		metrics: o.Metrics,
		closers: mapset.NewSet(o.ClosingBuilders...),
		failing: map[string]string{},
		st:      Status{Open: !o.InitiallyClosed, Reason: o.Reason, Who: "config", Since: o.Clock.Now()},
	}
	g.metrics.SetTreeOpen(g.st.Open)
	return g
}

func (g *Gate) IsOpen() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.st.Open
}

func (g *Gate) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st := g.st
	st.Failing = make([]string, 0, len(g.failing))
	for b := range g.failing {
		st.Failing = append(st.Failing, b)
	}
	sort.Strings(st.Failing)
	return st
}

// Set records an operator decision. It reports whether the state changed.
func (g *Gate) Set(open bool, reason, who string) bool {
	if strings.TrimSpace(who) == "" {
		who = "operator"
	}
	g.mu.Lock()
	changed := g.setLocked(open, reason, who)
	g.mu.Unlock()
	return changed
}

func (g *Gate) setLocked(open bool, reason, who string) bool {
	if g.st.Open == open && g.st.Reason == reason {
		return false
	}
	g.st = Status{Open: open, Reason: reason, Who: who, Since: g.clock.Now()}
	st := g.st

	g.metrics.SetTreeOpen(open)
	state := "closed"
	if open {
		state = "open"
	}
	g.log.Info("tree "+state, logx.String("reason", reason), logx.String("who", who))
	if g.bus != nil {
		g.bus.Publish(eventbus.Event{Type: eventbus.TreeChanged, Time: st.Since, Data: st})
	}
	return true
}

// SetClosingBuilders replaces the auto-close list. Builders no longer
// listed stop counting as failing; an automatically closed tree reopens
// when none remain.
func (g *Gate) SetClosingBuilders(names []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closers = mapset.NewSet(names...)
	for b := range g.failing {
		if !g.closers.Contains(b) {
			delete(g.failing, b)
		}
	}
	if len(g.failing) == 0 && !g.st.Open && g.st.Who == AutoUser {
		g.setLocked(true, "tree is open (automatic)", AutoUser)
	}
}

// BuildCompleted updates the closers' state. A failing closing builder
// closes an open tree; once no closer is failing the tree reopens, but
// only when it was closed automatically.
func (g *Gate) BuildCompleted(b *model.Build) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closers.Contains(b.Builder) {
		return
	}

	switch {
	case b.Status == model.StatusSuccess:
		delete(g.failing, b.Builder)
		if len(g.failing) == 0 && !g.st.Open && g.st.Who == AutoUser {
			g.setLocked(true, "tree is open (automatic)", AutoUser)
		}
	case b.Status.IsFailure():
		step, ok := closingStep(b)
		if !ok {
			return
		}
		g.failing[b.Builder] = step
		if g.st.Open {
			g.setLocked(false, fmt.Sprintf("tree is closed (automatic): %s #%d failed %s", b.Builder, b.Number, step), AutoUser)
		}
	}
}

// closingStep returns the first failing step that is not forgiving. An
// exception with no failing step still counts.
func closingStep(b *model.Build) (string, bool) {
	for _, s := range b.Steps {
		if s.Status.IsFailure() && !s.Forgiving {
			return "step " + s.Name, true
		}
	}
	if b.Status == model.StatusException {
		return "with an exception", true
	}
	return "", false
}
