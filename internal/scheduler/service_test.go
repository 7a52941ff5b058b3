package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"

	"buildorch/internal/changes"
	"buildorch/internal/config"
	"buildorch/internal/model"
	"buildorch/internal/project"
)

type recorder struct {
	mu   sync.Mutex
	reqs []model.BuildRequest
	next int64
	err  error
}

func (r *recorder) Submit(req model.BuildRequest) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.reqs = append(r.reqs, req)
	r.next++
	return r.next, nil
}

func (r *recorder) all() []model.BuildRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.BuildRequest(nil), r.reqs...)
}

type gate struct{ open atomic.Bool }

func (g *gate) IsOpen() bool { return g.open.Load() }

func testRegistry(t *testing.T) *project.Registry {
	t.Helper()
	reg, err := project.Build(&config.Config{
		Projects: []config.ProjectConfig{{
			Name:       "webkit",
			Categories: []string{"win", "linux"},
			Builders: []config.BuilderConfig{
				{Name: "Win", Category: "win", Steps: []config.StepConfig{{Name: "compile"}}},
				{Name: "Linux", Category: "linux", Steps: []config.StepConfig{{Name: "compile"}}},
				{Name: "Linux Tests", Category: "linux", Schedulers: []string{"tests"}, Steps: []config.StepConfig{{Name: "test"}}},
			},
			Schedulers: []config.SchedulerSpec{
				{Name: "main", Kind: "single_branch", Branch: "main", TreeStableTimer: "60s", Builders: []string{"Win"}},
				{Name: "tests", Kind: "triggerable", Upstream: []string{"Linux"}, Builders: []string{"Linux Tests"}},
			},
		}},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func newTestService(t *testing.T) (*Service, *recorder, *gate, *fakeclock.FakeClock) {
	t.Helper()
	clk := fakeclock.NewFakeClock(t0)
	rec := &recorder{}
	g := &gate{}
	g.open.Store(true)
	s, err := New(Config{TickInterval: time.Second, Timezone: "UTC"}, Deps{
		Registry:  testRegistry(t),
		Submitter: rec,
		Gate:      g,
		Clock:     clk,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s, rec, g, clk
}

func TestServiceStableTimerScenario(t *testing.T) {
	t.Parallel()
	s, rec, _, clk := newTestService(t)

	s.HandleChange(change("main", "r0"))
	clk.Increment(30 * time.Second)
	s.HandleChange(change("main", "r30"))

	for i := 0; i < 59; i++ {
		clk.Increment(time.Second)
		s.Tick()
	}
	if got := rec.all(); len(got) != 0 {
		t.Fatalf("submitted %d requests before t=90s", len(got))
	}
	clk.Increment(time.Second) // t=90s
	s.Tick()

	got := rec.all()
	if len(got) != 1 || got[0].Builder != "Win" || got[0].Source.Revision != "r30" {
		t.Fatalf("requests = %+v, want one Win request at r30", got)
	}
}

func TestServiceDefersWhileTreeClosed(t *testing.T) {
	t.Parallel()
	s, rec, g, clk := newTestService(t)
	g.open.Store(false)

	s.HandleChange(change("main", "r1"))
	clk.Increment(2 * time.Minute)
	s.Tick()
	if len(rec.all()) != 0 {
		t.Fatal("submitted while the tree was closed")
	}
	if info := s.Snapshot(); info[0].Held != 1 {
		t.Fatalf("Snapshot = %+v, want main holding one request", info)
	}

	g.open.Store(true)
	clk.Increment(time.Second)
	s.Tick()
	if got := rec.all(); len(got) != 1 || got[0].Source.Revision != "r1" {
		t.Fatalf("after reopening = %+v", got)
	}
}

func TestServiceFiresTriggerablesOnSuccess(t *testing.T) {
	t.Parallel()
	s, rec, _, _ := newTestService(t)

	s.BuildCompleted(&model.Build{ID: 3, Builder: "Linux", Status: model.StatusFailure})
	s.BuildCompleted(&model.Build{ID: 4, Builder: "Win", Status: model.StatusSuccess})
	s.drainTriggers()
	if len(rec.all()) != 0 {
		t.Fatal("failed or unrelated upstream builds must not trigger")
	}

	s.BuildCompleted(&model.Build{ID: 5, Number: 2, Builder: "Linux", Status: model.StatusSuccess, Source: model.SourceStamp{Revision: "abc"}})
	s.drainTriggers()
	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("requests = %d, want 1", len(got))
	}
	if got[0].Builder != "Linux Tests" || got[0].TriggeredBy != 5 || got[0].Source.Revision != "abc" || got[0].Scheduler != "tests" {
		t.Fatalf("request = %+v", got[0])
	}
}

func TestForceBuildBypassesGate(t *testing.T) {
	t.Parallel()
	s, rec, g, _ := newTestService(t)
	g.open.Store(false)

	id, err := s.ForceBuild("Linux", "", model.SourceStamp{Branch: "main", Revision: "deadbeef"}, map[string]string{"clobber": "1"})
	if err != nil || id != 1 {
		t.Fatalf("ForceBuild = %d, %v", id, err)
	}
	got := rec.all()[0]
	if got.Reason != "forced by operator" || got.Properties["clobber"] != "1" {
		t.Fatalf("request = %+v", got)
	}
	if _, err := s.ForceBuild("Nope", "", model.SourceStamp{}, nil); !errors.Is(err, model.ErrUnknownBuilder) {
		t.Fatalf("unknown builder = %v", err)
	}
}

func TestServiceRunConsumesSources(t *testing.T) {
	t.Parallel()
	s, rec, _, clk := newTestService(t)
	feed := changes.NewFeed(4, clk)
	s.AddSource(feed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	if _, err := feed.Push(ctx, model.Change{Branch: "main", Revision: "r9"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 500 && len(rec.all()) == 0; i++ {
		clk.Increment(time.Second)
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if got := rec.all(); len(got) != 1 || got[0].Source.Revision != "r9" {
		t.Fatalf("requests = %+v", got)
	}
}
