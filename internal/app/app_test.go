package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"buildorch/internal/config"
	"buildorch/internal/model"
	"buildorch/internal/notifier"
	"buildorch/internal/orchestrator"
	"buildorch/internal/project"
)

const testConfig = `
logging:
  level: error
  console: false
storage:
  driver: file
  path: %s
scheduler:
  tick_interval: 10ms
notifier:
  enabled: true
  workers: 1
  queue_size: 16
projects:
  - name: webkit
    categories: [linux]
    workers:
      - hostname: bot1
    builders:
      - name: WebKit Linux
        category: linux
        steps:
          - name: update
          - name: compile
    schedulers:
      - name: main
        kind: single_branch
        branch: main
        tree_stable_timer: 20ms
        builders: [WebKit Linux]
    notifications:
      - name: breakage
        channel: log
        categories_steps:
          linux: [compile]
        only_on_failure: true
`

type sinkRecorder struct {
	mu   sync.Mutex
	msgs []notifier.Message
}

func (s *sinkRecorder) Send(_ context.Context, m notifier.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

func (s *sinkRecorder) all() []notifier.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notifier.Message(nil), s.msgs...)
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "buildorch.yaml")
	body := fmt.Sprintf(testConfig, filepath.Join(dir, "state"))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startApp(t *testing.T, runner orchestrator.RunnerFunc) (*App, *sinkRecorder) {
	t.Helper()
	sink := &sinkRecorder{}
	a, err := New(context.Background(), writeConfig(t, t.TempDir()),
		WithRunner(runner),
		WithSink(project.ChannelLog, sink),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Stop(ctx, StopSignal); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return a, sink
}

func TestChangeToRecordedBuild(t *testing.T) {
	t.Parallel()
	var ran sync.Map
	a, sink := startApp(t, func(_ context.Context, run orchestrator.StepRun) (orchestrator.StepOutcome, error) {
		ran.Store(run.Step.Name, run.Build.Source.Revision)
		return orchestrator.StepOutcome{}, nil
	})

	if _, err := a.Feed().Push(context.Background(), model.Change{Branch: "main", Revision: "r100", Author: "alice"}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	waitFor(t, "stored build", func() bool {
		got, err := a.Store().ListBuilds(context.Background(), "WebKit Linux", 0)
		return err == nil && len(got) == 1
	})
	got, _ := a.Store().ListBuilds(context.Background(), "WebKit Linux", 0)
	b := got[0]
	if b.Status != model.StatusSuccess {
		t.Fatalf("status = %v, want %v", b.Status, model.StatusSuccess)
	}
	if b.Source.Revision != "r100" || b.Worker != "bot1" || b.Number != 1 {
		t.Fatalf("build = %+v", b)
	}
	if len(b.Changes) != 1 || b.Changes[0].Author != "alice" {
		t.Fatalf("blamelist = %+v", b.Changes)
	}
	if rev, _ := ran.Load("compile"); rev != "r100" {
		t.Fatalf("compile ran at %v, want r100", rev)
	}
	// only_on_failure rule stays quiet on success.
	time.Sleep(50 * time.Millisecond)
	if n := len(sink.all()); n != 0 {
		t.Fatalf("notifications = %d, want 0", n)
	}
}

func TestFailedBuildNotifiesOnce(t *testing.T) {
	t.Parallel()
	a, sink := startApp(t, func(_ context.Context, run orchestrator.StepRun) (orchestrator.StepOutcome, error) {
		if run.Step.Name == "compile" {
			return orchestrator.StepOutcome{Retcode: 1, Reason: "error: undefined symbol"}, nil
		}
		return orchestrator.StepOutcome{}, nil
	})

	if _, err := a.Feed().Push(context.Background(), model.Change{Branch: "main", Revision: "r7"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	waitFor(t, "notification", func() bool { return len(sink.all()) > 0 })
	time.Sleep(50 * time.Millisecond)

	msgs := sink.all()
	if len(msgs) != 1 {
		t.Fatalf("notifications = %d, want 1", len(msgs))
	}
	if m := msgs[0]; m.Rule != "breakage" || !strings.Contains(m.Subject, "failure") {
		t.Fatalf("message = %+v", m)
	}
	builds := a.Orchestrator().List("WebKit Linux")
	if len(builds) != 1 || builds[0].Status != model.StatusFailure {
		t.Fatalf("builds = %+v", builds)
	}
}

func TestForceBuildAndNumberingSurviveRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir)
	ok := orchestrator.RunnerFunc(func(context.Context, orchestrator.StepRun) (orchestrator.StepOutcome, error) {
		return orchestrator.StepOutcome{}, nil
	})

	run := func() int {
		a, err := New(context.Background(), path, WithRunner(ok))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := a.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		id, err := a.Scheduler().ForceBuild("WebKit Linux", "manual", model.SourceStamp{Branch: "main", Revision: "r1"}, nil)
		if err != nil {
			t.Fatalf("ForceBuild: %v", err)
		}
		waitFor(t, "forced build", func() bool {
			b, err := a.Orchestrator().Get(id)
			return err == nil && b.Status.Terminal()
		})
		b, _ := a.Orchestrator().Get(id)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Stop(ctx, StopSignal); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		return b.Number
	}

	if n := run(); n != 1 {
		t.Fatalf("first number = %d, want 1", n)
	}
	if n := run(); n != 2 {
		t.Fatalf("number after restart = %d, want 2", n)
	}
}

func TestApplyConfigDisablesNotifier(t *testing.T) {
	t.Parallel()
	a, _ := startApp(t, func(context.Context, orchestrator.StepRun) (orchestrator.StepOutcome, error) {
		return orchestrator.StepOutcome{}, nil
	})
	prev := a.cfgm.Get()
	next := *prev
	n := *prev.Notifier
	n.Enabled = false
	next.Notifier = &n
	next.TreeStatus.ClosingBuilders = []string{"WebKit Linux"}

	a.applyConfig(context.Background(), prev, &next)
	if a.Notifier().Enabled() {
		t.Fatal("notifier still enabled after reload")
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	body := `
scheduler: {}
projects:
  - name: webkit
    builders:
      - name: WebKit Linux
        steps: []
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err := Load(path)
	if !model.IsConfigError(err) {
		t.Fatalf("Load err = %v, want config error", err)
	}

	if _, _, err := Load(writeConfig(t, dir)); err != nil {
		t.Fatalf("Load(valid): %v", err)
	}
}

func TestMapNotifierDefaults(t *testing.T) {
	t.Parallel()
	got, err := mapNotifierConfig(&config.Config{})
	if err != nil || !got.Enabled {
		t.Fatalf("mapNotifierConfig(nil section) = %+v, %v", got, err)
	}
	_, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Workers: -1}})
	if err == nil {
		t.Fatal("negative workers accepted")
	}
	_, err = mapOpsConfig(&config.Config{Ops: config.OpsConfig{Enabled: true, ReadTimeout: "soon"}})
	if err == nil {
		t.Fatal("bad read_timeout accepted")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Parallel()
	cfg, reg, err := Load(filepath.Join("..", "..", "configs", "buildorch.example.yaml"))
	if err != nil {
		t.Fatalf("Load(example): %v", err)
	}
	if got := len(reg.Builders()); got != 2 {
		t.Fatalf("builders = %d, want 2", got)
	}
	if len(cfg.Changes) != 1 || len(cfg.Changes[0].Command) != 3 {
		t.Fatalf("change_sources = %+v", cfg.Changes)
	}
}

const commandSource = `
change_sources:
  - name: git-main
    project: webkit
    interval: 20ms
    command: ["sh", "-c", "echo '{\"branch\":\"main\",\"revision\":\"r200\",\"author\":\"bob\"}'"]
`

func TestCommandChangeSourceStartsBuild(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "buildorch.yaml")
	body := fmt.Sprintf(testConfig, filepath.Join(dir, "state")) + commandSource
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := New(context.Background(), path, WithRunner(orchestrator.RunnerFunc(func(context.Context, orchestrator.StepRun) (orchestrator.StepOutcome, error) {
		return orchestrator.StepOutcome{}, nil
	})))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopSignal)
	})

	waitFor(t, "build from polled change", func() bool {
		got, err := a.Store().ListBuilds(context.Background(), "WebKit Linux", 0)
		return err == nil && len(got) == 1 && got[0].Status.Terminal()
	})
	got, _ := a.Store().ListBuilds(context.Background(), "WebKit Linux", 0)
	if got[0].Source.Revision != "r200" || got[0].Status != model.StatusSuccess {
		t.Fatalf("build = %+v", got[0])
	}
	// The same revision seen on later polls must not start another build.
	time.Sleep(100 * time.Millisecond)
	if got := a.Orchestrator().List("WebKit Linux"); len(got) != 1 {
		t.Fatalf("builds = %d, want 1", len(got))
	}
}

func TestChangeSourceValidation(t *testing.T) {
	t.Parallel()
	base := func() *config.Config {
		return &config.Config{Projects: []config.ProjectConfig{{Name: "webkit"}}}
	}
	tests := []struct {
		name string
		src  []config.ChangeSourceConfig
		want string
	}{
		{name: "missing command", src: []config.ChangeSourceConfig{{Name: "git"}}, want: "command is required"},
		{name: "unknown project", src: []config.ChangeSourceConfig{{Name: "git", Project: "v8", Command: []string{"true"}}}, want: "unknown project"},
		{name: "duplicate", src: []config.ChangeSourceConfig{{Name: "git", Command: []string{"true"}}, {Name: "git", Command: []string{"true"}}}, want: "duplicate"},
		{name: "bad interval", src: []config.ChangeSourceConfig{{Name: "git", Command: []string{"true"}, Interval: "soon"}}, want: "interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			cfg.Changes = tt.src
			err := validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("validate = %v, want substring %q", err, tt.want)
			}
		})
	}
	cfg := base()
	cfg.Changes = []config.ChangeSourceConfig{{Name: "git", Project: "webkit", Command: []string{"true"}}}
	pollers, err := mapChangeSources(cfg)
	if err != nil || len(pollers) != 1 || pollers[0].Interval != time.Minute {
		t.Fatalf("mapChangeSources = %v, %v", pollers, err)
	}
}
