//go:build unix

package shell

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"buildorch/internal/model"
	"buildorch/internal/orchestrator"
	"buildorch/internal/project"
	"buildorch/pkg/logx"
)

func stepRun(cmd ...string) orchestrator.StepRun {
	return orchestrator.StepRun{
		Build: &model.Build{
			ID: 12, Number: 4, Builder: "WebKit Linux", Project: "webkit",
			Source:     model.SourceStamp{Branch: "main", Revision: "r42"},
			Properties: map[string]string{"clobber": "1"},
		},
		Worker:  "bot1",
		Step:    project.StepSpec{Name: "compile", Command: cmd},
		Attempt: 1,
	}
}

func TestRunStepSuccessSeesBuildEnv(t *testing.T) {
	t.Parallel()
	work := t.TempDir()
	r := New(Config{WorkDir: work, Env: map[string]string{"ccache_dir": "/tmp/cc"}}, logx.Nop())

	out, err := r.RunStep(context.Background(), stepRun("sh", "-c",
		`printf '%s|%s|%s|%s' "$BUILDORCH_BUILDER" "$BUILDORCH_REVISION" "$BUILDORCH_PROP_CLOBBER" "$CCACHE_DIR" > env.txt`))
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if out.Retcode != 0 || out.Exception {
		t.Fatalf("outcome = %+v", out)
	}
	raw, err := os.ReadFile(filepath.Join(work, "bot1", "WebKit_Linux", "env.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(raw), "WebKit Linux|r42|1|/tmp/cc"; got != want {
		t.Fatalf("env = %q, want %q", got, want)
	}
}

func TestRunStepFailureReportsRetcode(t *testing.T) {
	t.Parallel()
	r := New(Config{WorkDir: t.TempDir()}, logx.Nop())

	out, err := r.RunStep(context.Background(), stepRun("sh", "-c", "echo building; echo 'error: undefined symbol' >&2; exit 3"))
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if out.Retcode != 3 || out.Exception {
		t.Fatalf("outcome = %+v, want retcode 3", out)
	}
	if out.Reason != "error: undefined symbol" {
		t.Fatalf("reason = %q", out.Reason)
	}
}

func TestRunStepMissingCommandIsException(t *testing.T) {
	t.Parallel()
	r := New(Config{WorkDir: t.TempDir()}, logx.Nop())

	out, err := r.RunStep(context.Background(), stepRun("definitely-not-a-real-binary-xyz"))
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if !out.Exception {
		t.Fatalf("outcome = %+v, want exception", out)
	}
}

func TestRunStepEmptyCommandSucceeds(t *testing.T) {
	t.Parallel()
	r := New(Config{WorkDir: t.TempDir()}, logx.Nop())
	out, err := r.RunStep(context.Background(), stepRun())
	if err != nil || out != (orchestrator.StepOutcome{}) {
		t.Fatalf("RunStep = %+v, %v", out, err)
	}
}

func TestRunStepStopsOnCancel(t *testing.T) {
	t.Parallel()
	r := New(Config{WorkDir: t.TempDir(), KillGrace: 200 * time.Millisecond}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.RunStep(ctx, stepRun("sleep", "30"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want %v", err, context.DeadlineExceeded)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Fatalf("cancel took %v", d)
	}
}

func TestRunStepWritesLog(t *testing.T) {
	t.Parallel()
	logs := t.TempDir()
	r := New(Config{WorkDir: t.TempDir(), LogDir: logs}, logx.Nop())

	if _, err := r.RunStep(context.Background(), stepRun("sh", "-c", "echo hello from step")); err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	raw, err := os.ReadFile(r.LogPath(12, "compile", 1))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "hello from step") {
		t.Fatalf("log = %q", raw)
	}
}

func TestNames(t *testing.T) {
	t.Parallel()
	tests := []struct {
		fn       func(string) string
		in, want string
	}{
		{safeName, "WebKit Linux", "WebKit_Linux"},
		{safeName, "../etc", ".._etc"},
		{safeName, "..", "_"},
		{safeName, "", "_"},
		{envKey, "ccache-dir", "CCACHE_DIR"},
		{envKey, "Clobber", "CLOBBER"},
	}
	for _, tc := range tests {
		if got := tc.fn(tc.in); got != tc.want {
			t.Fatalf("name(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	t.Parallel()
	tb := &tailBuffer{max: 8}
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("ab"))
	if got := tb.String(); got != "456789ab" {
		t.Fatalf("tail = %q, want %q", got, "456789ab")
	}
}
