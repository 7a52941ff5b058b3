// Package shell runs build steps as local processes. Each worker hostname
// maps to its own directory so builds on different workers do not share a
// checkout.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"buildorch/internal/model"
	"buildorch/internal/orchestrator"
	"buildorch/pkg/logx"
)

const tailBytes = 2048

type Config struct {
	WorkDir string
	// LogDir receives one file per step attempt. Empty disables step logs.
	LogDir string
	Env    map[string]string
	// KillGrace is the time between SIGTERM and SIGKILL on cancellation.
	KillGrace time.Duration
}

type Runner struct {
	cfg Config
	log logx.Logger
}

var _ orchestrator.StepRunner = (*Runner)(nil)

func New(cfg Config, log logx.Logger) *Runner {
	if cfg.WorkDir == "" {
		cfg.WorkDir = "work"
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg, log: log}
}

// RunStep executes run.Step.Command in the worker's build directory. A step
// without a command succeeds immediately. A command that cannot be found
// is an exception; other start failures are transient.
func (r *Runner) RunStep(ctx context.Context, run orchestrator.StepRun) (orchestrator.StepOutcome, error) {
	argv := run.Step.Command
	if len(argv) == 0 {
		return orchestrator.StepOutcome{}, nil
	}
	dir := filepath.Join(r.cfg.WorkDir, safeName(run.Worker), safeName(run.Build.Builder))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return orchestrator.StepOutcome{}, model.Transient(fmt.Errorf("build dir: %w", err))
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.env(run)...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = r.cfg.KillGrace

	tail := &tailBuffer{max: tailBytes}
	var out io.Writer = tail
	if r.cfg.LogDir != "" {
		f, err := r.openLog(run)
		if err != nil {
			r.log.Warn("step log unavailable", logx.Int64("build", run.Build.ID), logx.String("step", run.Step.Name), logx.Err(err))
		} else {
			defer func() { _ = f.Close() }()
			out = io.MultiWriter(f, tail)
		}
	}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if ctx.Err() != nil {
		return orchestrator.StepOutcome{}, ctx.Err()
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return orchestrator.StepOutcome{}, nil
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		if code < 0 {
			// Killed by a signal we did not send.
			return orchestrator.StepOutcome{Retcode: code, Exception: true, Reason: exitErr.String()}, nil
		}
		return orchestrator.StepOutcome{Retcode: code, Reason: lastLine(tail.String())}, nil
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return orchestrator.StepOutcome{Retcode: -1, Exception: true, Reason: err.Error()}, nil
	default:
		return orchestrator.StepOutcome{}, model.Transient(err)
	}
}

func (r *Runner) env(run orchestrator.StepRun) []string {
	b := run.Build
	env := []string{
		"BUILDORCH_BUILD_ID=" + strconv.FormatInt(b.ID, 10),
		"BUILDORCH_BUILD_NUMBER=" + strconv.Itoa(b.Number),
		"BUILDORCH_BUILDER=" + b.Builder,
		"BUILDORCH_PROJECT=" + b.Project,
		"BUILDORCH_BRANCH=" + b.Source.Branch,
		"BUILDORCH_REVISION=" + b.Source.Revision,
		"BUILDORCH_WORKER=" + run.Worker,
		"BUILDORCH_STEP=" + run.Step.Name,
		"BUILDORCH_ATTEMPT=" + strconv.Itoa(run.Attempt),
	}
	env = append(env, sortedEnv("", r.cfg.Env)...)
	return append(env, sortedEnv("BUILDORCH_PROP_", b.Properties)...)
}

func sortedEnv(prefix string, m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, prefix+envKey(k)+"="+v)
	}
	sort.Strings(out)
	return out
}

func envKey(k string) string {
	if k == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, k)
}

func (r *Runner) openLog(run orchestrator.StepRun) (*os.File, error) {
	if err := os.MkdirAll(r.cfg.LogDir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%d-%s-%d.log", run.Build.ID, safeName(run.Step.Name), run.Attempt)
	return os.OpenFile(filepath.Join(r.cfg.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

// LogPath returns where the log of one step attempt is written, or "".
func (r *Runner) LogPath(buildID int64, step string, attempt int) string {
	if r.cfg.LogDir == "" {
		return ""
	}
	return filepath.Join(r.cfg.LogDir, fmt.Sprintf("%d-%s-%d.log", buildID, safeName(step), attempt))
}

func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n\t ")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
