package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "scheduler"))

	log.Debug("hidden")
	log.Info("build requested", Int64("build", 7), Strings("builders", []string{"Linux"}), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1:\n%s", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	for k, want := range map[string]any{"message": "build requested", "comp": "scheduler", "build": float64(7), "err": "boom", "level": "info"} {
		if rec[k] != want {
			t.Fatalf("%s = %v, want %v", k, rec[k], want)
		}
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestZeroAndNopDiscard(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatal("IsZero mismatch")
	}
	zero.Error("dropped")
	Nop().With(String("a", "b")).Warn("dropped")
}

func TestServiceApplySwitchesFileAndLevel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "buildorch.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("too quiet")
	log.Warn("first")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("second")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := string(raw)
	if strings.Contains(got, "too quiet") || !strings.Contains(got, "first") || !strings.Contains(got, "second") {
		t.Fatalf("log file = %q", got)
	}
	if !log.Enabled(LevelDebug) {
		t.Fatal("debug not enabled after Apply")
	}
}

type alertSink chan string

func (a alertSink) SendAlert(_ context.Context, text string) error {
	a <- text
	return nil
}

func TestAlertsForwardAboveMinLevel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "alerts.log")
	svc, log := New(Config{
		Level:  "info",
		File:   FileConfig{Enabled: true, Path: path},
		Alerts: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10},
	})
	t.Cleanup(func() { _ = svc.Close() })
	sink := make(alertSink, 4)
	svc.SetAlertSender(sink)

	log.Warn("not an alert")
	log.Error("worker lost", String("worker", "bot1"))

	select {
	case got := <-sink:
		if !strings.HasPrefix(got, "[ERROR] worker lost") || !strings.Contains(got, "- worker=bot1") {
			t.Fatalf("alert = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no alert delivered")
	}
	select {
	case got := <-sink:
		t.Fatalf("unexpected alert %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestParseLevelAndTruncate(t *testing.T) {
	t.Parallel()
	if parseLevel(" warning ", LevelInfo) != LevelWarn || parseLevel("loud", LevelInfo) != LevelInfo {
		t.Fatal("parseLevel mismatch")
	}
	if got := truncate(strings.Repeat("a", 20), 12); got != "aaaaaaaaa..." {
		t.Fatalf("truncate = %q", got)
	}
}
