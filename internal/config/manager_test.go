package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  tick_interval: 1s
projects:
  - name: webkit
    categories: [linux]
    builders:
      - name: "WebKit Linux"
        category: linux
        steps:
          - name: update
            halt_on_failure: true
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("buildorch.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if len(cfg.Projects) != 1 || cfg.Projects[0].Builders[0].Name != "WebKit Linux" {
		t.Fatalf("unexpected projects: %+v", cfg.Projects)
	}
	if !cfg.Projects[0].Builders[0].Steps[0].HaltOnFailure {
		t.Fatal("expected halt_on_failure to be decoded")
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		data string
		want string
	}{
		{name: "unknown field", file: "c.json", data: `{"projects":[],"bogus":1}`, want: "unknown field"},
		{name: "trailing data", file: "c.json", data: `{"projects":[]} {"projects":[]}`, want: "trailing data"},
		{name: "trailing scalar", file: "c.json", data: `{"projects":[]} 42`, want: "trailing data"},
		{name: "trailing garbage", file: "c.json", data: `{"projects":[]} }`, want: "trailing data"},
		{name: "bad yaml", file: "c.yml", data: "projects: [", want: "yaml unmarshal"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.file, []byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationHelpers(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("ParseDurationOrDefault empty = %v, %v", d, err)
	}
	if d, err := ParseDurationUnlessEmpty("x", "0s", time.Minute); err != nil || d != 0 {
		t.Fatalf("ParseDurationUnlessEmpty 0s = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected negative duration error")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{
		Logging:  LoggingConfig{Level: "debug"},
		Projects: []ProjectConfig{{Name: "p"}},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if got := strings.Join(changed, ","); got != "logging,projects" {
		t.Fatalf("changed = %s, want logging,projects", got)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attrs")
	}
	if got := RequiresRestart(changed); len(got) != 1 || got[0] != "projects" {
		t.Fatalf("RequiresRestart = %v", got)
	}
}

func TestWatchPublishesValidatedReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "buildorch.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"},"projects":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Logging.Level == "reject" {
			return os.ErrInvalid
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"logging":{"level":"reject"},"projects":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"},"projects":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q, want debug", cfg.Logging.Level)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for reload")
	}
	if got := m.Get().Logging.Level; got != "debug" {
		t.Fatalf("Get().Logging.Level = %q, want debug", got)
	}
}
