package app

import (
	"fmt"
	"strings"
	"time"

	"buildorch/internal/changes"
	"buildorch/internal/config"
	"buildorch/internal/notifier"
	"buildorch/internal/ops"
	"buildorch/internal/orchestrator"
	"buildorch/internal/publisher"
	"buildorch/internal/runner/shell"
	"buildorch/internal/scheduler"
	"buildorch/internal/storage"
	"buildorch/pkg/logx"
)

// The map* helpers turn raw config sections into component configs. They
// are also the validation used before a reload is committed.

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts:  logx.AlertConfig{Enabled: l.Alerts.Enabled, MinLevel: l.Alerts.MinLevel, RatePerSec: l.Alerts.RatePerSec},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	var oc config.OrchestratorConfig
	if cfg.Orchestrator != nil {
		oc = *cfg.Orchestrator
	}
	if oc.HistorySize < 0 {
		return orchestrator.Config{}, fmt.Errorf("orchestrator.history_size must be >= 0")
	}
	alloc, err := config.ParseDurationUnlessEmpty("orchestrator.allocation_timeout", oc.AllocationTimeout, 30*time.Minute)
	if err != nil {
		return orchestrator.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("orchestrator.retry_base", oc.RetryBase, time.Second)
	if err != nil {
		return orchestrator.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("orchestrator.retry_max_delay", oc.RetryMaxDelay, 30*time.Second)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		AllocationTimeout: alloc,
		HistorySize:       oc.HistorySize,
		RetryBase:         base,
		RetryMaxDelay:     maxDelay,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{TickInterval: tick, Timezone: cfg.Scheduler.Timezone}, nil
}

// mapChangeSources builds one command poller per change_sources entry.
// Clock and logger are filled in by the caller.
func mapChangeSources(cfg *config.Config) ([]*changes.Poller, error) {
	projects := make(map[string]bool, len(cfg.Projects))
	for _, p := range cfg.Projects {
		projects[p.Name] = true
	}
	seen := map[string]bool{}
	out := make([]*changes.Poller, 0, len(cfg.Changes))
	for i, cs := range cfg.Changes {
		name := strings.TrimSpace(cs.Name)
		if name == "" {
			return nil, fmt.Errorf("change_sources[%d]: name is required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("change_sources: duplicate name %q", name)
		}
		seen[name] = true
		if len(cs.Command) == 0 || strings.TrimSpace(cs.Command[0]) == "" {
			return nil, fmt.Errorf("change_sources %q: command is required", name)
		}
		if cs.Project != "" && !projects[cs.Project] {
			return nil, fmt.Errorf("change_sources %q: unknown project %q", name, cs.Project)
		}
		interval, err := config.ParseDurationOrDefault("change_sources."+name+".interval", cs.Interval, time.Minute)
		if err != nil {
			return nil, err
		}
		timeout, err := config.ParseDurationOrDefault("change_sources."+name+".timeout", cs.Timeout, 30*time.Second)
		if err != nil {
			return nil, err
		}
		out = append(out, &changes.Poller{
			Name:     name,
			Interval: interval,
			Fetch: changes.CommandFetch(changes.Command{
				Argv:    cs.Command,
				Dir:     cs.Dir,
				Timeout: timeout,
				Project: cs.Project,
			}),
		})
	}
	return out, nil
}

// mapNotifierConfig treats an omitted section as enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true}, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size, rate_per_sec, retry_max and dedup_max_entries must be >= 0")
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if s := n.SMTP; s != nil {
		if _, err := notifier.NewEmailSink(emailConfig(s)); err != nil {
			return notifier.Config{}, fmt.Errorf("notifier.smtp: %w", err)
		}
	}
	if t := n.Telegram; t != nil && (strings.TrimSpace(t.Token) == "" || t.ChatID == 0) {
		return notifier.Config{}, fmt.Errorf("notifier.telegram: token and chat_id are required")
	}
	return out, nil
}

func emailConfig(s *config.SMTPConfig) notifier.EmailConfig {
	return notifier.EmailConfig{Addr: s.Addr, From: s.From, Username: s.Username, Password: s.Password}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 30*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// Profiles stream for up to 30s by default.
	write, err := config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 2*time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = ops.DefaultAddr
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapPublisherConfig(cfg *config.Config) (publisher.Config, error) {
	p := cfg.Publisher
	if p == nil {
		return publisher.Config{}, nil
	}
	timeout, err := config.ParseDurationOrDefault("publisher.timeout", p.Timeout, 30*time.Second)
	if err != nil {
		return publisher.Config{}, err
	}
	if strings.TrimSpace(p.ProjectID) != "" && strings.TrimSpace(p.Topic) == "" {
		for _, pc := range cfg.Projects {
			if pc.PubSubTopic == "" {
				return publisher.Config{}, fmt.Errorf("publisher.topic is required while project %q has no pubsub_topic", pc.Name)
			}
		}
	}
	return publisher.Config{
		ProjectID: strings.TrimSpace(p.ProjectID),
		Topic:     strings.TrimSpace(p.Topic),
		Endpoint:  strings.TrimSpace(p.Endpoint),
		Timeout:   timeout,
	}, nil
}

func mapRunnerConfig(cfg *config.Config) (shell.Config, error) {
	r := cfg.Runner
	if r == nil {
		return shell.Config{}, nil
	}
	grace, err := config.ParseDurationField("runner.kill_grace", r.KillGrace)
	if err != nil {
		return shell.Config{}, err
	}
	return shell.Config{WorkDir: r.WorkDir, LogDir: r.LogDir, Env: r.Env, KillGrace: grace}, nil
}

// validate runs every mapping so a bad file is rejected as a whole.
func validate(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOrchestratorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapChangeSources(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPublisherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRunnerConfig(cfg); err != nil {
		return err
	}
	return nil
}
