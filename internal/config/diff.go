package config

import (
	"reflect"
	"sort"
	"strings"

	"buildorch/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{
	"projects":       true,
	"storage":        true,
	"publisher":      true,
	"orchestrator":   true,
	"runner":         true,
	"scheduler":      true,
	"change_sources": true,
}

// SummarizeConfigChange returns the sorted list of changed sections and
// log fields describing them. Secrets (tokens, passwords) are reported
// only as "set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
				logx.Bool("notifier.smtp_set", n.SMTP != nil),
				logx.Bool("notifier.telegram_set", n.Telegram != nil),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.TreeStatus, newCfg.TreeStatus) {
		changed = append(changed, "tree_status")
		attrs = append(attrs, logx.Strings("tree_status.closing_builders", newCfg.TreeStatus.ClosingBuilders))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Publisher, newCfg.Publisher) {
		changed = append(changed, "publisher")
	}
	if !reflect.DeepEqual(oldCfg.Orchestrator, newCfg.Orchestrator) {
		changed = append(changed, "orchestrator")
	}
	if !reflect.DeepEqual(oldCfg.Runner, newCfg.Runner) {
		changed = append(changed, "runner")
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
	}
	if !reflect.DeepEqual(oldCfg.Changes, newCfg.Changes) {
		changed = append(changed, "change_sources")
	}
	if !reflect.DeepEqual(oldCfg.Projects, newCfg.Projects) {
		changed = append(changed, "projects")
		attrs = append(attrs, logx.Int("projects.count", len(newCfg.Projects)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports the subset of changed sections that cannot be
// applied to a running process.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
