package config

// Config is the raw on-disk configuration. It is decoded strictly and then
// compiled into an immutable project registry (internal/project); nothing
// downstream reads the raw projects section directly.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging      LoggingConfig        `json:"logging"`
	Storage      *StorageConfig       `json:"storage,omitempty"`
	Ops          OpsConfig            `json:"ops,omitempty"`
	Publisher    *PublisherConfig     `json:"publisher,omitempty"`
	Notifier     *NotifierConfig      `json:"notifier,omitempty"`
	Orchestrator *OrchestratorConfig  `json:"orchestrator,omitempty"`
	Runner       *RunnerConfig        `json:"runner,omitempty"`
	Scheduler    SchedulerConfig      `json:"scheduler"`
	Changes      []ChangeSourceConfig `json:"change_sources,omitempty"`
	TreeStatus   TreeStatusConfig     `json:"tree_status,omitempty"`
	Projects     []ProjectConfig      `json:"projects"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warn/error log lines to the notifier's telegram
// channel. Requires notifier.telegram to be configured.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the build history / dedup store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./buildorch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// OpsConfig controls the operator HTTP surface (API, metrics, pprof).
//
// Prefer binding to localhost. A non-loopback address requires a token or
// an explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:8010"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// PublisherConfig enables the outbound build event stream. Projects may
// override the topic with their own pubsub_topic.
type PublisherConfig struct {
	ProjectID string `json:"project_id"`
	Topic     string `json:"topic"`
	Endpoint  string `json:"endpoint,omitempty"` // emulator host:port
	Timeout   string `json:"timeout,omitempty"`
}

// NotifierConfig controls the async notification delivery pipeline.
//
// If the whole section is omitted the notifier runs with defaults and only
// the log channel is usable.
type NotifierConfig struct {
	Enabled         bool            `json:"enabled"`
	Workers         int             `json:"workers"`
	QueueSize       int             `json:"queue_size"`
	RatePerSec      int             `json:"rate_per_sec"`
	RetryMax        int             `json:"retry_max"`
	RetryBase       string          `json:"retry_base"`
	RetryMaxDelay   string          `json:"retry_max_delay"`
	DedupWindow     string          `json:"dedup_window"`
	DedupMaxEntries int             `json:"dedup_max_entries"`
	PersistDedup    bool            `json:"persist_dedup,omitempty"`
	SendTimeout     string          `json:"send_timeout,omitempty"`
	SMTP            *SMTPConfig     `json:"smtp,omitempty"`
	Telegram        *TelegramConfig `json:"telegram,omitempty"`
}

type SMTPConfig struct {
	Addr     string `json:"addr"` // host:port
	From     string `json:"from"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
}

type TelegramConfig struct {
	Token  string `json:"token"` // never logged
	ChatID int64  `json:"chat_id"`
	URL    string `json:"url,omitempty"`
}

// OrchestratorConfig holds the build lifecycle bounds.
//
// Defaults:
//   - default_step_timeout: "20m"
//   - default_build_timeout: "3h"
//   - allocation_timeout: "30m" ("0s" disables)
//   - history_size: 500
//   - retry_base: "1s", retry_max_delay: "30s"
type OrchestratorConfig struct {
	DefaultStepTimeout  string `json:"default_step_timeout,omitempty"`
	DefaultBuildTimeout string `json:"default_build_timeout,omitempty"`
	AllocationTimeout   string `json:"allocation_timeout,omitempty"`
	HistorySize         int    `json:"history_size,omitempty"`
	RetryBase           string `json:"retry_base,omitempty"`
	RetryMaxDelay       string `json:"retry_max_delay,omitempty"`
}

// RunnerConfig controls local step execution. Each worker gets its own
// directory under work_dir; step output goes to log_dir when set.
type RunnerConfig struct {
	WorkDir string            `json:"work_dir,omitempty"` // default: "./work"
	LogDir  string            `json:"log_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// KillGrace is how long a cancelled step gets after SIGTERM.
	KillGrace string `json:"kill_grace,omitempty"`
}

type SchedulerConfig struct {
	// TickInterval is the cadence of debounce evaluation and tree polling.
	TickInterval string `json:"tick_interval,omitempty"`
	// Timezone for periodic schedules.
	Timezone string `json:"timezone,omitempty"`
}

// ChangeSourceConfig polls a command that prints the changes it sees as
// JSON objects, one per line, oldest first.
type ChangeSourceConfig struct {
	Name     string   `json:"name"`
	Project  string   `json:"project,omitempty"`
	Command  []string `json:"command"`
	Dir      string   `json:"dir,omitempty"`
	Interval string   `json:"interval,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
}

// TreeStatusConfig sets the gate's startup state and auto-close rules.
type TreeStatusConfig struct {
	// InitiallyClosed starts the gate closed. Omitted means open.
	InitiallyClosed bool     `json:"initially_closed,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	ClosingBuilders []string `json:"closing_builders,omitempty"`
}

// ProjectConfig is one per-project site record.
type ProjectConfig struct {
	Name          string               `json:"name"`
	Ports         PortsConfig          `json:"ports,omitempty"`
	Categories    []string             `json:"categories,omitempty"`
	Recipients    []string             `json:"recipients,omitempty"`
	PubSubTopic   string               `json:"pubsub_topic,omitempty"`
	Bucket        string               `json:"bucket,omitempty"`
	Workers       []WorkerConfig       `json:"workers,omitempty"`
	Builders      []BuilderConfig      `json:"builders"`
	Schedulers    []SchedulerSpec      `json:"schedulers,omitempty"`
	Notifications []NotificationConfig `json:"notifications,omitempty"`
}

type PortsConfig struct {
	Web    int `json:"web,omitempty"`
	Worker int `json:"worker,omitempty"`
}

type WorkerConfig struct {
	Hostname     string   `json:"hostname"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type BuilderConfig struct {
	Name                 string            `json:"name"`
	Category             string            `json:"category,omitempty"`
	AllowedWorkers       []string          `json:"allowed_workers,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Schedulers           []string          `json:"schedulers,omitempty"`
	AutoReboot           string            `json:"auto_reboot,omitempty"` // "none" | "after_build"
	Recipe               string            `json:"recipe,omitempty"`
	Steps                []StepConfig      `json:"steps"`
	ForgivingSteps       []string          `json:"forgiving_steps,omitempty"`
	Properties           map[string]string `json:"properties,omitempty"`
	BuildTimeout         string            `json:"build_timeout,omitempty"`
}

type StepConfig struct {
	Name          string   `json:"name"`
	Command       []string `json:"command,omitempty"`
	HaltOnFailure bool     `json:"halt_on_failure,omitempty"`
	Timeout       string   `json:"timeout,omitempty"`
	Retries       int      `json:"retries,omitempty"`
}

// SchedulerSpec declares one scheduler. Kind is one of single_branch,
// any_branch, periodic or triggerable.
type SchedulerSpec struct {
	Name            string            `json:"name"`
	Kind            string            `json:"kind"`
	Branch          string            `json:"branch,omitempty"`
	TreeStableTimer string            `json:"tree_stable_timer,omitempty"`
	Schedule        string            `json:"schedule,omitempty"`
	Builders        []string          `json:"builders"`
	Upstream        []string          `json:"upstream,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
}

// NotificationConfig is one notification rule. A key of "" in
// categories_steps is the wildcard category; it matches only when listed.
type NotificationConfig struct {
	Name                  string              `json:"name"`
	CategoriesSteps       map[string][]string `json:"categories_steps"`
	Exclusions            map[string][]string `json:"exclusions,omitempty"`
	ForgivingSteps        []string            `json:"forgiving_steps,omitempty"`
	Recipients            []string            `json:"recipients,omitempty"`
	OnlyOnFailure         bool                `json:"only_on_failure,omitempty"`
	SendToInterestedUsers bool                `json:"send_to_interested_users,omitempty"`
	Channel               string              `json:"channel,omitempty"` // email | telegram | log
}
