package notifier

import (
	"context"
	"time"

	"buildorch/internal/project"
)

// Config controls the async delivery pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	SendTimeout     time.Duration
}

// Message is one outbound notification. A rule match produces exactly one
// Message regardless of how many of its steps failed.
type Message struct {
	Channel    project.Channel
	Rule       string
	BuildID    int64
	Recipients []string
	Subject    string
	Body       string

	// DedupKey suppresses repeats within DedupWindow. Empty disables
	// suppression for this message.
	DedupKey    string
	DedupWindow time.Duration
}

// Sink delivers messages on one channel. Errors are retried by the
// pipeline; wrap with model.ErrNotificationDelivery for context.
type Sink interface {
	Send(ctx context.Context, m Message) error
}

type SinkFunc func(ctx context.Context, m Message) error

func (f SinkFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }

type HistoryItem struct {
	At      time.Time       `json:"at"`
	Channel project.Channel `json:"channel"`
	Rule    string          `json:"rule,omitempty"`
	BuildID int64           `json:"build_id,omitempty"`
	Subject string          `json:"subject"`
}

// NotificationEvent is published on the event bus for pipeline lifecycle
// events. Keep it small; subscribers may log it.
type NotificationEvent struct {
	Channel project.Channel `json:"channel"`
	Rule    string          `json:"rule,omitempty"`
	BuildID int64           `json:"build_id,omitempty"`
	Key     string          `json:"key"`
	At      time.Time       `json:"at"`
	Error   string          `json:"error,omitempty"`
}
