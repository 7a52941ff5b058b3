package model

import (
	"maps"
	"slices"
	"time"
)

// Change is one observed source-control revision. Immutable once emitted.
type Change struct {
	ID        string    `json:"id"`
	Project   string    `json:"project,omitempty"`
	Branch    string    `json:"branch"`
	Revision  string    `json:"revision"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author,omitempty"`
	Files     []string  `json:"files,omitempty"`
	Comments  string    `json:"comments,omitempty"`
}

// SourceStamp pins a build to a branch and revision.
type SourceStamp struct {
	Branch   string `json:"branch"`
	Revision string `json:"revision"`
}

// BuildRequest asks the orchestrator to run Builder against Source.
// Changes carries the coalesced changes that produced it (the blamelist).
type BuildRequest struct {
	ID          string            `json:"id"`
	Builder     string            `json:"builder"`
	Reason      string            `json:"reason"`
	Source      SourceStamp       `json:"source"`
	Properties  map[string]string `json:"properties,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	TriggeredBy int64             `json:"triggered_by,omitempty"`
	Scheduler   string            `json:"scheduler,omitempty"`
	Changes     []Change          `json:"changes,omitempty"`
}

type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSuccess
	StatusFailure
	StatusException
	StatusCancelled
)

var statusNames = [...]string{"pending", "running", "success", "failure", "exception", "cancelled"}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool { return s >= StatusSuccess }

// IsFailure is true for Failure and Exception.
func (s Status) IsFailure() bool { return s == StatusFailure || s == StatusException }

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for i, n := range statusNames {
		if n == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return &ParseError{Kind: "status", Value: string(b)}
}

// StepResult records one executed step. Never mutated after append.
type StepResult struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Retcode   int       `json:"retcode"`
	Forgiving bool      `json:"forgiving,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Build is one execution of a builder against a source stamp.
type Build struct {
	ID          int64             `json:"id"`
	Number      int               `json:"number"`
	Builder     string            `json:"builder"`
	Project     string            `json:"project"`
	Category    string            `json:"category,omitempty"`
	Worker      string            `json:"worker,omitempty"`
	Source      SourceStamp       `json:"source"`
	Properties  map[string]string `json:"properties,omitempty"`
	Steps       []StepResult      `json:"steps"`
	Status      Status            `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	RequestID   string            `json:"request_id"`
	TriggeredBy int64             `json:"triggered_by,omitempty"`
	Changes     []Change          `json:"changes,omitempty"`
	Enqueued    time.Time         `json:"enqueued"`
	Start       time.Time         `json:"start,omitempty"`
	End         time.Time         `json:"end,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (b *Build) Clone() *Build {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Properties = maps.Clone(b.Properties)
	cp.Steps = slices.Clone(b.Steps)
	cp.Changes = slices.Clone(b.Changes)
	return &cp
}

// Authors returns the distinct authors of the build's changes, sorted.
func (b *Build) Authors() []string {
	seen := make(map[string]struct{}, len(b.Changes))
	out := make([]string, 0, len(b.Changes))
	for _, c := range b.Changes {
		if c.Author == "" {
			continue
		}
		if _, ok := seen[c.Author]; ok {
			continue
		}
		seen[c.Author] = struct{}{}
		out = append(out, c.Author)
	}
	slices.Sort(out)
	return out
}

type WorkerState int

const (
	WorkerIdle WorkerState = iota
	WorkerBusy
	WorkerOffline
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerBusy:
		return "busy"
	case WorkerOffline:
		return "offline"
	default:
		return "unknown"
	}
}

func (s WorkerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Worker is a point-in-time view of a pool member.
type Worker struct {
	Hostname      string      `json:"hostname"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	State         WorkerState `json:"state"`
	CurrentBuild  int64       `json:"current_build,omitempty"`
	LastReleased  time.Time   `json:"last_released,omitempty"`
	OfflineReason string      `json:"offline_reason,omitempty"`
}
