package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAllocationTimeout     = errors.New("no available worker")
	ErrStepTimeout           = errors.New("step timed out")
	ErrBuildTimeout          = errors.New("build timed out")
	ErrWorkerDisconnect      = errors.New("worker disconnected")
	ErrNotificationDelivery  = errors.New("notification delivery failed")
	ErrUnknownBuild          = errors.New("unknown build")
	ErrUnknownBuilder        = errors.New("unknown builder")
	ErrBuildTerminal         = errors.New("build already finished")
	ErrStepOutOfOrder        = errors.New("step result out of order")
	ErrOrchestratorStopped   = errors.New("orchestrator stopped")
	ErrSchedulerNotBound     = errors.New("scheduler not bound to builder")
	ErrUnknownWorker         = errors.New("unknown worker")
	ErrWorkerCapabilityMatch = errors.New("worker cannot serve builder")
)

// ConfigError aggregates every problem found while compiling the static
// configuration. It is fatal at startup.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return "config error"
	}
	if len(e.Problems) == 1 {
		return "config error: " + e.Problems[0]
	}
	return fmt.Sprintf("config error (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Addf records one problem.
func (e *ConfigError) Addf(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// OrNil returns e when it holds problems, nil otherwise.
func (e *ConfigError) OrNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}

// IsConfigError reports whether err wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

type ParseError struct {
	Kind  string
	Value string
}

func (e *ParseError) Error() string { return fmt.Sprintf("invalid %s %q", e.Kind, e.Value) }

// transientError marks a runner error as worth retrying.
type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient wraps err so step execution retries it (bounded by the step's
// retry budget). Timeouts and disconnects are never transient.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
