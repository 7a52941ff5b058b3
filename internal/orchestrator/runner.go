package orchestrator

import (
	"context"

	"buildorch/internal/model"
	"buildorch/internal/project"
)

// StepRun is one attempt of one step on a worker.
type StepRun struct {
	Build   *model.Build // snapshot; do not mutate
	Worker  string
	Step    project.StepSpec
	Attempt int
}

// StepOutcome is what a worker reports for a finished step.
type StepOutcome struct {
	Retcode int
	// Exception marks an environment malfunction on the worker (as opposed
	// to the code under test failing).
	Exception bool
	Reason    string
}

// StepRunner executes steps on workers. RunStep blocks until the step
// ends or ctx is done. Returning model.Transient(err) asks for a retry;
// any other error is an infrastructure failure.
type StepRunner interface {
	RunStep(ctx context.Context, run StepRun) (StepOutcome, error)
}

// RunnerFunc adapts a function to StepRunner.
type RunnerFunc func(ctx context.Context, run StepRun) (StepOutcome, error)

func (f RunnerFunc) RunStep(ctx context.Context, run StepRun) (StepOutcome, error) {
	return f(ctx, run)
}

// Listener observes terminal builds. BuildCompleted is called
// synchronously on the completing goroutine and must not block.
type Listener interface {
	BuildCompleted(b *model.Build)
}

type ListenerFunc func(b *model.Build)

func (f ListenerFunc) BuildCompleted(b *model.Build) { f(b) }
