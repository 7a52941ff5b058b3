package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"buildorch/internal/model"
	"buildorch/internal/project"
	"buildorch/pkg/logx"
)

// run executes the builder's steps in order, starting after the last
// recorded result so a requeued build resumes where it stopped. Every
// result goes through StepCompleted; the loop ends as soon as the build is
// terminal or ctx ends (cancel, timeout or a lost worker).
func (o *Orchestrator) run(ctx context.Context, id int64, builder *project.Builder) {
	defer o.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("build runner panic", logx.Int64("build", id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			o.finish(id, model.StatusException, fmt.Sprintf("internal error: %v", r))
		}
	}()

	for ctx.Err() == nil {
		snap, err := o.Get(id)
		if err != nil || snap.Status.Terminal() || len(snap.Steps) >= len(builder.Steps) {
			return
		}
		step := builder.Steps[len(snap.Steps)]
		res, ok := o.execStep(ctx, snap, step)
		if !ok {
			return
		}
		if err := o.stepCompleted(ctx, id, res); err != nil {
			if !errors.Is(err, model.ErrBuildTerminal) && ctx.Err() == nil {
				o.log.Warn("step result rejected", logx.Int64("build", id), logx.String("step", step.Name), logx.Err(err))
			}
			return
		}
	}
}

// execStep runs one step with its timeout and transient-error retries.
// ok is false when the build ended while the step was in flight.
func (o *Orchestrator) execStep(ctx context.Context, b *model.Build, step project.StepSpec) (model.StepResult, bool) {
	res := model.StepResult{Name: step.Name, Start: o.clock.Now()}
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		out, err := o.attempt(ctx, b, step, attempt)
		res.End = o.clock.Now()

		switch {
		case err == nil && out.Exception:
			res.Status = model.StatusException
			res.Retcode = out.Retcode
			res.Reason = fmt.Sprintf("step %s raised an exception: %s", step.Name, out.Reason)
			return res, true
		case err == nil:
			res.Retcode = out.Retcode
			res.Status = model.StatusSuccess
			if out.Retcode != 0 {
				res.Status = model.StatusFailure
				res.Reason = fmt.Sprintf("step %s failed (retcode %d)", step.Name, out.Retcode)
				if out.Reason != "" {
					res.Reason += ": " + out.Reason
				}
			}
			return res, true
		case errors.Is(err, model.ErrStepTimeout):
			res.Status = model.StatusException
			res.Retcode = -1
			res.Reason = fmt.Sprintf("step %s timed out after %s", step.Name, step.Timeout)
			return res, true
		case ctx.Err() != nil:
			// Cancelled, build timeout or lost worker: finish or requeue
			// already ran.
			return res, false
		case errors.Is(err, model.ErrWorkerDisconnect) && o.dropWorker(b.ID, "disconnected during step "+step.Name):
			// The pool now reports the loss through workerLost, which
			// requeues the build or ends it; either way ctx ends.
			<-ctx.Done()
			return res, false
		case model.IsTransient(err) && attempt <= step.Retries:
			delay := o.jitterRNG(func(r *rand.Rand) time.Duration {
				return backoffDelay(o.cfg.RetryBase, o.cfg.RetryMaxDelay, attempt, err, r)
			})
			o.log.Warn("step attempt failed; retrying",
				logx.Int64("build", b.ID),
				logx.String("step", step.Name),
				logx.Int("attempt", attempt),
				logx.Duration("backoff", delay),
				logx.Err(err),
			)
			select {
			case <-ctx.Done():
				return res, false
			case <-o.clock.After(delay):
			}
		default:
			res.Status = model.StatusException
			res.Retcode = -1
			if errors.Is(err, model.ErrWorkerDisconnect) {
				res.Reason = fmt.Sprintf("step %s: worker %s disconnected", step.Name, b.Worker)
			} else {
				res.Reason = fmt.Sprintf("step %s: infrastructure error: %v", step.Name, err)
			}
			return res, true
		}
	}
}

// attempt runs the step once under its timeout. The runner is abandoned
// (its context cancelled) as soon as the timeout fires or the build ends,
// so a runner that ignores ctx cannot stall the build.
func (o *Orchestrator) attempt(ctx context.Context, b *model.Build, step project.StepSpec, n int) (StepOutcome, error) {
	stepCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if step.Timeout > 0 {
		t := o.clock.NewTimer(step.Timeout)
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			defer t.Stop()
			select {
			case <-t.C():
				cancel(model.ErrStepTimeout)
			case <-stop:
			}
		}()
	}

	type result struct {
		out StepOutcome
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("step runner panic: %v", r)}
			}
		}()
		out, err := o.runner.RunStep(stepCtx, StepRun{Build: b, Worker: b.Worker, Step: step, Attempt: n})
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		if stepCtx.Err() != nil && errors.Is(context.Cause(stepCtx), model.ErrStepTimeout) {
			return StepOutcome{}, model.ErrStepTimeout
		}
		return r.out, r.err
	case <-stepCtx.Done():
		if errors.Is(context.Cause(stepCtx), model.ErrStepTimeout) {
			return StepOutcome{}, model.ErrStepTimeout
		}
		return StepOutcome{}, ctx.Err()
	}
}

func stepReason(res model.StepResult) string {
	switch res.Status {
	case model.StatusFailure:
		return fmt.Sprintf("step %s failed (retcode %d)", res.Name, res.Retcode)
	case model.StatusException:
		return fmt.Sprintf("step %s raised an exception", res.Name)
	default:
		return ""
	}
}
