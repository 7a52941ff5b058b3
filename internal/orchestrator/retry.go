package orchestrator

import (
	"errors"
	"math/rand"
	"time"
)

// RetryAfter carries a worker-suggested delay before the step is retried.
// The wrapped error should itself be transient.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return e.err.Error() }
func (e retryAfterError) Unwrap() error { return e.err }

const retryJitter = 0.2

// backoffDelay doubles base per attempt up to maxD, honoring a RetryAfter
// hint, with ±20% jitter.
func backoffDelay(base, maxD time.Duration, attempt int, err error, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if maxD <= 0 {
		maxD = 30 * time.Second
	}

	d := base
	var ra retryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.after
	} else {
		for i := 1; i < attempt && d < maxD; i++ {
			d *= 2
		}
	}
	if rng != nil && d > 0 {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*retryJitter))
	}
	return min(max(d, 0), maxD)
}
