package cluster

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// SubmitResult is delivered by AsyncDelayedSubmit.
type SubmitResult struct {
	JobID int64
	Err   error
}

// DelayedSubmit polls ready every interval and submits job once it returns
// true. It returns the job id, or the context error if ctx ends first.
func DelayedSubmit(ctx context.Context, job *Job, ready func() bool, interval time.Duration) (int64, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return 0, err
		}
		if ready() {
			break
		}
	}
	return job.Submit(ctx)
}

// AsyncDelayedSubmit runs DelayedSubmit in a goroutine. The returned channel
// receives exactly one result and is then closed.
func AsyncDelayedSubmit(ctx context.Context, job *Job, ready func() bool, interval time.Duration) <-chan SubmitResult {
	out := make(chan SubmitResult, 1)
	go func() {
		defer close(out)
		id, err := DelayedSubmit(ctx, job, ready, interval)
		out <- SubmitResult{JobID: id, Err: err}
	}()
	return out
}
