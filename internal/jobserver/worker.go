package jobserver

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/eventpulse/ig-events-worker/api/types"
	"github.com/eventpulse/ig-events-worker/internal/jobs"
)

func (js *JobServer) worker(c context.Context) {
	for {
		select {
		case <-c.Done():
			return

		case j := <-js.jobChan:
			logrus.Debugf("Job received: %s (%s)", j.UUID, j.Type)
			js.doWork(j)
		}
	}
}

type worker interface {
	ExecuteJob(j types.Job) (types.JobResult, error)
}

func (js *JobServer) doWork(j types.Job) error {
	w, exists := js.jobWorkers[j.Type]
	if !exists {
		js.results.Set(j.UUID, types.JobResult{
			Job:   j,
			Error: fmt.Sprintf("unknown job type: %s", j.Type),
		})
		return fmt.Errorf("unknown job type: %s", j.Type)
	}

	w.Lock()
	defer w.Unlock()

	result, err := js.executeWithRetry(w.w, j)
	if err != nil {
		result.Error = err.Error()
	}

	result.Job = j
	js.results.Set(j.UUID, result)

	return nil
}

// executeWithRetry runs the job through an exponential backoff policy.
// Failures the job layer classifies as non-retriable (auth, exhausted quota)
// stop the policy immediately; everything else is retried up to
// job_max_attempts total attempts.
func (js *JobServer) executeWithRetry(w worker, j types.Job) (types.JobResult, error) {
	maxAttempts := js.jobConfiguration.GetInt("job_max_attempts", 3)
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = 30 * time.Second

	var result types.JobResult
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var execErr error
		result, execErr = w.ExecuteJob(j)
		if execErr == nil {
			return nil
		}
		if !jobs.IsRetriable(execErr) {
			return backoff.Permanent(execErr)
		}
		logrus.Warnf("Job %s attempt %d/%d failed: %v", j.UUID, attempt, maxAttempts, execErr)
		return execErr
	}, backoff.WithMaxRetries(policy, uint64(maxAttempts-1)))

	return result, err
}
