// Package supervisor bounds each attempt in time and decides what happens
// to a task after the attempt ends.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
	"github.com/zianncupcake/myfoods-backend/internal/executor"
	"github.com/zianncupcake/myfoods-backend/pkg/telemetry"
)

// Attempt is one supervised unit of work.
type Attempt func(ctx context.Context) executor.Outcome

// Supervisor enforces the soft and hard time limits of a RetryPolicy.
type Supervisor struct {
	policy domain.RetryPolicy
	logger *slog.Logger
}

func New(policy domain.RetryPolicy, logger *slog.Logger) *Supervisor {
	return &Supervisor{policy: policy, logger: logger}
}

// Run executes attempt in its own goroutine.
//
// At the soft limit the attempt's context is cancelled and Run keeps
// waiting; an attempt that then fails is reported as a soft timeout. At the
// hard limit Run stops waiting and reports a hard timeout. The abandoned
// goroutine finishes on its own and still runs its cleanup.
//
// If ctx ends first, Run returns ctx.Err() so the caller can leave the
// work item for redelivery.
func (s *Supervisor) Run(ctx context.Context, attempt Attempt) executor.Outcome {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan executor.Outcome, 1)
	go func() { done <- attempt(attemptCtx) }()

	soft := time.NewTimer(s.policy.SoftTimeLimit)
	defer soft.Stop()
	hard := time.NewTimer(s.policy.HardTimeLimit)
	defer hard.Stop()

	softFired := false
	for {
		select {
		case out := <-done:
			if softFired && out.State != executor.StateSucceeded {
				out.Err = &domain.TimeoutError{Limit: s.policy.SoftTimeLimit}
				out.State = executor.StateFailed
			}
			return out

		case <-soft.C:
			softFired = true
			telemetry.WorkerTimeouts.WithLabelValues("soft").Inc()
			s.logger.Warn("soft time limit reached, cancelling attempt",
				slog.Duration("limit", s.policy.SoftTimeLimit))
			cancel()

		case <-hard.C:
			telemetry.WorkerTimeouts.WithLabelValues("hard").Inc()
			s.logger.Error("hard time limit reached, abandoning attempt",
				slog.Duration("limit", s.policy.HardTimeLimit))
			return executor.Outcome{
				State: executor.StateFailed,
				Err:   &domain.TimeoutError{Hard: true, Limit: s.policy.HardTimeLimit},
			}

		case <-ctx.Done():
			return executor.Outcome{State: executor.StateFailed, Err: ctx.Err()}
		}
	}
}

// Action is what the caller must do after an attempt.
type Action int

const (
	// Complete records SUCCESS.
	Complete Action = iota
	// Retry records RETRY and schedules the next attempt at RetryAt.
	Retry
	// Fail records FAILURE.
	Fail
)

func (a Action) String() string {
	switch a {
	case Complete:
		return "complete"
	case Retry:
		return "retry"
	default:
		return "fail"
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	Action  Action
	Status  domain.Status
	RetryAt time.Time
	Error   *domain.TaskError
}

// Decide applies the retry policy to the outcome of attempt number attempt
// (1-based). Retryable errors are retried while attempt <= MaxRetries;
// terminal errors never consume retry budget.
func (s *Supervisor) Decide(attempt int, out executor.Outcome, now time.Time) Decision {
	if out.State == executor.StateSucceeded {
		return Decision{Action: Complete, Status: domain.StatusSuccess}
	}

	taskErr := domain.NewTaskError(out.Err, out.Trace)
	if domain.IsRetryable(out.Err) && attempt <= s.policy.MaxRetries {
		return Decision{
			Action:  Retry,
			Status:  domain.StatusRetry,
			RetryAt: now.Add(s.policy.RetryDelay),
			Error:   taskErr,
		}
	}
	return Decision{Action: Fail, Status: domain.StatusFailure, Error: taskErr}
}
