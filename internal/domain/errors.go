package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
	"unicode/utf8"
)

// MaxTraceLen bounds the diagnostic trace stored on a failed task.
const MaxTraceLen = 2048

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// TaskAlreadyProcessedError is returned when a write targets a task that is
// already in a terminal state.
type TaskAlreadyProcessedError struct {
	TaskID string
	Status Status
}

func (e *TaskAlreadyProcessedError) Error() string {
	return fmt.Sprintf("task %s already processed with status %s", e.TaskID, e.Status)
}

// StatusConflictError is returned by a conditional write when the stored
// status is not the one the writer read. Actual is empty if the record is gone.
type StatusConflictError struct {
	TaskID   string
	Expected Status
	Actual   Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("task %s is %q, expected %q", e.TaskID, e.Actual, e.Expected)
}

// RateLimitExceededError is returned when a client exceeds its submission rate.
type RateLimitExceededError struct {
	Key   string
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit is %d", e.Key, e.Limit)
}

// QueueUnavailableError is returned at submission time when the broker
// cannot accept the work item. It is never retried by the queue layer.
type QueueUnavailableError struct {
	Err error
}

func (e *QueueUnavailableError) Error() string {
	return fmt.Sprintf("queue unavailable: %v", e.Err)
}

func (e *QueueUnavailableError) Unwrap() error { return e.Err }

// UnsupportedPlatformError is returned for URLs outside the known platforms.
type UnsupportedPlatformError struct {
	URL string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported platform for url %q", e.URL)
}

// RetryableError marks an attempt failure that consumes retry budget:
// network errors, upstream 5xx and cooperative timeouts.
type RetryableError struct {
	Msg string
	Err error
}

func (e *RetryableError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// TerminalError marks an attempt failure that can never succeed on retry:
// upstream 4xx, parse failures, unknown platform.
type TerminalError struct {
	Msg string
	Err error
}

func (e *TerminalError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// TimeoutError is raised by the supervisor. A soft timeout is the
// cooperative cancellation signal; a hard timeout is forced termination.
type TimeoutError struct {
	Hard  bool
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Hard {
		return fmt.Sprintf("hard time limit (%s) exceeded", e.Limit)
	}
	return fmt.Sprintf("soft time limit (%s) exceeded", e.Limit)
}

// IsRetryable reports whether err should consume retry budget.
// Anything not positively identified as transient is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return !timeout.Hard
	}
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return false
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// NewTaskError converts an attempt error into the summary recorded on the
// task. The message is the short, user-facing part; the trace carries the
// full error chain, bounded to MaxTraceLen.
func NewTaskError(err error, trace string) *TaskError {
	if err == nil {
		return nil
	}

	te := &TaskError{Kind: KindTerminal, Message: err.Error()}

	var (
		timeout   *TimeoutError
		retryable *RetryableError
		terminal  *TerminalError
		queue     *QueueUnavailableError
	)
	switch {
	case errors.As(err, &timeout):
		te.Kind = KindTimeout
		if timeout.Hard {
			te.Message = "Hard Time Limit Exceeded"
		} else {
			te.Message = "Scrape Timeout"
		}
	case errors.As(err, &queue):
		te.Kind = KindQueueUnavailable
		te.Message = "Failed to queue URL for processing"
	case errors.As(err, &terminal):
		te.Message = terminal.Msg
	case errors.As(err, &retryable):
		te.Kind = KindRetryable
		te.Message = retryable.Msg
	case errors.Is(err, context.DeadlineExceeded):
		te.Kind = KindTimeout
		te.Message = "Scrape Timeout"
	}

	if trace == "" && te.Message != err.Error() {
		trace = err.Error()
	}
	te.Trace = Truncate(trace, MaxTraceLen)
	return te
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
