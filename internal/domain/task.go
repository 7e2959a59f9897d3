package domain

import (
	"encoding/json"
	"time"
)

// Status represents the states a scrape task can be in.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusRetry   Status = "RETRY"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"

	// StatusUnknown is never written. Readers map any value outside the
	// known set to it.
	StatusUnknown Status = "UNKNOWN_STATUS"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Valid reports whether s is one of the statuses a writer may record.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStarted, StatusRetry, StatusSuccess, StatusFailure:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next respects
// PENDING → STARTED → (RETRY → STARTED)* → SUCCESS|FAILURE.
// FAILURE is reachable from any non-terminal state so that submission and
// dispatch errors can close a task before it ever starts.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StatusStarted:
		return s == StatusPending || s == StatusRetry
	case StatusRetry, StatusSuccess:
		return s == StatusStarted
	case StatusFailure:
		return true
	default:
		return false
	}
}

// ErrorKind classifies a recorded failure.
type ErrorKind string

const (
	KindQueueUnavailable ErrorKind = "queue_unavailable"
	KindRetryable        ErrorKind = "retryable"
	KindTerminal         ErrorKind = "terminal"
	KindTimeout          ErrorKind = "timeout"
)

// TaskError is the failure summary stored on a task. Trace is bounded and
// meant for diagnostics only.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Trace   string    `json:"trace,omitempty"`
}

// Task is the durable record of one submitted URL.
type Task struct {
	ID           string          `json:"id"`
	SourceURL    string          `json:"source_url"`
	Platform     Platform        `json:"platform"`
	Status       Status          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *TaskError      `json:"error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
}

// NewTask returns a PENDING task for sourceURL.
func NewTask(id, sourceURL string, now time.Time) *Task {
	return &Task{
		ID:        id,
		SourceURL: sourceURL,
		Platform:  ClassifyURL(sourceURL),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// WorkItem is the in-flight execution context for one attempt. It travels
// on the broker and is never stored as a record.
type WorkItem struct {
	TaskID     string    `json:"task_id"`
	SourceURL  string    `json:"source_url"`
	Platform   Platform  `json:"platform"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Deadline   time.Time `json:"-"`
}

// Next returns the work item for the following attempt.
func (w WorkItem) Next(now time.Time) WorkItem {
	return WorkItem{
		TaskID:     w.TaskID,
		SourceURL:  w.SourceURL,
		Platform:   w.Platform,
		Attempt:    w.Attempt + 1,
		EnqueuedAt: now,
	}
}

// RetryPolicy applies uniformly to every work item of a deployment.
type RetryPolicy struct {
	MaxRetries    int
	RetryDelay    time.Duration
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
}

// DefaultRetryPolicy mirrors the production deployment.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    2,
		RetryDelay:    90 * time.Second,
		SoftTimeLimit: 45 * time.Second,
		HardTimeLimit: 60 * time.Second,
	}
}

// TaskExecution records a single attempt for the audit trail.
type TaskExecution struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	WorkerID   string    `json:"worker_id"`
	Attempt    int       `json:"attempt"`
	Status     Status    `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}
