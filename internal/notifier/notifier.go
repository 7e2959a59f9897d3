// Package notifier delivers task status to clients, either as a single
// snapshot or as a push stream that ends on the first terminal state.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
)

// DefaultPollInterval is how often Watch reads the store.
const DefaultPollInterval = 2 * time.Second

// StatusError is the status reported when the watch itself failed.
const StatusError = "ERROR"

// StatusPayload is the wire shape for both poll and push delivery.
type StatusPayload struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// Terminal reports whether no further payload will follow for the task.
func (p StatusPayload) Terminal() bool {
	switch p.Status {
	case string(domain.StatusSuccess), string(domain.StatusFailure), string(domain.StatusUnknown), StatusError:
		return true
	default:
		return false
	}
}

type failureResult struct {
	Error     string `json:"error"`
	Traceback string `json:"traceback,omitempty"`
}

// RecordReader is the read side of the TaskRecord store.
type RecordReader interface {
	Get(ctx context.Context, taskID string) (*domain.Task, error)
}

// Notifier reconciles stored task state with client-facing payloads.
type Notifier struct {
	store    RecordReader
	interval time.Duration
	logger   *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithPollInterval sets the Watch poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.interval = d
		}
	}
}

// New returns a Notifier reading from store.
func New(store RecordReader, logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{store: store, interval: DefaultPollInterval, logger: logger}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Render converts a stored task into its payload. Statuses outside the known
// set become UNKNOWN_STATUS with no result.
func Render(task *domain.Task) StatusPayload {
	p := StatusPayload{TaskID: task.ID, Status: string(task.Status)}
	if !task.Status.Valid() {
		p.Status = string(domain.StatusUnknown)
		return p
	}

	switch task.Status {
	case domain.StatusSuccess:
		if len(task.Result) > 0 {
			p.Result = task.Result
		}
	case domain.StatusFailure:
		fr := failureResult{Error: "Unknown error"}
		if task.Error != nil {
			fr.Error = task.Error.Message
			fr.Traceback = task.Error.Trace
		}
		p.Result, _ = json.Marshal(fr)
	}
	return p
}

func errorPayload(taskID, msg string) StatusPayload {
	raw, _ := json.Marshal(failureResult{Error: msg})
	return StatusPayload{TaskID: taskID, Status: StatusError, Result: raw}
}

// Snapshot returns the current payload for taskID. A missing task yields
// *domain.TaskNotFoundError.
func (n *Notifier) Snapshot(ctx context.Context, taskID string) (StatusPayload, error) {
	task, err := n.store.Get(ctx, taskID)
	if err != nil {
		return StatusPayload{}, err
	}
	return Render(task), nil
}

// watchState tracks a push stream. Returning from Watch is the closed state.
type watchState int

const (
	awaitingUpdate watchState = iota
	terminalSent
)

// Watch polls the store until the task is terminal and pushes exactly one
// payload through send: the terminal snapshot, UNKNOWN_STATUS, or an ERROR
// payload when the store or the task cannot be read.
//
// Cancelling ctx stops polling before the next store read; Watch then
// returns nil without sending. A send failure is returned after one
// best-effort ERROR payload.
func (n *Notifier) Watch(ctx context.Context, taskID string, send func(StatusPayload) error) error {
	logger := n.logger.With(slog.String("task_id", taskID))

	timer := time.NewTimer(0)
	defer timer.Stop()

	state := awaitingUpdate
	for state == awaitingUpdate {
		select {
		case <-ctx.Done():
			logger.Debug("watch cancelled by client")
			return nil
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return nil
		}

		task, err := n.store.Get(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			msg := "Failed to read task status"
			var notFound *domain.TaskNotFoundError
			if errors.As(err, &notFound) {
				msg = "Task not found"
			} else {
				logger.Error("watch store read failed", slog.String("error", err.Error()))
			}
			_ = send(errorPayload(taskID, msg))
			return fmt.Errorf("watch %s: %w", taskID, err)
		}

		payload := Render(task)
		if !payload.Terminal() {
			timer.Reset(n.interval)
			continue
		}

		if err := send(payload); err != nil {
			logger.Warn("push failed", slog.String("error", err.Error()))
			_ = send(errorPayload(taskID, "Failed to deliver task status"))
			return fmt.Errorf("push status for %s: %w", taskID, err)
		}
		state = terminalSent
		logger.Debug("terminal status pushed", slog.String("status", payload.Status))
	}
	return nil
}
