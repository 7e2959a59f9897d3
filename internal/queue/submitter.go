// Package queue accepts URLs for scraping. It owns the PENDING record and
// the first WorkItem of every task.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zianncupcake/myfoods-backend/internal/domain"
	"github.com/zianncupcake/myfoods-backend/internal/kafka"
	"github.com/zianncupcake/myfoods-backend/internal/postgres"
	redisstore "github.com/zianncupcake/myfoods-backend/internal/redis"
	"github.com/zianncupcake/myfoods-backend/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// failureWriteTimeout bounds the best-effort FAILURE write after a publish
// error, which runs detached from the request context.
const failureWriteTimeout = 2 * time.Second

// Submitter turns a URL into a tracked task.
type Submitter struct {
	store    redisstore.RecordStore
	producer kafka.Producer
	audit    postgres.AuditRepository
	logger   *slog.Logger

	now   func() time.Time
	newID func() string
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithAudit mirrors every new task into the Postgres audit trail.
func WithAudit(repo postgres.AuditRepository) Option {
	return func(s *Submitter) { s.audit = repo }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Submitter) { s.now = now }
}

// WithIDGenerator overrides uuid generation, for tests.
func WithIDGenerator(f func() string) Option {
	return func(s *Submitter) { s.newID = f }
}

// NewSubmitter builds a Submitter over the record store and broker producer.
func NewSubmitter(store redisstore.RecordStore, producer kafka.Producer, logger *slog.Logger, opts ...Option) *Submitter {
	s := &Submitter{
		store:    store,
		producer: producer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit records a PENDING task for sourceURL and enqueues its first
// attempt. The record is written before the publish so that a poll right
// after Submit returns never sees NotFound.
//
// When the broker rejects the item Submit returns the task id together with
// a *domain.QueueUnavailableError; the record is marked FAILURE best-effort.
func (s *Submitter) Submit(ctx context.Context, sourceURL string) (string, error) {
	ctx, span := telemetry.Tracer("queue").Start(ctx, "queue.submit")
	defer span.End()

	now := s.now()
	task := domain.NewTask(s.newID(), sourceURL, now)
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.platform", string(task.Platform)),
	)

	if err := s.store.Create(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create record failed")
		return "", fmt.Errorf("create task record: %w", err)
	}

	if s.audit != nil {
		if err := s.audit.UpsertTask(ctx, task); err != nil {
			// Non-fatal: Redis is the source of truth for status.
			s.logger.Warn("failed to persist task audit row",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	item := domain.WorkItem{
		TaskID:     task.ID,
		SourceURL:  task.SourceURL,
		Platform:   task.Platform,
		Attempt:    1,
		EnqueuedAt: now,
	}
	if err := kafka.PublishJSON(ctx, s.producer, kafka.PendingTopic, task.ID, item); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		qerr := &domain.QueueUnavailableError{Err: err}
		s.markFailed(ctx, task, qerr)
		return task.ID, qerr
	}

	telemetry.APIURLsSubmitted.WithLabelValues(string(task.Platform)).Inc()
	s.logger.Info("url queued",
		slog.String("task_id", task.ID),
		slog.String("platform", string(task.Platform)),
	)
	return task.ID, nil
}

func (s *Submitter) markFailed(ctx context.Context, task *domain.Task, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	now := s.now()
	task.Status = domain.StatusFailure
	task.Error = domain.NewTaskError(cause, "")
	task.UpdatedAt = now
	task.CompletedAt = &now

	if err := s.store.Put(ctx, task); err != nil {
		s.logger.Error("failed to record queue failure",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
	if s.audit != nil {
		if err := s.audit.UpsertTask(ctx, task); err != nil {
			s.logger.Warn("failed to persist task audit row",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
