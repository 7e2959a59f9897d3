package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
	"github.com/zianncupcake/myfoods-backend/internal/kafka"
	"github.com/zianncupcake/myfoods-backend/internal/postgres"
	redisstore "github.com/zianncupcake/myfoods-backend/internal/redis"
	"github.com/zianncupcake/myfoods-backend/pkg/telemetry"
)

const (
	// LeaderKey is the Redis key holding the scheduler lease.
	LeaderKey = "scheduler:leader"

	defaultPumpInterval = time.Second
	defaultReapSchedule = "@every 1m"
	defaultReapGrace    = 5 * time.Minute
	defaultQueueGrace   = 30 * time.Minute
	defaultBatchSize    = 100
)

// Leader is a renewable single-holder lease.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Scheduler re-enqueues work items whose retry delay has elapsed and fails
// tasks that stopped making progress: a worker vanished mid-attempt, or a
// work item was lost before any worker started it. Only the lease holder
// does work.
type Scheduler struct {
	leader   Leader
	retries  redisstore.RetryQueue
	store    redisstore.RecordStore
	producer kafka.Producer
	audit    postgres.AuditRepository
	policy   domain.RetryPolicy
	logger   *slog.Logger

	pumpInterval time.Duration
	reapSchedule string
	reapGrace    time.Duration
	queueGrace   time.Duration
	batchSize    int
	now          func() time.Time

	isLeader atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithPumpInterval(d time.Duration) Option { return func(s *Scheduler) { s.pumpInterval = d } }
func WithReapSchedule(spec string) Option     { return func(s *Scheduler) { s.reapSchedule = spec } }
func WithReapGrace(d time.Duration) Option    { return func(s *Scheduler) { s.reapGrace = d } }
func WithQueueGrace(d time.Duration) Option   { return func(s *Scheduler) { s.queueGrace = d } }
func WithBatchSize(n int) Option              { return func(s *Scheduler) { s.batchSize = n } }
func WithAudit(repo postgres.AuditRepository) Option {
	return func(s *Scheduler) { s.audit = repo }
}
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func NewScheduler(
	leader Leader,
	retries redisstore.RetryQueue,
	store redisstore.RecordStore,
	producer kafka.Producer,
	policy domain.RetryPolicy,
	logger *slog.Logger,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		leader:       leader,
		retries:      retries,
		store:        store,
		producer:     producer,
		policy:       policy,
		logger:       logger,
		pumpInterval: defaultPumpInterval,
		reapSchedule: defaultReapSchedule,
		reapGrace:    defaultReapGrace,
		queueGrace:   defaultQueueGrace,
		batchSize:    defaultBatchSize,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run pumps due retries on every tick and reaps stale tasks on the cron
// schedule. Blocks until ctx is cancelled, then releases the lease.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.reapSchedule, func() {
		if !s.isLeader.Load() {
			return
		}
		if _, err := s.ReapStale(ctx); err != nil {
			s.logger.Error("reap stale tasks", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("parse reap schedule %q: %w", s.reapSchedule, err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	ticker := time.NewTicker(s.pumpInterval)
	defer ticker.Stop()

	// Run once immediately before waiting for the first tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.resign()
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	leader, err := s.leader.Acquire(ctx)
	if err != nil {
		s.logger.Error("leader election", slog.String("error", err.Error()))
		leader = false
	}
	if was := s.isLeader.Swap(leader); was != leader {
		s.logger.Info("scheduler leadership changed", slog.Bool("leader", leader))
	}
	if !leader {
		return
	}
	if _, err := s.PumpRetries(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("pump retries", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) resign() {
	if !s.isLeader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.leader.Release(ctx); err != nil {
		s.logger.Warn("release leadership", slog.String("error", err.Error()))
	}
	s.isLeader.Store(false)
}

// PumpRetries publishes every due retry to scrape.pending and returns how
// many were enqueued. An item that fails to publish is put back, due now.
func (s *Scheduler) PumpRetries(ctx context.Context) (int, error) {
	now := s.now()
	items, err := s.retries.Due(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	var errs []error
	for _, item := range items {
		item.EnqueuedAt = now
		if err := kafka.PublishJSON(ctx, s.producer, kafka.PendingTopic, item.TaskID, item); err != nil {
			errs = append(errs, err)
			if rerr := s.retries.Schedule(context.WithoutCancel(ctx), item, now); rerr != nil {
				s.logger.Error("retry item lost",
					slog.String("task_id", item.TaskID),
					slog.Int("attempt", item.Attempt),
					slog.String("error", rerr.Error()),
				)
			}
			continue
		}
		enqueued++
		telemetry.SchedulerRetriesEnqueued.Inc()
		s.logger.Info("retry enqueued",
			slog.String("task_id", item.TaskID),
			slog.Int("attempt", item.Attempt),
		)
	}
	return enqueued, errors.Join(errs...)
}

// ReapStale fails tasks that stopped making progress. A STARTED task is stale
// once the hard time limit plus grace has passed since it started. A PENDING
// task is stale once the queue grace has passed since its last write, and a
// RETRY task once it has passed since the retry fell due.
func (s *Scheduler) ReapStale(ctx context.Context) (int, error) {
	now := s.now()
	started, errStarted := s.reap(ctx, now, stalled{
		cutoff: now.Add(-(s.policy.HardTimeLimit + s.reapGrace)),
		list:   s.store.StartedBefore,
	})
	queued, errQueued := s.reap(ctx, now, stalled{
		cutoff: now.Add(-s.queueGrace),
		list:   s.store.QueuedBefore,
	})
	return started + queued, errors.Join(errStarted, errQueued)
}

type stalled struct {
	cutoff time.Time
	list   func(ctx context.Context, t time.Time, limit int64) ([]string, error)
}

func (s *Scheduler) reap(ctx context.Context, now time.Time, st stalled) (int, error) {
	ids, err := st.list(ctx, st.cutoff, int64(s.batchSize))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		ok, err := s.reapOne(ctx, id, now, st.cutoff)
		if err != nil {
			s.logger.Error("reap task", slog.String("task_id", id), slog.String("error", err.Error()))
			continue
		}
		if ok {
			reaped++
		}
	}
	return reaped, nil
}

// stalledSince is the time a task last made progress, or false if its
// status is not one the reaper watches.
func stalledSince(task *domain.Task) (time.Time, bool) {
	switch task.Status {
	case domain.StatusStarted:
		if task.StartedAt != nil {
			return *task.StartedAt, true
		}
		return task.UpdatedAt, true
	case domain.StatusRetry:
		if task.NextRetryAt != nil {
			return *task.NextRetryAt, true
		}
		return task.UpdatedAt, true
	case domain.StatusPending:
		return task.UpdatedAt, true
	}
	return time.Time{}, false
}

// reapOne fails one task if it is still stalled. The write only lands if the
// status is unchanged since the read, so a worker that moved the task on in
// between wins.
func (s *Scheduler) reapOne(ctx context.Context, id string, now, cutoff time.Time) (bool, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			return false, s.store.Untrack(ctx, id)
		}
		return false, err
	}
	if task.Status.IsTerminal() {
		return false, s.store.Untrack(ctx, id)
	}
	since, watched := stalledSince(task)
	if !watched || !since.Before(cutoff) {
		return false, nil
	}

	observed := task.Status
	var cause error
	var detail string
	if observed == domain.StatusStarted {
		cause = &domain.TimeoutError{Hard: true, Limit: s.policy.HardTimeLimit}
		detail = "worker stopped reporting before the attempt finished"
	} else {
		cause = &domain.QueueUnavailableError{Err: fmt.Errorf("work item not picked up since %s", since.Format(time.RFC3339))}
	}
	task.Status = domain.StatusFailure
	task.Error = domain.NewTaskError(cause, detail)
	task.NextRetryAt = nil
	task.UpdatedAt = now
	task.CompletedAt = &now

	if err := s.store.PutIf(ctx, task, observed); err != nil {
		var (
			done     *domain.TaskAlreadyProcessedError
			conflict *domain.StatusConflictError
		)
		if errors.As(err, &done) || errors.As(err, &conflict) {
			return false, nil
		}
		return false, err
	}

	if s.audit != nil {
		if err := s.audit.UpsertTask(ctx, task); err != nil {
			s.logger.Warn("failed to persist task audit row", slog.String("task_id", id), slog.String("error", err.Error()))
		}
	}
	telemetry.SchedulerTasksReaped.Inc()
	s.logger.Warn("stale task reaped",
		slog.String("task_id", id),
		slog.String("was", string(observed)),
		slog.Int("attempt", task.AttemptCount),
	)
	return true, nil
}
