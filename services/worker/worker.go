package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
	"github.com/zianncupcake/myfoods-backend/internal/executor"
	"github.com/zianncupcake/myfoods-backend/internal/kafka"
	"github.com/zianncupcake/myfoods-backend/internal/postgres"
	redisstore "github.com/zianncupcake/myfoods-backend/internal/redis"
	"github.com/zianncupcake/myfoods-backend/internal/supervisor"
	"github.com/zianncupcake/myfoods-backend/pkg/retry"
	"github.com/zianncupcake/myfoods-backend/pkg/telemetry"
)

// GroupID is the consumer group shared by every worker lane.
const GroupID = "worker-group"

// Lane rotation causes, also used as metric labels.
const (
	causeMaxTasks  = "max_tasks"
	causeMaxMemory = "max_memory"
)

// Executor runs one scrape attempt.
type Executor interface {
	Execute(ctx context.Context, item domain.WorkItem) executor.Outcome
}

// Lane is everything one lane owns until it retires.
type Lane struct {
	Consumer kafka.Consumer
	Executor Executor
	// Release frees the rest of the lane's resources (HTTP transports,
	// scrapers). May be nil.
	Release func() error
}

// LaneFactory builds a fresh lane. It is called again every time a lane
// retires.
type LaneFactory func() (*Lane, error)

// Worker runs scrape attempts from the platform topics and records every
// outcome in the TaskRecord store.
type Worker struct {
	workerID string
	newLane  LaneFactory
	store    redisstore.RecordStore
	retries  redisstore.RetryQueue
	producer kafka.Producer
	audit    postgres.AuditRepository
	policy   domain.RetryPolicy
	sup      *supervisor.Supervisor
	logger   *slog.Logger

	concurrency int
	maxTasks    int
	maxMemoryMB int
	storeRetry  retry.Config
	now         func() time.Time
	heapBytes   func() uint64
}

// Option configures a Worker.
type Option func(*Worker)

func WithConcurrency(n int) Option          { return func(w *Worker) { w.concurrency = n } }
func WithMaxTasksPerLane(n int) Option      { return func(w *Worker) { w.maxTasks = n } }
func WithMaxMemoryMB(mb int) Option         { return func(w *Worker) { w.maxMemoryMB = mb } }
func WithStoreRetry(c retry.Config) Option  { return func(w *Worker) { w.storeRetry = c } }
func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }
func WithAudit(repo postgres.AuditRepository) Option {
	return func(w *Worker) { w.audit = repo }
}

// NewWorker constructs a Worker. producer receives failed work items on the
// dead-letter topic and may be nil.
func NewWorker(
	workerID string,
	newLane LaneFactory,
	store redisstore.RecordStore,
	retries redisstore.RetryQueue,
	producer kafka.Producer,
	policy domain.RetryPolicy,
	logger *slog.Logger,
	opts ...Option,
) *Worker {
	w := &Worker{
		workerID:    workerID,
		newLane:     newLane,
		store:       store,
		retries:     retries,
		producer:    producer,
		policy:      policy,
		logger:      logger,
		concurrency: 1,
		maxTasks:    5,
		maxMemoryMB: 400,
		storeRetry:  retry.Config{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond},
		now:         func() time.Time { return time.Now().UTC() },
		heapBytes: func() uint64 {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.HeapAlloc
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.sup = supervisor.New(policy, logger)
	return w
}

// Run starts the lanes and blocks until ctx is cancelled or a lane cannot be
// rebuilt. In-flight attempts finish (or hit their time limit) before Run
// returns.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range max(w.concurrency, 1) {
		g.Go(func() error { return w.runLane(gctx, i) })
	}
	return g.Wait()
}

func (w *Worker) runLane(ctx context.Context, idx int) error {
	log := w.logger.With(slog.Int("lane", idx))
	for ctx.Err() == nil {
		lane, err := w.newLane()
		if err != nil {
			return fmt.Errorf("build lane %d: %w", idx, err)
		}
		cause, err := w.serveLane(ctx, lane)
		w.retire(lane, log)
		if err != nil {
			return fmt.Errorf("lane %d: %w", idx, err)
		}
		if cause == "" {
			return nil
		}
		telemetry.WorkerLaneRotations.WithLabelValues(cause).Inc()
		log.Info("lane retired, starting a fresh one", slog.String("cause", cause))
	}
	return nil
}

// serveLane consumes with one lane until ctx ends or the lane reaches a
// rotation limit. It returns the rotation cause, or "" on shutdown.
func (w *Worker) serveLane(ctx context.Context, lane *Lane) (string, error) {
	laneCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handled := 0
	cause := ""
	err := lane.Consumer.Subscribe(laneCtx, func(msgCtx context.Context, msg kafka.Message) error {
		err := w.processMessage(msgCtx, lane.Executor, msg)
		handled++
		if c := w.retireCause(handled); c != "" {
			cause = c
			cancel()
		}
		return err
	})
	if ctx.Err() != nil {
		return "", nil
	}
	return cause, err
}

func (w *Worker) retireCause(handled int) string {
	if w.maxTasks > 0 && handled >= w.maxTasks {
		return causeMaxTasks
	}
	if w.maxMemoryMB > 0 && w.heapBytes() > uint64(w.maxMemoryMB)<<20 {
		return causeMaxMemory
	}
	return ""
}

func (w *Worker) retire(lane *Lane, log *slog.Logger) {
	if err := lane.Consumer.Close(); err != nil {
		log.Warn("close lane consumer", slog.String("error", err.Error()))
	}
	if lane.Release != nil {
		if err := lane.Release(); err != nil {
			log.Warn("release lane resources", slog.String("error", err.Error()))
		}
	}
	debug.FreeOSMemory()
}

// processMessage is the Kafka HandlerFunc for one lane. It returns an error
// only when the work item must be redelivered: the record could not be read
// or written, or shutdown interrupted the attempt.
func (w *Worker) processMessage(ctx context.Context, exec Executor, msg kafka.Message) error {
	var item domain.WorkItem
	if err := json.Unmarshal(msg.Value, &item); err != nil || item.TaskID == "" || item.SourceURL == "" {
		if err == nil {
			err = errors.New("work item missing task_id or source_url")
		}
		w.logger.Error("malformed work item, discarding",
			slog.String("error", err.Error()),
			slog.String("raw", string(msg.Value)),
		)
		w.toDLQ(ctx, string(msg.Key), msg.Value)
		return nil
	}
	if item.Platform == "" {
		item.Platform = domain.ClassifyURL(item.SourceURL)
	}
	if item.Attempt < 1 {
		item.Attempt = 1
	}

	ctx, span := telemetry.Tracer("worker").Start(ctx, "worker.process_item")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", item.TaskID),
		attribute.String("task.platform", string(item.Platform)),
		attribute.Int("task.attempt", item.Attempt),
		attribute.String("worker.id", w.workerID),
	)

	log := w.logger.With(
		slog.String("task_id", item.TaskID),
		slog.String("platform", string(item.Platform)),
		slog.String("worker_id", w.workerID),
		slog.Int("attempt", item.Attempt),
	)

	task, err := w.store.Get(ctx, item.TaskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			log.Warn("no record for work item, discarding")
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("read task %s: %w", item.TaskID, err)
	}
	if task.Status.IsTerminal() {
		log.Info("task already terminal, skipping", slog.String("status", string(task.Status)))
		return nil
	}
	// A RETRY record only accepts the attempt that was scheduled after it.
	// Anything older is a redelivered duplicate of a finished attempt.
	if item.Attempt < task.AttemptCount ||
		(task.Status == domain.StatusRetry && item.Attempt <= task.AttemptCount) {
		log.Info("stale work item, skipping",
			slog.Int("recorded_attempt", task.AttemptCount),
			slog.String("status", string(task.Status)),
		)
		return nil
	}

	prev := task.Status
	started := w.now()
	item.Deadline = started.Add(w.policy.HardTimeLimit)
	task.Platform = item.Platform
	task.Status = domain.StatusStarted
	task.AttemptCount = item.Attempt
	task.StartedAt = &started
	task.NextRetryAt = nil
	task.UpdatedAt = started
	if err := w.put(ctx, task, prev); err != nil {
		if isSuperseded(err) {
			log.Info("task moved on before the attempt started", slog.String("error", err.Error()))
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("record STARTED for %s: %w", item.TaskID, err)
	}

	platform := string(item.Platform)
	telemetry.WorkerInFlight.WithLabelValues(platform).Inc()
	begin := time.Now()
	out := w.sup.Run(ctx, func(attemptCtx context.Context) executor.Outcome {
		return exec.Execute(attemptCtx, item)
	})
	elapsed := time.Since(begin)
	telemetry.WorkerInFlight.WithLabelValues(platform).Dec()
	telemetry.WorkerAttemptSeconds.WithLabelValues(platform).Observe(elapsed.Seconds())

	if out.State != executor.StateSucceeded && ctx.Err() != nil {
		log.Warn("attempt interrupted by shutdown, leaving work item for redelivery")
		return fmt.Errorf("attempt for %s interrupted: %w", item.TaskID, ctx.Err())
	}

	// The attempt is over; its outcome is recorded even if shutdown starts now.
	writeCtx := context.WithoutCancel(ctx)
	d := w.sup.Decide(item.Attempt, out, w.now())
	if d.Action != supervisor.Complete {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, d.Error.Message)
	}
	return w.finish(writeCtx, task, item, out, d, elapsed, log)
}

func (w *Worker) finish(
	ctx context.Context,
	task *domain.Task,
	item domain.WorkItem,
	out executor.Outcome,
	d supervisor.Decision,
	elapsed time.Duration,
	log *slog.Logger,
) error {
	now := w.now()
	task.Status = d.Status
	task.UpdatedAt = now

	switch d.Action {
	case supervisor.Complete:
		raw, err := json.Marshal(out.Result)
		if err != nil {
			task.Status = domain.StatusFailure
			task.Error = domain.NewTaskError(&domain.TerminalError{Msg: "Unencodable result", Err: err}, "")
		} else {
			task.Result = raw
			task.Error = nil
		}
		task.CompletedAt = &now
	case supervisor.Retry:
		task.Error = d.Error
		task.NextRetryAt = &d.RetryAt
	case supervisor.Fail:
		task.Error = d.Error
		task.CompletedAt = &now
	}

	if err := w.put(ctx, task, domain.StatusStarted); err != nil {
		if isSuperseded(err) {
			log.Warn("task closed elsewhere while the attempt ran, outcome dropped",
				slog.String("outcome", string(task.Status)),
				slog.String("error", err.Error()),
			)
			return nil
		}
		return fmt.Errorf("record %s for %s: %w", task.Status, task.ID, err)
	}

	if task.Status == domain.StatusRetry {
		w.scheduleRetry(ctx, task, item, d.RetryAt, log)
	}
	if task.Status == domain.StatusFailure {
		if payload, err := json.Marshal(item); err == nil {
			w.toDLQ(ctx, item.TaskID, payload)
		}
	}

	w.recordAudit(ctx, task, item, elapsed, log)
	telemetry.WorkerAttempts.WithLabelValues(string(item.Platform), string(task.Status)).Inc()

	attrs := []any{
		slog.String("status", string(task.Status)),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	}
	switch task.Status {
	case domain.StatusSuccess:
		log.Info("task completed", attrs...)
	case domain.StatusRetry:
		log.Warn("attempt failed, retry scheduled",
			append(attrs, slog.String("error", task.Error.Message), slog.Time("retry_at", d.RetryAt))...)
	default:
		log.Error("task failed", append(attrs, slog.String("error", task.Error.Message))...)
	}
	return nil
}

// scheduleRetry hands the next attempt to the retry queue. If the queue
// cannot take it the task is failed rather than left in RETRY forever.
func (w *Worker) scheduleRetry(ctx context.Context, task *domain.Task, item domain.WorkItem, at time.Time, log *slog.Logger) {
	next := item.Next(w.now())
	err := retry.Do(ctx, w.storeRetry, func(ctx context.Context) error {
		return w.retries.Schedule(ctx, next, at)
	})
	if err == nil {
		return
	}
	log.Error("failed to schedule retry, failing task", slog.String("error", err.Error()))

	now := w.now()
	task.Status = domain.StatusFailure
	task.Error = domain.NewTaskError(&domain.QueueUnavailableError{Err: err}, "")
	task.NextRetryAt = nil
	task.UpdatedAt = now
	task.CompletedAt = &now
	if err := w.put(ctx, task, domain.StatusRetry); err != nil {
		log.Error("failed to record FAILURE after lost retry", slog.String("error", err.Error()))
	}
}

func (w *Worker) recordAudit(ctx context.Context, task *domain.Task, item domain.WorkItem, elapsed time.Duration, log *slog.Logger) {
	if w.audit == nil {
		return
	}
	exec := &domain.TaskExecution{
		TaskID:     task.ID,
		WorkerID:   w.workerID,
		Attempt:    item.Attempt,
		Status:     task.Status,
		DurationMs: elapsed.Milliseconds(),
		ExecutedAt: task.UpdatedAt,
	}
	if task.Error != nil {
		exec.ErrorKind = task.Error.Kind
		exec.Error = task.Error.Message
	}
	if err := w.audit.RecordAttempt(ctx, exec); err != nil {
		log.Error("failed to record attempt", slog.String("error", err.Error()))
	}
	if err := w.audit.UpsertTask(ctx, task); err != nil {
		log.Error("failed to update audit row", slog.String("error", err.Error()))
	}
}

// put writes task with short retries, provided the stored status is still
// expected. A terminal or superseded record is never retried.
func (w *Worker) put(ctx context.Context, task *domain.Task, expected domain.Status) error {
	cfg := w.storeRetry
	cfg.ShouldRetry = func(err error) bool { return !isSuperseded(err) }
	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		return w.store.PutIf(ctx, task, expected)
	})
}

func (w *Worker) toDLQ(ctx context.Context, key string, payload []byte) {
	if w.producer == nil {
		return
	}
	if err := w.producer.Publish(ctx, kafka.DLQTopic, key, payload); err != nil {
		w.logger.Error("failed to publish to DLQ", slog.String("task_id", key), slog.String("error", err.Error()))
	}
}

// isSuperseded reports whether a write lost to another writer: the task is
// terminal or no longer in the status this worker read.
func isSuperseded(err error) bool {
	var (
		done     *domain.TaskAlreadyProcessedError
		conflict *domain.StatusConflictError
	)
	return errors.As(err, &done) || errors.As(err, &conflict)
}
