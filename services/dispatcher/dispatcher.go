package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
	"github.com/zianncupcake/myfoods-backend/internal/kafka"
	redisstore "github.com/zianncupcake/myfoods-backend/internal/redis"
	"github.com/zianncupcake/myfoods-backend/pkg/retry"
	"github.com/zianncupcake/myfoods-backend/pkg/telemetry"
)

// GroupID is the consumer group shared by every dispatcher instance.
const GroupID = "dispatcher-group"

// DLQ reasons, also used as metric labels.
const (
	reasonMalformed   = "malformed"
	reasonUnsupported = "unsupported_platform"
	reasonUnknownTask = "unknown_task"
)

// Dispatcher consumes scrape.pending and routes each work item to the worker
// topic of its platform.
type Dispatcher struct {
	consumer kafka.Consumer
	producer kafka.Producer
	store    redisstore.RecordStore
	limiter  redisstore.RateLimiter // nil = disabled
	logger   *slog.Logger

	throttleWait time.Duration
	publishRetry retry.Config
	now          func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPlatformLimiter paces routing per platform. Items over the limit wait
// for a free slot instead of being dropped.
func WithPlatformLimiter(l redisstore.RateLimiter, wait time.Duration) Option {
	return func(d *Dispatcher) {
		d.limiter = l
		if wait > 0 {
			d.throttleWait = wait
		}
	}
}

// WithPublishRetry overrides the retry applied to worker-topic publishes.
func WithPublishRetry(cfg retry.Config) Option {
	return func(d *Dispatcher) { d.publishRetry = cfg }
}

func NewDispatcher(
	consumer kafka.Consumer,
	producer kafka.Producer,
	store redisstore.RecordStore,
	logger *slog.Logger,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		consumer:     consumer,
		producer:     producer,
		store:        store,
		logger:       logger,
		throttleWait: 100 * time.Millisecond,
		publishRetry: retry.Config{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond},
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run starts consuming. Blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.consumer.Subscribe(ctx, d.route)
}

func (d *Dispatcher) route(ctx context.Context, msg kafka.Message) error {
	ctx, span := telemetry.Tracer("dispatcher").Start(ctx, "dispatcher.route")
	defer span.End()

	var item domain.WorkItem
	if err := json.Unmarshal(msg.Value, &item); err != nil || item.TaskID == "" || item.SourceURL == "" {
		if err == nil {
			err = errors.New("work item missing task_id or source_url")
		}
		d.logger.Error("malformed message, sending to DLQ", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed message")
		return d.toDLQ(ctx, string(msg.Key), msg.Value, reasonMalformed)
	}

	// Classification at dispatch is authoritative; the submitter's guess
	// may predate a platform being added.
	item.Platform = domain.ClassifyURL(item.SourceURL)

	span.SetAttributes(
		attribute.String("task.id", item.TaskID),
		attribute.String("task.platform", string(item.Platform)),
		attribute.Int("task.attempt", item.Attempt),
	)
	log := d.logger.With(
		slog.String("task_id", item.TaskID),
		slog.String("platform", string(item.Platform)),
		slog.Int("attempt", item.Attempt),
	)

	task, err := d.store.Get(ctx, item.TaskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			log.Warn("no record for work item, sending to DLQ")
			return d.toDLQ(ctx, item.TaskID, msg.Value, reasonUnknownTask)
		}
		span.RecordError(err)
		return fmt.Errorf("read task %s: %w", item.TaskID, err)
	}
	if task.Status.IsTerminal() {
		log.Info("task already terminal, dropping work item", slog.String("status", string(task.Status)))
		return nil
	}

	if item.Platform == domain.PlatformUnknown {
		span.SetStatus(codes.Error, "unsupported platform")
		if err := d.failUnsupported(ctx, task, log); err != nil {
			span.RecordError(err)
			return err
		}
		return d.toDLQ(ctx, item.TaskID, msg.Value, reasonUnsupported)
	}

	if err := d.waitForSlot(ctx, item.Platform, log); err != nil {
		return err
	}

	target := kafka.WorkerTopic(item.Platform)
	err = retry.Do(ctx, d.publishRetry, func(ctx context.Context) error {
		return kafka.PublishJSON(ctx, d.producer, target, item.TaskID, item)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "kafka publish failed")
		// Transient Kafka error: return it so the offset is not committed.
		return fmt.Errorf("publish to %s: %w", target, err)
	}

	telemetry.DispatcherRouted.WithLabelValues(string(item.Platform)).Inc()
	log.Info("work item routed", slog.String("topic", target))
	return nil
}

// waitForSlot blocks until the platform limiter admits one more item. A
// limiter failure admits the item rather than stalling the pipeline.
func (d *Dispatcher) waitForSlot(ctx context.Context, p domain.Platform, log *slog.Logger) error {
	if d.limiter == nil {
		return nil
	}
	for {
		allowed, err := d.limiter.Allow(ctx, "platform:"+string(p))
		if err != nil {
			log.Error("rate limiter error", slog.String("error", err.Error()))
			return nil
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.throttleWait):
		}
	}
}

// failUnsupported records the terminal failure. A write error is returned so
// the work item is delivered again instead of leaving the task PENDING.
func (d *Dispatcher) failUnsupported(ctx context.Context, task *domain.Task, log *slog.Logger) error {
	cause := &domain.TerminalError{
		Msg: "Unsupported platform",
		Err: &domain.UnsupportedPlatformError{URL: task.SourceURL},
	}
	prev := task.Status
	now := d.now()
	task.Platform = domain.PlatformUnknown
	task.Status = domain.StatusFailure
	task.Error = domain.NewTaskError(cause, "")
	task.UpdatedAt = now
	task.CompletedAt = &now

	if err := d.store.PutIf(ctx, task, prev); err != nil {
		var (
			done     *domain.TaskAlreadyProcessedError
			conflict *domain.StatusConflictError
		)
		if errors.As(err, &done) || errors.As(err, &conflict) {
			log.Info("task moved on before it could be failed", slog.String("error", err.Error()))
			return nil
		}
		return fmt.Errorf("record unsupported platform for %s: %w", task.ID, err)
	}
	log.Warn("unsupported platform, task failed")
	return nil
}

// toDLQ publishes a raw message to the dead-letter topic.
func (d *Dispatcher) toDLQ(ctx context.Context, key string, payload []byte, reason string) error {
	telemetry.DispatcherDLQTotal.WithLabelValues(reason).Inc()
	if err := d.producer.Publish(ctx, kafka.DLQTopic, key, payload); err != nil {
		d.logger.Error("failed to publish to DLQ",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
