package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/zianncupcake/myfoods-backend/pkg/retry"
)

const (
	commitTimeout      = 5 * time.Second
	defaultRewindDelay = time.Second
)

// Message wraps a Kafka message with the fields services need.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Headers []kafka.Header
}

// HandlerFunc processes a single Kafka message.
// Return nil to commit the offset. Return an error to have the message
// delivered again: the consumer retries it, then rewinds to the last
// committed offset rather than skipping past it.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from one or more Kafka topics.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

// reader is the part of *kafka.Reader the consumer uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type consumer struct {
	open   func() reader
	logger *slog.Logger

	handlerRetry retry.Config
	rewindDelay  time.Duration

	mu     sync.Mutex
	reader reader
	closed bool
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*consumer)

// WithHandlerRetry sets how often a failing message is retried in place
// before the consumer rewinds.
func WithHandlerRetry(cfg retry.Config) ConsumerOption {
	return func(c *consumer) { c.handlerRetry = cfg }
}

// WithRewindDelay sets the pause between closing the group reader and
// rejoining the group after a rewind.
func WithRewindDelay(d time.Duration) ConsumerOption {
	return func(c *consumer) { c.rewindDelay = d }
}

// NewConsumer creates a consumer-group reader. A single topic uses the plain
// Topic field; several topics are joined with GroupTopics so one lane can
// serve multiple platforms.
func NewConsumer(brokers, topics []string, groupID string, logger *slog.Logger, opts ...ConsumerOption) Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // manual commit only
		StartOffset:    kafka.FirstOffset,
	}
	if len(topics) == 1 {
		cfg.Topic = topics[0]
	} else {
		cfg.GroupTopics = topics
	}
	return newConsumer(func() reader { return kafka.NewReader(cfg) }, logger, opts...)
}

func newConsumer(open func() reader, logger *slog.Logger, opts ...ConsumerOption) *consumer {
	c := &consumer{
		open:         open,
		logger:       logger,
		handlerRetry: retry.Config{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond},
		rewindDelay:  defaultRewindDelay,
	}
	for _, o := range opts {
		o(c)
	}
	c.reader = open()
	return c
}

// Subscribe fetches messages until ctx is cancelled, committing each offset
// only after the handler succeeds. A message whose handler keeps failing is
// never committed past: the reader is reopened so the group resumes from the
// last committed offset and the message comes back.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	cfg := c.handlerRetry
	cfg.ShouldRetry = func(error) bool { return ctx.Err() == nil }

	for {
		r := c.current()
		if r == nil {
			return nil
		}
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)
		msg := Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Offset:  m.Offset,
			Headers: m.Headers,
		}

		attempt := cfg
		attempt.OnRetry = func(n int, err error) {
			c.logger.Warn("message handler failed, retrying",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.Int("attempt", n),
				slog.String("error", err.Error()),
			)
		}
		err = retry.Do(ctx, attempt, func(context.Context) error { return handler(msgCtx, msg) })
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("message handler failed, rewinding to last committed offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			if !c.rewind(ctx) {
				return nil
			}
			continue
		}

		// A handled message is committed even if ctx was cancelled while the
		// handler ran, so a retiring lane does not leave it for redelivery.
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		err = r.CommitMessages(commitCtx, m)
		cancel()
		if err != nil {
			c.logger.Error("commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// rewind drops the current reader and joins the group again with a new one.
// It reports false if the consumer closed or ctx ended meanwhile.
func (c *consumer) rewind(ctx context.Context) bool {
	c.mu.Lock()
	old := c.reader
	c.reader = nil
	c.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			c.logger.Warn("close kafka reader", slog.String("error", err.Error()))
		}
	}

	t := time.NewTimer(c.rewindDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.reader = c.open()
	return true
}

func (c *consumer) current() reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.reader
}

func (c *consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
