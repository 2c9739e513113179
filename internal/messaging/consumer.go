package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var consumerTracer = otel.Tracer("messaging/consumer")

// Handler processes one message payload. Returning an error wrapped with
// Permanent skips the message without retrying it.
type Handler func(ctx context.Context, payload []byte) error

func Permanent(err error) error {
	return backoff.Permanent(err)
}

type Consumer struct {
	reader    *kafka.Reader
	topic     string
	groupID   string
	eventType string
	retry     retryPolicy
	logger    *slog.Logger
}

type retryPolicy struct {
	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration
}

type consumerConfig struct {
	reader kafka.ReaderConfig
	retry  retryPolicy
	logger *slog.Logger
}

type ConsumerOption func(*consumerConfig)

func WithStartOffset(offset int64) ConsumerOption {
	return func(cfg *consumerConfig) {
		cfg.reader.StartOffset = offset
	}
}

func WithRetry(maxRetries uint64, initial, maxInterval time.Duration) ConsumerOption {
	return func(cfg *consumerConfig) {
		cfg.retry = retryPolicy{maxRetries: maxRetries, initialInterval: initial, maxInterval: maxInterval}
	}
}

func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(cfg *consumerConfig) {
		cfg.logger = logger
	}
}

// NewConsumer reads events of eventType from topic as part of groupID.
// Messages whose event-type header names another type are committed
// unprocessed.
func NewConsumer(brokers []string, topic, groupID, eventType string, opts ...ConsumerOption) *Consumer {
	cfg := consumerConfig{
		reader: kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		},
		retry: retryPolicy{
			maxRetries:      5,
			initialInterval: 200 * time.Millisecond,
			maxInterval:     5 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return &Consumer{
		reader:    kafka.NewReader(cfg.reader),
		topic:     topic,
		groupID:   groupID,
		eventType: eventType,
		retry:     cfg.retry,
		logger:    cfg.logger,
	}
}

// Consume blocks until ctx is cancelled or the reader fails. A message that
// still fails after all retries is logged and committed so one bad event
// cannot stall the partition.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if err := c.deliver(ctx, msg, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("dropping message after failed delivery", "error", err,
				"topic", c.topic, "partition", msg.Partition, "offset", msg.Offset, "key", string(msg.Key))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, msg kafka.Message, handler Handler) error {
	if eventType := header(&msg, EventTypeHeader); eventType != "" && eventType != c.eventType {
		c.logger.Debug("skipping foreign event", "event_type", eventType, "offset", msg.Offset)
		return nil
	}

	parentCtx := otel.GetTextMapPropagator().Extract(ctx, NewHeaderCarrier(&msg))

	spanCtx, span := consumerTracer.Start(parentCtx, "process "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.topic),
			semconv.MessagingKafkaConsumerGroup(c.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(string(msg.Key)),
		),
	)
	defer span.End()

	attempt := 0
	operation := func() error {
		attempt++
		err := handler(spanCtx, msg.Value)
		if err != nil && !IsPermanent(err) {
			c.logger.Warn("message handler failed", "error", err, "attempt", attempt, "offset", msg.Offset)
		}
		return err
	}

	if err := backoff.Retry(operation, c.backOff(ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (c *Consumer) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.initialInterval
	b.MaxInterval = c.retry.maxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, c.retry.maxRetries), ctx)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
