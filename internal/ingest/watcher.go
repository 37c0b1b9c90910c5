// Package ingest connects the driver process to the backend's Kafka topics:
// booking snapshots and request sets flow in through Watchers, committed
// driver writes and location fixes flow out through KafkaProducers.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-queue/internal/models"
	"github.com/example/ride-queue/internal/observability"
)

// MessageReader is the part of *kafka.Reader the watcher uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Sink receives decoded documents; gateway.Local implements it.
type Sink interface {
	Ingest(ctx context.Context, b models.Booking) error
	IngestRequest(ctx context.Context, r models.IncomingRequest) error
}

var errInvalid = errors.New("invalid message")

func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
}

// Watcher consumes one topic and applies each message to the sink.
type Watcher struct {
	reader   MessageReader
	topic    string
	apply    func(ctx context.Context, value []byte) error
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// BookingWatcher applies booking snapshots from topic.
func BookingWatcher(r MessageReader, topic string, sink Sink, logger *slog.Logger) *Watcher {
	return newWatcher(r, topic, logger, func(ctx context.Context, value []byte) error {
		var b models.Booking
		if err := json.Unmarshal(value, &b); err != nil {
			return fmt.Errorf("%w: %v", errInvalid, err)
		}
		if b.ID == "" || !b.Status.Valid() {
			return fmt.Errorf("%w: booking %q status %q", errInvalid, b.ID, b.Status)
		}
		return sink.Ingest(ctx, b)
	})
}

// RequestWatcher applies requests offered by the matching service.
func RequestWatcher(r MessageReader, topic string, sink Sink, logger *slog.Logger) *Watcher {
	return newWatcher(r, topic, logger, func(ctx context.Context, value []byte) error {
		var req models.IncomingRequest
		if err := json.Unmarshal(value, &req); err != nil {
			return fmt.Errorf("%w: %v", errInvalid, err)
		}
		if req.RequestID == "" || req.BookingID == "" || req.DriverID == "" {
			return fmt.Errorf("%w: request %q missing ids", errInvalid, req.RequestID)
		}
		return sink.IngestRequest(ctx, req)
	})
}

func newWatcher(r MessageReader, topic string, logger *slog.Logger, apply func(context.Context, []byte) error) *Watcher {
	return &Watcher{
		reader:   r,
		topic:    topic,
		apply:    apply,
		attempts: 3,
		delay:    200 * time.Millisecond,
		logger:   logger.With("component", "ingest", "topic", topic),
	}
}

// Run reads until ctx is done. Read errors back off from 1s up to 30s.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.reader.Close() }()
	w.logger.Info("ingest_started")

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := w.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("ingest_stopped")
				return
			}
			w.logger.Warn("kafka_read_failed", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		w.handle(ctx, m)
	}
}

func (w *Watcher) handle(ctx context.Context, m kafka.Message) {
	err := applyWithRetry(ctx, func(ctx context.Context) error { return w.apply(ctx, m.Value) }, w.attempts, w.delay)
	switch {
	case err == nil:
		observability.IngestMessages.WithLabelValues(w.topic, "applied").Inc()
	case errors.Is(err, errInvalid):
		observability.IngestMessages.WithLabelValues(w.topic, "invalid").Inc()
		w.logger.Warn("ingest_invalid_message", "offset", m.Offset, "error", err)
	default:
		observability.IngestMessages.WithLabelValues(w.topic, "failed").Inc()
		w.logger.Error("ingest_apply_failed", "offset", m.Offset, "key", string(m.Key), "error", err)
	}
}

// applyWithRetry retries transient failures with doubling delay.
func applyWithRetry(ctx context.Context, fn func(context.Context) error, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, models.ErrTransient) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
