// Package natstransport implements the bus transport on NATS JetStream.
// It exists alongside the stream-log and AMQP adapters to prove the
// transport seam: the dispatch and retry engine is unchanged when a new
// backend is added.
package natstransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/chattercraft/eventbus/internal/event"
	"github.com/chattercraft/eventbus/internal/logging"
	"github.com/chattercraft/eventbus/internal/metrics"
	"github.com/chattercraft/eventbus/internal/transport"
)

const backendName = "nats_jetstream"

const (
	eventSubjectPrefix = "events."
	retrySubject       = "events_retry.pending"
	dlqSubjectPrefix   = "events_dlq."
)

// Config holds NATS connection and stream topology settings.
type Config struct {
	// URL is the NATS server URL (nats://host:4222).
	URL string

	// Name identifies this client on the connection.
	Name string

	// StreamName, RetryStreamName and DLQStreamName are the JetStream
	// streams backing the primary log, retry log and dead letter sink.
	StreamName      string
	RetryStreamName string
	DLQStreamName   string

	// Consumer and RetryConsumer are the durable consumer names.
	Consumer      string
	RetryConsumer string

	// AckWait is the redelivery window for unacknowledged messages.
	AckWait time.Duration

	// BatchSize caps messages fetched per pull.
	BatchSize int

	// FetchWait bounds each pull; the consume loop checks ctx in between.
	FetchWait time.Duration
}

// DefaultConfig returns the standard topology.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		Name:            "eventbus",
		StreamName:      "EVENTS",
		RetryStreamName: "EVENTS_RETRY",
		DLQStreamName:   "EVENTS_DLQ",
		Consumer:        "event_processors",
		RetryConsumer:   "retry_processors",
		AckWait:         30 * time.Second,
		BatchSize:       10,
		FetchWait:       2 * time.Second,
	}
}

// Transport is the NATS JetStream backend adapter.
type Transport struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  Config
	log  *logging.Logger

	consumer      jetstream.Consumer
	retryConsumer jetstream.Consumer
	dlqStream     jetstream.Stream
}

// New connects to NATS and provisions streams and durable consumers.
func New(ctx context.Context, cfg Config, log *logging.Logger) (*Transport, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	t := &Transport{
		conn: conn,
		js:   js,
		cfg:  cfg,
		log:  log.With("backend", backendName),
	}

	if err := t.provision(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return t, nil
}

func (t *Transport) Name() string { return backendName }

// provision creates or updates the streams and durable consumers.
func (t *Transport) provision(ctx context.Context) error {
	stream, err := t.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      t.cfg.StreamName,
		Subjects:  []string{eventSubjectPrefix + ">"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", t.cfg.StreamName, err)
	}

	t.consumer, err = stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:      t.cfg.Consumer,
		Durable:   t.cfg.Consumer,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   t.cfg.AckWait,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", t.cfg.Consumer, err)
	}

	retryStream, err := t.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      t.cfg.RetryStreamName,
		Subjects:  []string{"events_retry.>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", t.cfg.RetryStreamName, err)
	}

	t.retryConsumer, err = retryStream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:      t.cfg.RetryConsumer,
		Durable:   t.cfg.RetryConsumer,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   t.cfg.AckWait,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", t.cfg.RetryConsumer, err)
	}

	t.dlqStream, err = t.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     t.cfg.DLQStreamName,
		Subjects: []string{dlqSubjectPrefix + ">"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", t.cfg.DLQStreamName, err)
	}

	return nil
}

// Publish appends the event to the primary stream under its routing key.
func (t *Transport) Publish(ctx context.Context, evt *event.Event) error {
	data, err := evt.Encode()
	if err != nil {
		return err
	}
	if _, err := t.js.Publish(ctx, eventSubjectPrefix+evt.Metadata.RoutingKey, data); err != nil {
		metrics.ConnectionFailures.WithLabelValues(backendName).Inc()
		return fmt.Errorf("publish event %s: %w", evt.Metadata.EventID, err)
	}
	return nil
}

// PublishRetry appends the event to the retry stream.
func (t *Transport) PublishRetry(ctx context.Context, evt *event.Event) error {
	data, err := evt.Encode()
	if err != nil {
		return err
	}
	if _, err := t.js.Publish(ctx, retrySubject, data); err != nil {
		metrics.ConnectionFailures.WithLabelValues(backendName).Inc()
		return fmt.Errorf("publish retry entry %s: %w", evt.Metadata.EventID, err)
	}
	return nil
}

// PublishDeadLetter appends a terminal failure record to the DLQ stream.
// Subject format: events_dlq.<reason>.
func (t *Transport) PublishDeadLetter(ctx context.Context, evt *event.Event, reason string) error {
	rec := transport.DeadLetter{
		Event:    evt,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead letter for %s: %w", evt.Metadata.EventID, err)
	}
	if _, err := t.js.Publish(ctx, dlqSubjectPrefix+reason, data); err != nil {
		metrics.ConnectionFailures.WithLabelValues(backendName).Inc()
		return fmt.Errorf("publish dead letter for %s: %w", evt.Metadata.EventID, err)
	}
	return nil
}

// Consume pulls from the durable consumer and delivers messages to fn.
// Messages are acked after fn returns; undecodable messages are terminated
// so JetStream stops redelivering them.
func (t *Transport) Consume(ctx context.Context, fn transport.ProcessFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgs, err := t.consumer.Fetch(t.cfg.BatchSize, jetstream.FetchMaxWait(t.cfg.FetchWait))
		if err != nil {
			metrics.ConnectionFailures.WithLabelValues(backendName).Inc()
			return fmt.Errorf("fetch from %s: %w", t.cfg.StreamName, err)
		}

		for msg := range msgs.Messages() {
			t.deliver(ctx, msg, fn)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			t.log.Warn("fetch completed with error", "error", err)
		}
	}
}

func (t *Transport) deliver(ctx context.Context, msg jetstream.Msg, fn transport.ProcessFunc) {
	evt, err := event.Decode(msg.Data())
	if err != nil {
		metrics.CodecErrors.WithLabelValues(backendName).Inc()
		t.log.Error("terminating undecodable message", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}

	err = fn(ctx, evt)
	switch {
	case err == nil, errors.Is(err, transport.ErrProcessingFailed):
		// Retryable failures are tracked in the retry stream, so the
		// original message is acked either way.
		_ = msg.Ack()
	default:
		// The engine could not route the failure anywhere; nak so
		// JetStream redelivers instead of dropping the event.
		t.log.Error("event processing error, redelivering", "event_id", evt.Metadata.EventID, "error", err)
		_ = msg.Nak()
	}
}

// ScanRetries performs one pull over the retry stream.
func (t *Transport) ScanRetries(ctx context.Context, fn transport.RetryFunc) error {
	msgs, err := t.retryConsumer.Fetch(t.cfg.BatchSize, jetstream.FetchMaxWait(250*time.Millisecond))
	if err != nil {
		metrics.ConnectionFailures.WithLabelValues(backendName).Inc()
		return fmt.Errorf("fetch from %s: %w", t.cfg.RetryStreamName, err)
	}

	for msg := range msgs.Messages() {
		evt, decErr := event.Decode(msg.Data())
		if decErr != nil {
			metrics.CodecErrors.WithLabelValues(backendName).Inc()
			t.log.Error("terminating undecodable retry entry", "subject", msg.Subject(), "error", decErr)
			_ = msg.Term()
			continue
		}

		if !fn(ctx, evt) {
			if reqErr := t.PublishRetry(ctx, evt); reqErr != nil {
				t.log.Error("requeue retry entry", "event_id", evt.Metadata.EventID, "error", reqErr)
				_ = msg.Nak()
				continue
			}
		}
		_ = msg.Ack()
	}
	return nil
}

// ListDeadLetters reads recent dead letter records through an ephemeral
// consumer without consuming them.
func (t *Transport) ListDeadLetters(ctx context.Context, limit int) ([]transport.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	consumer, err := t.dlqStream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: dlqSubjectPrefix + ">",
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create dlq reader: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch dead letters: %w", err)
	}

	var records []transport.DeadLetter
	for msg := range msgs.Messages() {
		var rec transport.DeadLetter
		if err := json.Unmarshal(msg.Data(), &rec); err != nil {
			t.log.Error("skipping undecodable dead letter", "subject", msg.Subject(), "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeadLetterDepth returns the number of records in the DLQ stream.
func (t *Transport) DeadLetterDepth(ctx context.Context) (int64, error) {
	info, err := t.dlqStream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("inspect %s: %w", t.cfg.DLQStreamName, err)
	}
	return int64(info.State.Msgs), nil
}

// HealthCheck verifies the NATS connection.
func (t *Transport) HealthCheck(ctx context.Context) error {
	if !t.conn.IsConnected() {
		return fmt.Errorf("not connected to nats")
	}
	return nil
}

// Close drains and closes the NATS connection.
func (t *Transport) Close() error {
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return err
	}
	return nil
}
