// Package redisstream implements the stream-log transport on Redis Streams.
// Events are appended to a primary stream consumed through a consumer group,
// with companion retry and dead letter streams sharing the same shape.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chattercraft/eventbus/internal/event"
	"github.com/chattercraft/eventbus/internal/logging"
	"github.com/chattercraft/eventbus/internal/metrics"
	"github.com/chattercraft/eventbus/internal/transport"
)

// dataField holds the JSON wire envelope inside each stream entry.
const dataField = "data"

// Config holds Redis connection and stream topology settings.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Password for authentication (optional).
	Password string

	// DB is the Redis database number.
	DB int

	// Stream is the primary event log name.
	Stream string

	// RetryStream holds events awaiting delayed redelivery.
	RetryStream string

	// DLQStream holds terminal failure records.
	DLQStream string

	// Group is the consumer group on the primary stream.
	Group string

	// RetryGroup is the consumer group used by the retry scanner.
	RetryGroup string

	// BlockTimeout bounds each blocking read; the consume loop checks ctx
	// between reads.
	BlockTimeout time.Duration

	// BatchSize is the maximum entries claimed per read.
	BatchSize int

	// MaxLen approximately caps stream length. Zero disables trimming.
	MaxLen int64

	// ClaimMinIdle is the idle time after which a pending entry abandoned
	// by another consumer (crash, unacked failure) is claimed and
	// redelivered.
	ClaimMinIdle time.Duration
}

// DefaultConfig returns the standard topology from the bus wire contract.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		Stream:       "events",
		RetryStream:  "events_retry",
		DLQStream:    "events_dlq",
		Group:        "event_processors",
		RetryGroup:   "retry_processors",
		BlockTimeout: 2 * time.Second,
		BatchSize:    10,
		MaxLen:       100000,
		ClaimMinIdle: 30 * time.Second,
	}
}

// Transport is the Redis Streams backend adapter.
type Transport struct {
	client   *redis.Client
	cfg      Config
	consumer string
	log      *logging.Logger
}

// New connects to Redis and ensures the consumer groups exist.
func New(ctx context.Context, cfg Config, log *logging.Logger) (*Transport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	host, _ := os.Hostname()
	t := &Transport{
		client:   client,
		cfg:      cfg,
		consumer: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		log:      log.With("backend", backendName),
	}

	if err := t.ensureGroup(ctx, cfg.Stream, cfg.Group); err != nil {
		return nil, err
	}
	if err := t.ensureGroup(ctx, cfg.RetryStream, cfg.RetryGroup); err != nil {
		return nil, err
	}

	return t, nil
}

const backendName = "redis_stream"

func (t *Transport) Name() string { return backendName }

// ensureGroup creates the consumer group, tolerating an existing one.
func (t *Transport) ensureGroup(ctx context.Context, stream, group string) error {
	err := t.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Publish appends the event to the primary stream.
func (t *Transport) Publish(ctx context.Context, evt *event.Event) error {
	return t.append(ctx, t.cfg.Stream, evt)
}

// PublishRetry appends the event to the retry stream.
func (t *Transport) PublishRetry(ctx context.Context, evt *event.Event) error {
	return t.append(ctx, t.cfg.RetryStream, evt)
}

func (t *Transport) append(ctx context.Context, stream string, evt *event.Event) error {
	data, err := evt.Encode()
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{dataField: string(data)},
	}
	if t.cfg.MaxLen > 0 {
		args.MaxLen = t.cfg.MaxLen
		args.Approx = true
	}

	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		metrics.ConnectionFailures.WithLabelValues(backendName).Inc()
		return fmt.Errorf("append event %s to %s: %w", evt.Metadata.EventID, stream, err)
	}
	return nil
}

// PublishDeadLetter appends a terminal failure record to the DLQ stream.
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

	args := &redis.XAddArgs{
		Stream: t.cfg.DLQStream,
		Values: map[string]any{
			dataField: string(data),
			"reason":  reason,
		},
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		metrics.ConnectionFailures.WithLabelValues(backendName).Inc()
		return fmt.Errorf("append dead letter for %s: %w", evt.Metadata.EventID, err)
	}
	return nil
}

// Consume reads from the primary stream through the consumer group and
// delivers entries to fn. Successful and retryable outcomes ack the entry
// (retryable failures live on in the retry stream, not here); unexpected
// failures leave it pending for the claim pass to redeliver.
func (t *Transport) Consume(ctx context.Context, fn transport.ProcessFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := t.claimAbandoned(ctx, fn); err != nil {
			return err
		}

		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.cfg.Group,
			Consumer: t.consumer,
			Streams:  []string{t.cfg.Stream, ">"},
			Count:    int64(t.cfg.BatchSize),
			Block:    t.cfg.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.ConnectionFailures.WithLabelValues(backendName).Inc()
			return fmt.Errorf("read from %s: %w", t.cfg.Stream, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				t.deliver(ctx, msg, fn)
			}
		}
	}
}

// claimAbandoned takes over entries left pending past ClaimMinIdle by
// consumers that crashed or hit an unexpected processing failure, and
// redelivers them.
func (t *Transport) claimAbandoned(ctx context.Context, fn transport.ProcessFunc) error {
	msgs, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   t.cfg.Stream,
		Group:    t.cfg.Group,
		Consumer: t.consumer,
		MinIdle:  t.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    int64(t.cfg.BatchSize),
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.ConnectionFailures.WithLabelValues(backendName).Inc()
		return fmt.Errorf("claim pending entries on %s: %w", t.cfg.Stream, err)
	}

	for _, msg := range msgs {
		t.deliver(ctx, msg, fn)
	}
	return nil
}

func (t *Transport) deliver(ctx context.Context, msg redis.XMessage, fn transport.ProcessFunc) {
	evt, err := t.decode(msg)
	if err != nil {
		// Poison entry: ack and skip to prevent redelivery loops.
		metrics.CodecErrors.WithLabelValues(backendName).Inc()
		t.log.Error("skipping undecodable stream entry", "entry_id", msg.ID, "error", err)
		t.ack(ctx, t.cfg.Stream, t.cfg.Group, msg.ID)
		return
	}

	if err := fn(ctx, evt); err != nil && !errors.Is(err, transport.ErrProcessingFailed) {
		// The engine could not route the failure anywhere (retry enqueue
		// and dead letter publish both failed). Leave the entry pending so
		// the claim pass redelivers it instead of dropping the event.
		t.log.Error("event processing error, leaving entry pending",
			"event_id", evt.Metadata.EventID, "error", err)
		return
	}
	t.ack(ctx, t.cfg.Stream, t.cfg.Group, msg.ID)
}

// ScanRetries performs one pass over the retry stream: entries abandoned
// past ClaimMinIdle are claimed first, then new entries are read. Entries
// fn reports as not yet due are re-appended so a later scan picks them up.
func (t *Transport) ScanRetries(ctx context.Context, fn transport.RetryFunc) error {
	claimed, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   t.cfg.RetryStream,
		Group:    t.cfg.RetryGroup,
		Consumer: t.consumer,
		MinIdle:  t.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    int64(t.cfg.BatchSize),
	}).Result()
	if err != nil {
		metrics.ConnectionFailures.WithLabelValues(backendName).Inc()
		return fmt.Errorf("claim pending entries on %s: %w", t.cfg.RetryStream, err)
	}
	for _, msg := range claimed {
		t.retryEntry(ctx, msg, fn)
	}

	streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.cfg.RetryGroup,
		Consumer: t.consumer,
		Streams:  []string{t.cfg.RetryStream, ">"},
		Count:    int64(t.cfg.BatchSize),
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		metrics.ConnectionFailures.WithLabelValues(backendName).Inc()
		return fmt.Errorf("read from %s: %w", t.cfg.RetryStream, err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			t.retryEntry(ctx, msg, fn)
		}
	}
	return nil
}

func (t *Transport) retryEntry(ctx context.Context, msg redis.XMessage, fn transport.RetryFunc) {
	evt, err := t.decode(msg)
	if err != nil {
		metrics.CodecErrors.WithLabelValues(backendName).Inc()
		t.log.Error("skipping undecodable retry entry", "entry_id", msg.ID, "error", err)
		t.ack(ctx, t.cfg.RetryStream, t.cfg.RetryGroup, msg.ID)
		return
	}

	if !fn(ctx, evt) {
		// Not due yet: requeue by re-appending.
		if reqErr := t.PublishRetry(ctx, evt); reqErr != nil {
			t.log.Error("requeue retry entry", "event_id", evt.Metadata.EventID, "error", reqErr)
			// Leave unacked; the claim pass on a later scan redelivers it.
			return
		}
	}
	t.ack(ctx, t.cfg.RetryStream, t.cfg.RetryGroup, msg.ID)
}

func (t *Transport) decode(msg redis.XMessage) (*event.Event, error) {
	raw, ok := msg.Values[dataField].(string)
	if !ok {
		return nil, fmt.Errorf("entry %s: missing %s field", msg.ID, dataField)
	}
	return event.Decode([]byte(raw))
}

func (t *Transport) ack(ctx context.Context, stream, group, id string) {
	if err := t.client.XAck(ctx, stream, group, id).Err(); err != nil && ctx.Err() == nil {
		t.log.Error("ack stream entry", "stream", stream, "entry_id", id, "error", err)
	}
}

// ListDeadLetters returns up to limit most recent dead letter records.
func (t *Transport) ListDeadLetters(ctx context.Context, limit int) ([]transport.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	msgs, err := t.client.XRevRangeN(ctx, t.cfg.DLQStream, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t.cfg.DLQStream, err)
	}

	records := make([]transport.DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values[dataField].(string)
		if !ok {
			continue
		}
		var rec transport.DeadLetter
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			t.log.Error("skipping undecodable dead letter", "entry_id", msg.ID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeadLetterDepth returns the number of entries in the DLQ stream.
func (t *Transport) DeadLetterDepth(ctx context.Context) (int64, error) {
	return t.client.XLen(ctx, t.cfg.DLQStream).Result()
}

// HealthCheck pings the Redis server.
func (t *Transport) HealthCheck(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (t *Transport) Close() error {
	return t.client.Close()
}
