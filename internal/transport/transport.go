// Package transport defines the backend adapter contract for the event bus.
// It lets the dispatch and retry engine stay backend-agnostic so transports
// can be swapped or combined without touching processing logic.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/chattercraft/eventbus/internal/event"
)

// ErrProcessingFailed is returned by a ProcessFunc to signal a retryable
// processing failure that the engine has already routed to the retry log.
// Stream-log transports ack the original message anyway (the retry log owns
// redelivery); broker transports reject it without requeue so the queue's
// dead letter exchange keeps its native copy.
var ErrProcessingFailed = errors.New("event processing failed")

// ProcessFunc handles one consumed event. A nil return acknowledges the
// message.
type ProcessFunc func(ctx context.Context, evt *event.Event) error

// RetryFunc inspects one retry log entry and reports whether it was
// consumed. Entries reported as not consumed (not yet due) are re-appended
// to the retry log by the transport.
type RetryFunc func(ctx context.Context, evt *event.Event) bool

// DeadLetter is the record appended to the dead letter sink when an event
// exhausts its retry budget. Nothing consumes the sink automatically.
type DeadLetter struct {
	Event    *event.Event `json:"event"`
	Reason   string       `json:"reason"`
	FailedAt time.Time    `json:"failed_at"`
}

// Transport is the strategy interface implemented by each backend adapter.
type Transport interface {
	// Name identifies the backend in logs, metrics and health reports.
	Name() string

	// Publish appends an event to the primary log/exchange.
	// Errors are surfaced synchronously to the producer.
	Publish(ctx context.Context, evt *event.Event) error

	// PublishRetry appends an event to the retry log for delayed redelivery.
	PublishRetry(ctx context.Context, evt *event.Event) error

	// PublishDeadLetter appends a terminal failure record to the dead
	// letter sink.
	PublishDeadLetter(ctx context.Context, evt *event.Event, reason string) error

	// Consume delivers events from the primary log to fn until ctx is
	// cancelled or the backend connection fails. It blocks.
	Consume(ctx context.Context, fn ProcessFunc) error

	// ScanRetries performs a single pass over the retry log.
	ScanRetries(ctx context.Context, fn RetryFunc) error

	// HealthCheck returns nil if the backend connection is healthy.
	HealthCheck(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// DeadLetterLister is implemented by transports whose dead letter sink can
// be inspected from the admin surface.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// Backends flattens a transport into its constituent backends. A hybrid
// transport exposes each backend so the bus can run one consumer loop per
// backend and report per-backend health.
func Backends(t Transport) []Transport {
	if h, ok := t.(*Hybrid); ok {
		return h.Backends()
	}
	return []Transport{t}
}
