// Package event defines the domain event model carried by the bus.
// The bus never interprets payloads; only handlers do.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders events on transports that support it.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// String returns the human readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status tracks an event through its processing lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether the status ends the event lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// DefaultMaxAttempts is the retry budget applied when none is specified.
const DefaultMaxAttempts = 3

// Metadata carries event identity, correlation, routing and processing
// bookkeeping. Identity fields are set once at construction; processing
// fields are mutated only by the dispatch engine.
type Metadata struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	SourceService string    `json:"source_service"`
	Version       string    `json:"version"`
	Priority      Priority  `json:"priority"`
	CreatedAt     time.Time `json:"created_at"`

	// Correlation fields, all optional.
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`

	// Processing bookkeeping.
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	RetryAfter  *time.Time `json:"retry_after,omitempty"`
	Status      Status     `json:"status"`

	// Routing.
	TargetServices []string `json:"target_services,omitempty"`
	RoutingKey     string   `json:"routing_key,omitempty"`
}

// Event is the envelope published on the bus. Payload is opaque to the bus.
type Event struct {
	Metadata      Metadata       `json:"metadata"`
	Payload       map[string]any `json:"payload"`
	SchemaVersion string         `json:"schema_version"`
}

// Option configures optional metadata at construction time.
type Option func(*Event)

// WithCorrelationID groups related events for tracing and replay.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.Metadata.CorrelationID = id }
}

// WithCausationID records the event that caused this one.
func WithCausationID(id string) Option {
	return func(e *Event) { e.Metadata.CausationID = id }
}

// WithUserID attaches the acting user.
func WithUserID(id string) Option {
	return func(e *Event) { e.Metadata.UserID = id }
}

// WithSessionID attaches the originating session.
func WithSessionID(id string) Option {
	return func(e *Event) { e.Metadata.SessionID = id }
}

// WithPriority overrides the default NORMAL priority.
func WithPriority(p Priority) Option {
	return func(e *Event) { e.Metadata.Priority = p }
}

// WithMaxAttempts overrides the default retry budget.
func WithMaxAttempts(n int) Option {
	return func(e *Event) { e.Metadata.MaxAttempts = n }
}

// WithTargetServices restricts fan-out to the named services.
func WithTargetServices(services ...string) Option {
	return func(e *Event) { e.Metadata.TargetServices = services }
}

// WithRoutingKey overrides the default "{source}.{type}" routing key.
func WithRoutingKey(key string) Option {
	return func(e *Event) { e.Metadata.RoutingKey = key }
}

// WithVersion sets the metadata schema version.
func WithVersion(v string) Option {
	return func(e *Event) { e.Metadata.Version = v }
}

// New creates an event with a fresh unique id and creation timestamp.
func New(eventType string, payload map[string]any, sourceService string, opts ...Option) *Event {
	e := &Event{
		Metadata: Metadata{
			EventID:       uuid.NewString(),
			EventType:     eventType,
			SourceService: sourceService,
			Version:       "1.0",
			Priority:      PriorityNormal,
			CreatedAt:     time.Now().UTC(),
			MaxAttempts:   DefaultMaxAttempts,
			Status:        StatusPending,
		},
		Payload:       payload,
		SchemaVersion: "1.0",
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.Metadata.RoutingKey == "" {
		e.Metadata.RoutingKey = DefaultRoutingKey(sourceService, eventType)
	}

	return e
}

// DefaultRoutingKey returns the "{source}.{type}" topic routing key.
func DefaultRoutingKey(sourceService, eventType string) string {
	return sourceService + "." + eventType
}

// Encode serializes the event into its JSON wire envelope.
// The encoding round-trips losslessly, including enums and optional timestamps.
func (e *Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.Metadata.EventID, err)
	}
	return data, nil
}

// Decode parses a JSON wire envelope back into an event.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if e.Metadata.EventID == "" {
		return nil, fmt.Errorf("decode event: missing event_id")
	}
	return &e, nil
}

// Validate checks the fields required before an event may be published.
func (e *Event) Validate() error {
	if e.Metadata.EventType == "" {
		return fmt.Errorf("event %s: event_type is required", e.Metadata.EventID)
	}
	if e.Metadata.SourceService == "" {
		return fmt.Errorf("event %s: source_service is required", e.Metadata.EventID)
	}
	if e.Metadata.MaxAttempts <= 0 {
		return fmt.Errorf("event %s: max_attempts must be positive", e.Metadata.EventID)
	}
	return nil
}
