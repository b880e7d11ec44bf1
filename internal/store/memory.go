package store

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/chattercraft/eventbus/internal/event"
)

// MemoryStore keeps replayable events in process, bounded two ways: the
// correlation cap evicts least recently appended correlations, and
// correlations with no appends for the TTL expire. Suitable for
// short-lived correlations; use the Postgres store for durable replay.
type MemoryStore struct {
	// mu serializes the get-append-put sequence; the cache itself is
	// already safe for concurrent use.
	mu           sync.Mutex
	correlations *expirable.LRU[string, []*event.Event]
}

// MemoryConfig bounds the in-memory store.
type MemoryConfig struct {
	// TTL evicts correlations with no appends for this long.
	TTL time.Duration

	// MaxCorrelations caps the number of tracked correlation ids.
	MaxCorrelations int
}

// DefaultMemoryConfig returns bounds suitable for short-lived correlations.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		TTL:             time.Hour,
		MaxCorrelations: 10000,
	}
}

// NewMemoryStore creates a bounded in-memory store.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	def := DefaultMemoryConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxCorrelations <= 0 {
		cfg.MaxCorrelations = def.MaxCorrelations
	}

	return &MemoryStore{
		correlations: expirable.NewLRU[string, []*event.Event](cfg.MaxCorrelations, nil, cfg.TTL),
	}
}

// Append records a snapshot of the event under its correlation id. The
// snapshot is taken at publish time so later processing bookkeeping does
// not leak into replay results. Re-adding refreshes the correlation's TTL,
// so expiry counts from the last append.
func (s *MemoryStore) Append(ctx context.Context, evt *event.Event) error {
	id := evt.Metadata.CorrelationID
	if id == "" {
		return nil
	}

	snap := snapshot(evt)

	s.mu.Lock()
	defer s.mu.Unlock()

	events, _ := s.correlations.Get(id)
	s.correlations.Add(id, append(events, snap))
	return nil
}

// Replay returns stored events for the correlation id in insertion order,
// filtered by the replay window.
func (s *MemoryStore) Replay(ctx context.Context, correlationID string, from, to *time.Time) ([]*event.Event, error) {
	s.mu.Lock()
	events, ok := s.correlations.Get(correlationID)
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	out := make([]*event.Event, 0, len(events))
	for _, evt := range events {
		if inWindow(evt.Metadata.CreatedAt, from, to) {
			out = append(out, snapshot(evt))
		}
	}
	return out, nil
}

// Len returns the number of tracked correlation ids.
func (s *MemoryStore) Len() int {
	return s.correlations.Len()
}

// Close releases the stored events.
func (s *MemoryStore) Close() error {
	s.correlations.Purge()
	return nil
}

// snapshot copies an event so stored data is isolated from later mutation.
func snapshot(evt *event.Event) *event.Event {
	cp := *evt

	if evt.Metadata.RetryAfter != nil {
		at := *evt.Metadata.RetryAfter
		cp.Metadata.RetryAfter = &at
	}
	if evt.Metadata.TargetServices != nil {
		cp.Metadata.TargetServices = append([]string(nil), evt.Metadata.TargetServices...)
	}
	if evt.Payload != nil {
		payload := make(map[string]any, len(evt.Payload))
		for k, v := range evt.Payload {
			payload[k] = v
		}
		cp.Payload = payload
	}
	return &cp
}
