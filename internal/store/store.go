// Package store provides the correlation-indexed event store backing
// replay. It records every published event that carries a correlation id;
// it is not a substitute for the transport logs.
package store

import (
	"context"
	"time"

	"github.com/chattercraft/eventbus/internal/event"
)

// Store is the append-only correlation-indexed event log.
type Store interface {
	// Append records a published event under its correlation id.
	// Events without a correlation id are ignored.
	Append(ctx context.Context, evt *event.Event) error

	// Replay returns the events stored for a correlation id in insertion
	// order. A non-nil from bound is inclusive, a non-nil to bound is
	// exclusive; both filter on the event creation time. Replay never
	// re-delivers to handlers; callers decide what to do with the data.
	Replay(ctx context.Context, correlationID string, from, to *time.Time) ([]*event.Event, error)

	// Close releases store resources.
	Close() error
}

// inWindow applies the replay bounds to a creation timestamp.
func inWindow(createdAt time.Time, from, to *time.Time) bool {
	if from != nil && createdAt.Before(*from) {
		return false
	}
	if to != nil && !createdAt.Before(*to) {
		return false
	}
	return true
}
