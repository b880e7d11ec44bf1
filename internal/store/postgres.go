package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chattercraft/eventbus/internal/event"
)

// PostgresStore persists replayable events in a bus_events table keyed by
// correlation id. Use this when replay must survive process restarts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and verifies connectivity.
// The bus_events schema is managed by the migrations directory.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Append inserts the event envelope under its correlation id. Events
// without a correlation id are ignored. The event_id unique constraint
// makes re-publishing the same event a no-op.
func (s *PostgresStore) Append(ctx context.Context, evt *event.Event) error {
	if evt.Metadata.CorrelationID == "" {
		return nil
	}

	envelope, err := evt.Encode()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO bus_events (event_id, correlation_id, event_type, created_at, envelope)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`

	_, err = s.pool.Exec(ctx, query,
		evt.Metadata.EventID,
		evt.Metadata.CorrelationID,
		evt.Metadata.EventType,
		evt.Metadata.CreatedAt,
		envelope,
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", evt.Metadata.EventID, err)
	}

	return nil
}

// Replay returns stored events for the correlation id in insertion order,
// filtered by the replay window.
func (s *PostgresStore) Replay(ctx context.Context, correlationID string, from, to *time.Time) ([]*event.Event, error) {
	query := `
		SELECT envelope FROM bus_events
		WHERE correlation_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY seq ASC
	`

	rows, err := s.pool.Query(ctx, query, correlationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("replay correlation %s: %w", correlationID, err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		var envelope []byte
		if err := rows.Scan(&envelope); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		evt, err := event.Decode(envelope)
		if err != nil {
			return nil, fmt.Errorf("decode stored event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replay correlation %s: %w", correlationID, err)
	}

	return events, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
