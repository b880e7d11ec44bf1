package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/chattercraft/eventbus/internal/event"
)

// Hybrid fans publishes out to every configured backend. Handlers must be
// idempotent, so the resulting duplicate delivery is acceptable. Retry and
// dead letter traffic is routed through the primary (first) backend only,
// to avoid multiplying redeliveries.
type Hybrid struct {
	backends []Transport
}

// NewHybrid composes two or more backends. The first backend is primary.
func NewHybrid(backends ...Transport) (*Hybrid, error) {
	if len(backends) < 2 {
		return nil, fmt.Errorf("hybrid transport needs at least two backends, got %d", len(backends))
	}
	return &Hybrid{backends: backends}, nil
}

// Backends returns the composed backends, primary first.
func (h *Hybrid) Backends() []Transport {
	return h.backends
}

func (h *Hybrid) Name() string { return "hybrid" }

// Publish writes the event to every backend and joins any failures.
// A partial failure still leaves the event published on the healthy
// backends; the producer sees the error and may republish.
func (h *Hybrid) Publish(ctx context.Context, evt *event.Event) error {
	var errs []error
	for _, b := range h.backends {
		if err := b.Publish(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hybrid) PublishRetry(ctx context.Context, evt *event.Event) error {
	return h.backends[0].PublishRetry(ctx, evt)
}

func (h *Hybrid) PublishDeadLetter(ctx context.Context, evt *event.Event, reason string) error {
	return h.backends[0].PublishDeadLetter(ctx, evt, reason)
}

// Consume delegates to the primary backend. The bus runs one consumer loop
// per backend via Backends instead of calling this directly.
func (h *Hybrid) Consume(ctx context.Context, fn ProcessFunc) error {
	return h.backends[0].Consume(ctx, fn)
}

func (h *Hybrid) ScanRetries(ctx context.Context, fn RetryFunc) error {
	return h.backends[0].ScanRetries(ctx, fn)
}

// HealthCheck reports unhealthy if any backend is unhealthy.
func (h *Hybrid) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, b := range h.backends {
		if err := b.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ListDeadLetters inspects the primary backend's sink when supported.
func (h *Hybrid) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if l, ok := h.backends[0].(DeadLetterLister); ok {
		return l.ListDeadLetters(ctx, limit)
	}
	return nil, fmt.Errorf("backend %s does not expose its dead letter sink", h.backends[0].Name())
}

func (h *Hybrid) Close() error {
	var errs []error
	for _, b := range h.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
