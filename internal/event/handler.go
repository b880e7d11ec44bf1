package event

import "context"

// Handler processes events of the types it declares interest in.
// Multiple handlers may be registered for one event type; each is invoked
// independently and must be idempotent, since at-least-once delivery and
// hybrid dual-backend publishing can deliver the same event more than once.
type Handler interface {
	// Name identifies the handler in logs, metrics and circuit breaker keys.
	Name() string

	// CanHandle reports whether this handler processes the given event type.
	CanHandle(eventType string) bool

	// Handle processes the event. A nil return counts as success.
	Handle(ctx context.Context, evt *Event) error
}

// HandlerFunc adapts a plain function into a Handler for a fixed set of
// event types.
type HandlerFunc struct {
	name  string
	types map[string]struct{}
	fn    func(ctx context.Context, evt *Event) error
}

// NewHandlerFunc builds a function-backed handler for the given event types.
func NewHandlerFunc(name string, eventTypes []string, fn func(ctx context.Context, evt *Event) error) *HandlerFunc {
	types := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}
	return &HandlerFunc{name: name, types: types, fn: fn}
}

func (h *HandlerFunc) Name() string { return h.name }

func (h *HandlerFunc) CanHandle(eventType string) bool {
	_, ok := h.types[eventType]
	return ok
}

func (h *HandlerFunc) Handle(ctx context.Context, evt *Event) error {
	return h.fn(ctx, evt)
}
