// Package dispatch resolves handlers for consumed events and invokes them
// through per-(handler, event-type) circuit breakers, isolating failures
// from one another.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chattercraft/eventbus/internal/breaker"
	"github.com/chattercraft/eventbus/internal/event"
	"github.com/chattercraft/eventbus/internal/logging"
	"github.com/chattercraft/eventbus/internal/metrics"
)

// Engine owns the handler registry and the circuit breaker map. Both are
// written rarely (registration at startup, breaker creation on first use)
// and read on every dispatch.
type Engine struct {
	mu       sync.RWMutex
	handlers map[string][]event.Handler
	breakers map[string]*breaker.Breaker

	breakerCfg breaker.Config
	// overrides maps handler name to breaker config overrides from the
	// handler override table.
	overrides map[string]breaker.Config

	log *logging.Logger
}

// NewEngine creates a dispatch engine using cfg as the default breaker
// config. overrides may be nil.
func NewEngine(cfg breaker.Config, overrides map[string]breaker.Config, log *logging.Logger) *Engine {
	return &Engine{
		handlers:   make(map[string][]event.Handler),
		breakers:   make(map[string]*breaker.Breaker),
		breakerCfg: cfg,
		overrides:  overrides,
		log:        log,
	}
}

// Register adds a handler for an event type. Registration order is the
// invocation order. The handler must report CanHandle for the type.
func (e *Engine) Register(eventType string, h event.Handler) error {
	if !h.CanHandle(eventType) {
		return fmt.Errorf("handler %s does not handle event type %s", h.Name(), eventType)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[eventType] = append(e.handlers[eventType], h)
	return nil
}

// HandlersFor returns the handlers registered for an event type.
func (e *Engine) HandlersFor(eventType string) []event.Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[eventType]
}

// Process dispatches the event to every registered handler for its type.
// Handlers run through their circuit breakers; a failure in one handler
// never prevents the others from running. The overall outcome is success
// when at least one handler succeeds. Zero registered handlers is success.
func (e *Engine) Process(ctx context.Context, evt *event.Event) error {
	start := time.Now()
	defer func() {
		metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	handlers := e.HandlersFor(evt.Metadata.EventType)
	if len(handlers) == 0 {
		e.log.Debug("no handlers registered", "event_type", evt.Metadata.EventType)
		return nil
	}

	var (
		succeeded int
		errs      []error
	)
	for _, h := range handlers {
		key := breakerKey(h.Name(), evt.Metadata.EventType)
		br := e.breakerFor(key, h.Name())

		err := br.Call(ctx, func(ctx context.Context) (err error) {
			// A panicking handler counts as that handler's failure and
			// must not take down the consumer loop.
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler %s panicked: %v", h.Name(), r)
				}
			}()
			return h.Handle(ctx, evt)
		})
		metrics.BreakerState.WithLabelValues(key).Set(stateValue(br.State()))

		if err == nil {
			succeeded++
			continue
		}

		metrics.HandlerErrors.WithLabelValues(h.Name()).Inc()
		if errors.Is(err, breaker.ErrOpen) {
			metrics.BreakerRejections.WithLabelValues(key).Inc()
		}
		e.log.Warn("handler failed",
			"handler", h.Name(),
			"event_id", evt.Metadata.EventID,
			"event_type", evt.Metadata.EventType,
			"error", err)
		errs = append(errs, fmt.Errorf("%s: %w", h.Name(), err))
	}

	if succeeded > 0 {
		return nil
	}
	return fmt.Errorf("all %d handlers failed for event %s: %w",
		len(handlers), evt.Metadata.EventID, errors.Join(errs...))
}

// breakerFor resolves the circuit breaker for a key, creating it on first
// use with the handler's override config if one exists.
func (e *Engine) breakerFor(key, handlerName string) *breaker.Breaker {
	e.mu.RLock()
	br, ok := e.breakers[key]
	e.mu.RUnlock()
	if ok {
		return br
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if br, ok = e.breakers[key]; ok {
		return br
	}

	cfg := e.breakerCfg
	if override, ok := e.overrides[handlerName]; ok {
		cfg = mergeConfig(cfg, override)
	}
	br = breaker.New(cfg)
	e.breakers[key] = br
	return br
}

// mergeConfig overlays the non-zero fields of an override onto the base.
func mergeConfig(base, override breaker.Config) breaker.Config {
	if override.FailureThreshold > 0 {
		base.FailureThreshold = override.FailureThreshold
	}
	if override.RecoveryTimeout > 0 {
		base.RecoveryTimeout = override.RecoveryTimeout
	}
	if override.SuccessThreshold > 0 {
		base.SuccessThreshold = override.SuccessThreshold
	}
	if override.RequestTimeout > 0 {
		base.RequestTimeout = override.RequestTimeout
	}
	return base
}

// BreakerStates returns the current state of every breaker, keyed by
// "{handler}_{eventType}".
func (e *Engine) BreakerStates() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	states := make(map[string]string, len(e.breakers))
	for key, br := range e.breakers {
		states[key] = br.State().String()
	}
	return states
}

func breakerKey(handlerName, eventType string) string {
	return handlerName + "_" + eventType
}

func stateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 1
	case breaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
