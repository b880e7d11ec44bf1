// Package bus composes the event model, transports, dispatch engine and
// event store into the event bus: publish, handler registration, background
// processing, replay, health and shutdown.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chattercraft/eventbus/internal/dispatch"
	"github.com/chattercraft/eventbus/internal/event"
	"github.com/chattercraft/eventbus/internal/logging"
	"github.com/chattercraft/eventbus/internal/metrics"
	"github.com/chattercraft/eventbus/internal/store"
	"github.com/chattercraft/eventbus/internal/transport"
)

// ReasonMaxRetries is the dead letter reason for exhausted retry budgets.
const ReasonMaxRetries = "max_retries_exceeded"

// ReasonRetryEnqueueFailed marks events dead lettered because the retry
// log itself was unreachable.
const ReasonRetryEnqueueFailed = "retry_enqueue_failed"

// Config tunes the bus loops.
type Config struct {
	// RetryPolicy drives backoff between processing attempts.
	RetryPolicy dispatch.RetryPolicy

	// RetryScanInterval is the cadence of retry log scans. Redelivery can
	// lag retry_after by up to this interval.
	RetryScanInterval time.Duration

	// ConsumeBackoff is the pause before restarting a failed consumer
	// loop.
	ConsumeBackoff time.Duration

	// DLQObserveInterval is the cadence of the dead letter depth
	// observer. The sink is never consumed automatically.
	DLQObserveInterval time.Duration
}

// DefaultConfig returns standard loop cadences.
func DefaultConfig() Config {
	return Config{
		RetryPolicy:        dispatch.DefaultRetryPolicy(),
		RetryScanInterval:  5 * time.Second,
		ConsumeBackoff:     5 * time.Second,
		DLQObserveInterval: 30 * time.Second,
	}
}

// deadLetterDepther is implemented by transports whose sink depth can be
// observed cheaply.
type deadLetterDepther interface {
	DeadLetterDepth(ctx context.Context) (int64, error)
}

// Bus is the event bus orchestrator. Construct with New, start background
// processing with Start and stop with Shutdown.
type Bus struct {
	cfg       Config
	transport transport.Transport
	engine    *dispatch.Engine
	store     store.Store
	log       *logging.Logger

	published    atomic.Uint64
	processed    atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// New wires a bus from its collaborators.
func New(cfg Config, tr transport.Transport, engine *dispatch.Engine, st store.Store, log *logging.Logger) *Bus {
	def := DefaultConfig()
	if cfg.RetryPolicy.MaxAttempts <= 0 {
		cfg.RetryPolicy = def.RetryPolicy
	}
	if cfg.RetryScanInterval <= 0 {
		cfg.RetryScanInterval = def.RetryScanInterval
	}
	if cfg.ConsumeBackoff <= 0 {
		cfg.ConsumeBackoff = def.ConsumeBackoff
	}
	if cfg.DLQObserveInterval <= 0 {
		cfg.DLQObserveInterval = def.DLQObserveInterval
	}

	return &Bus{
		cfg:       cfg,
		transport: tr,
		engine:    engine,
		store:     st,
		log:       log,
		now:       time.Now,
	}
}

// Publish validates the event, records it for replay when correlated and
// writes it to the transport. Transport failures are surfaced to the
// caller; they are never swallowed.
func (b *Bus) Publish(ctx context.Context, evt *event.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}

	// Event store appends are best-effort: replay is an operator aid and
	// must not block the publish path.
	if err := b.store.Append(ctx, evt); err != nil {
		b.log.Warn("event store append failed",
			"event_id", evt.Metadata.EventID,
			"correlation_id", evt.Metadata.CorrelationID,
			"error", err)
	}

	if err := b.transport.Publish(ctx, evt); err != nil {
		metrics.PublishErrors.Inc()
		return fmt.Errorf("publish event %s: %w", evt.Metadata.EventID, err)
	}

	b.published.Add(1)
	metrics.EventsPublished.WithLabelValues(evt.Metadata.EventType, b.transport.Name()).Inc()
	b.log.Debug("event published",
		"event_id", evt.Metadata.EventID,
		"event_type", evt.Metadata.EventType,
		"routing_key", evt.Metadata.RoutingKey)
	return nil
}

// RegisterHandler registers a handler for an event type. Registration is
// expected at startup, before Start.
func (b *Bus) RegisterHandler(eventType string, h event.Handler) error {
	return b.engine.Register(eventType, h)
}

// Start launches the background loops: one consumer loop per backend, the
// retry scanner and the dead letter observer.
func (b *Bus) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	for _, backend := range transport.Backends(b.transport) {
		b.wg.Add(1)
		go b.consumeLoop(loopCtx, backend)
	}

	b.wg.Add(1)
	go b.retryLoop(loopCtx)

	b.wg.Add(1)
	go b.dlqObserverLoop(loopCtx)

	b.log.Info("event bus started", "transport", b.transport.Name())
	return nil
}

// consumeLoop keeps one backend's consumer running, backing off after
// transport failures so an unreachable backend never crashes the process
// or the other loops.
func (b *Bus) consumeLoop(ctx context.Context, backend transport.Transport) {
	defer b.wg.Done()

	log := b.log.With("backend", backend.Name())
	for {
		err := backend.Consume(ctx, b.process)
		if ctx.Err() != nil {
			return
		}
		log.Error("consumer loop failed, backing off", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.cfg.ConsumeBackoff):
		}
	}
}

// process dispatches one consumed event and decides retry vs dead letter
// on failure. The transport acks based on the returned error.
func (b *Bus) process(ctx context.Context, evt *event.Event) error {
	evt.Metadata.Status = event.StatusProcessing

	if err := b.engine.Process(ctx, evt); err != nil {
		b.failed.Add(1)
		metrics.EventsFailed.WithLabelValues(evt.Metadata.EventType).Inc()
		return b.handleFailure(ctx, evt)
	}

	evt.Metadata.Status = event.StatusCompleted
	b.processed.Add(1)
	metrics.EventsProcessed.WithLabelValues(evt.Metadata.EventType).Inc()
	return nil
}

// handleFailure increments the attempt count and either schedules a retry
// or routes the event to the dead letter sink.
func (b *Bus) handleFailure(ctx context.Context, evt *event.Event) error {
	evt.Metadata.Attempts++

	if evt.Metadata.Attempts < evt.Metadata.MaxAttempts {
		delay := b.cfg.RetryPolicy.Delay(evt.Metadata.Attempts)
		retryAt := b.now().Add(delay)
		evt.Metadata.Status = event.StatusRetrying
		evt.Metadata.RetryAfter = &retryAt

		if err := b.transport.PublishRetry(ctx, evt); err != nil {
			// The retry log is unreachable; dead letter rather than
			// silently dropping the event.
			b.log.Error("retry enqueue failed", "event_id", evt.Metadata.EventID, "error", err)
			return b.deadLetter(ctx, evt, ReasonRetryEnqueueFailed)
		}

		b.retried.Add(1)
		metrics.EventsRetried.Inc()
		b.log.Info("event scheduled for retry",
			"event_id", evt.Metadata.EventID,
			"attempts", evt.Metadata.Attempts,
			"retry_after", retryAt)
		return transport.ErrProcessingFailed
	}

	return b.deadLetter(ctx, evt, ReasonMaxRetries)
}

// deadLetter routes an event to the sink. A nil return lets the transport
// ack the original message: the failure is terminal, not retryable.
func (b *Bus) deadLetter(ctx context.Context, evt *event.Event, reason string) error {
	evt.Metadata.Status = event.StatusDeadLetter
	evt.Metadata.RetryAfter = nil

	if err := b.transport.PublishDeadLetter(ctx, evt, reason); err != nil {
		b.log.Error("dead letter publish failed", "event_id", evt.Metadata.EventID, "error", err)
		return fmt.Errorf("dead letter event %s: %w", evt.Metadata.EventID, err)
	}

	b.deadLettered.Add(1)
	metrics.EventsDeadLettered.Inc()
	b.log.Warn("event dead lettered",
		"event_id", evt.Metadata.EventID,
		"event_type", evt.Metadata.EventType,
		"attempts", evt.Metadata.Attempts,
		"reason", reason)
	return nil
}

// retryLoop periodically scans the retry log and republishes entries whose
// retry_after has elapsed.
func (b *Bus) retryLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.RetryScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RetryQueueScans.Inc()
			if err := b.transport.ScanRetries(ctx, b.redeliver); err != nil && ctx.Err() == nil {
				b.log.Error("retry scan failed", "error", err)
			}
		}
	}
}

// redeliver republishes a due retry entry to the primary transport and
// reports not-yet-due entries back to the retry log.
func (b *Bus) redeliver(ctx context.Context, evt *event.Event) bool {
	if evt.Metadata.RetryAfter != nil && b.now().Before(*evt.Metadata.RetryAfter) {
		return false
	}

	evt.Metadata.Status = event.StatusPending
	evt.Metadata.RetryAfter = nil

	// Redelivery goes through the primary backend only. Republishing via
	// the composite would fan each retry out to every backend and multiply
	// the in-flight copies on every cycle.
	if err := transport.Backends(b.transport)[0].Publish(ctx, evt); err != nil {
		b.log.Error("retry republish failed", "event_id", evt.Metadata.EventID, "error", err)
		// Keep the entry in the retry log for the next scan.
		return false
	}

	b.log.Debug("retry entry republished",
		"event_id", evt.Metadata.EventID,
		"attempts", evt.Metadata.Attempts)
	return true
}

// dlqObserverLoop tracks sink depth per backend for operators. Nothing is
// consumed from the sink automatically; reprocessing is an operator
// decision.
func (b *Bus) dlqObserverLoop(ctx context.Context) {
	defer b.wg.Done()

	type sink struct {
		name    string
		depther deadLetterDepther
	}
	var sinks []sink
	for _, backend := range transport.Backends(b.transport) {
		if d, ok := backend.(deadLetterDepther); ok {
			sinks = append(sinks, sink{name: backend.Name(), depther: d})
		}
	}
	if len(sinks) == 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(b.cfg.DLQObserveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range sinks {
				depth, err := s.depther.DeadLetterDepth(ctx)
				if err != nil {
					if ctx.Err() == nil {
						b.log.Warn("dead letter depth check failed", "backend", s.name, "error", err)
					}
					continue
				}
				metrics.DeadLetterDepth.WithLabelValues(s.name).Set(float64(depth))
			}
		}
	}
}

// Replay returns the stored events for a correlation id in insertion
// order, bounded by the optional window. It never re-delivers to handlers.
func (b *Bus) Replay(ctx context.Context, correlationID string, from, to *time.Time) ([]*event.Event, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("correlation id is required for replay")
	}
	return b.store.Replay(ctx, correlationID, from, to)
}

// DeadLetters lists recent sink records when the primary backend supports
// inspection.
func (b *Bus) DeadLetters(ctx context.Context, limit int) ([]transport.DeadLetter, error) {
	if lister, ok := b.transport.(transport.DeadLetterLister); ok {
		return lister.ListDeadLetters(ctx, limit)
	}
	if lister, ok := transport.Backends(b.transport)[0].(transport.DeadLetterLister); ok {
		return lister.ListDeadLetters(ctx, limit)
	}
	return nil, fmt.Errorf("transport %s does not expose its dead letter sink", b.transport.Name())
}

// HealthReport is the operator-facing health surface.
type HealthReport struct {
	Status   string            `json:"status"` // healthy, degraded or unhealthy
	Backends map[string]string `json:"backends"`
}

// HealthCheck probes every backend and aggregates an overall status:
// healthy when all backends pass, unhealthy when all fail, degraded
// otherwise.
func (b *Bus) HealthCheck(ctx context.Context) HealthReport {
	backends := transport.Backends(b.transport)
	report := HealthReport{Backends: make(map[string]string, len(backends))}

	healthy := 0
	for _, backend := range backends {
		if err := backend.HealthCheck(ctx); err != nil {
			report.Backends[backend.Name()] = err.Error()
			continue
		}
		report.Backends[backend.Name()] = "healthy"
		healthy++
	}

	switch healthy {
	case len(backends):
		report.Status = "healthy"
	case 0:
		report.Status = "unhealthy"
	default:
		report.Status = "degraded"
	}
	return report
}

// Snapshot is the point-in-time metrics surface.
type Snapshot struct {
	EventsPublished    uint64            `json:"events_published"`
	EventsProcessed    uint64            `json:"events_processed"`
	EventsFailed       uint64            `json:"events_failed"`
	EventsRetried      uint64            `json:"events_retried"`
	EventsDeadLettered uint64            `json:"events_dead_lettered"`
	CircuitBreakers    map[string]string `json:"circuit_breakers"`
}

// Metrics returns the current counters and circuit breaker states.
func (b *Bus) Metrics() Snapshot {
	return Snapshot{
		EventsPublished:    b.published.Load(),
		EventsProcessed:    b.processed.Load(),
		EventsFailed:       b.failed.Load(),
		EventsRetried:      b.retried.Load(),
		EventsDeadLettered: b.deadLettered.Load(),
		CircuitBreakers:    b.engine.BreakerStates(),
	}
}

// Shutdown cancels the background loops, waits for them to drain within
// the context deadline, then closes the transport and store.
func (b *Bus) Shutdown(ctx context.Context) error {
	if !b.started.CompareAndSwap(true, false) {
		return nil
	}

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.log.Warn("shutdown timed out waiting for loops to drain")
	}

	var errs []error
	if err := b.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if err := b.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	b.log.Info("event bus stopped")
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
