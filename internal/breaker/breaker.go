// Package breaker implements a circuit breaker used to isolate failing
// event handlers from each other. Each (handler, event type) pair gets its
// own breaker so one failing pair never blocks the rest of the bus.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call when the breaker rejects the request without
// invoking the wrapped function.
var ErrOpen = errors.New("circuit breaker is open")

// State of the breaker state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name for logs and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that trips the breaker open.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before a probe
	// call is allowed through (open -> half-open).
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker again.
	SuccessThreshold int

	// RequestTimeout bounds each wrapped call; exceeding it counts as a
	// failure.
	RequestTimeout time.Duration
}

// DefaultConfig returns the thresholds used when no override is configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		RequestTimeout:   30 * time.Second,
	}
}

// Breaker is a single circuit breaker instance. Safe for concurrent use.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time

	now func() time.Time
}

// New creates a closed breaker with the given config. Zero thresholds fall
// back to defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Call invokes fn through the breaker under the configured request timeout.
// It returns ErrOpen without invoking fn when the breaker is open and the
// recovery timeout has not elapsed.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(cctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-cctx.Done():
		err = cctx.Err()
	}

	b.record(err)
	return err
}

// allow checks admission and performs the open -> half-open transition.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.lastFailure) > b.cfg.RecoveryTimeout {
			b.state = StateHalfOpen
			b.successes = 0
			return nil
		}
		return ErrOpen
	}
	return nil
}

// record applies the outcome of a call to the state machine.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = StateClosed
				b.failures = 0
				b.successes = 0
			}
		case StateClosed:
			b.failures = 0
		}
		return
	}

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		// A half-open probe failure trips straight back open.
		b.state = StateOpen
		b.successes = 0
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns the current failure and success counters.
func (b *Breaker) Counts() (failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.successes
}
