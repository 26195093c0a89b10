// Package resilience provides fault tolerance patterns backed by
// github.com/sony/gobreaker/v2 (circuit breaking) and
// github.com/cenkalti/backoff/v4 (retry with exponential backoff).
//
// The circuit breaker trips on outcome rates over a count-based sliding
// window, not on consecutive failures: the last SlidingWindow calls are
// tracked, and once at least MinimumCalls of them are present the breaker
// opens when the failure rate or the slow-call rate crosses its threshold.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/ofreceptor/sync-engine/infrastructure/logging"
)

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State represents circuit breaker state.
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// errSlowCall marks a call that succeeded but breached SlowCallDuration. It
// is surfaced to gobreaker so slow successes can trip the breaker, and
// swallowed again before Execute returns to the caller.
var errSlowCall = errors.New("slow call")

// ---------------------------------------------------------------------------
// Circuit Breaker
// ---------------------------------------------------------------------------

// Config for circuit breaker.
type Config struct {
	// FailureRate trips the breaker when failures/requests over the window
	// reaches it. Default 0.5.
	FailureRate float64
	// SlowCallRate trips the breaker when slow calls/requests over the
	// window reaches it. Default 0.5.
	SlowCallRate float64
	// SlowCallDuration is the latency past which a call counts as slow.
	// Default 10s; 0 keeps the default, negative disables slow tracking.
	SlowCallDuration time.Duration
	// SlidingWindow is the number of most-recent calls rates are computed
	// over. Default 20.
	SlidingWindow int
	// MinimumCalls gates tripping until the window holds at least this many
	// outcomes. Default 10.
	MinimumCalls int
	// Timeout is the time spent open before half-open admits probes.
	Timeout time.Duration
	// HalfOpenMax is the number of probes admitted while half-open.
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// DefaultConfig returns the documented defaults: a 20-call window, minimum
// 10 calls, 50% failure or slow-call rate, 10s slow threshold, 30s open.
func DefaultConfig() Config {
	return Config{
		FailureRate:      0.5,
		SlowCallRate:     0.5,
		SlowCallDuration: 10 * time.Second,
		SlidingWindow:    20,
		MinimumCalls:     10,
		Timeout:          30 * time.Second,
		HalfOpenMax:      5,
	}
}

// callOutcome is one window slot.
type callOutcome struct {
	failure bool
	slow    bool
}

// CircuitBreaker couples gobreaker's state machine (closed/open/half-open,
// open timeout, half-open probe budget) with a count-based sliding window
// that owns the tripping decision.
type CircuitBreaker struct {
	gb  *gobreaker.CircuitBreaker[any]
	cfg Config

	mu     sync.Mutex
	window []callOutcome
	next   int
	filled int
}

// New creates a new CircuitBreaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureRate <= 0 || cfg.FailureRate > 1 {
		cfg.FailureRate = 0.5
	}
	if cfg.SlowCallRate <= 0 || cfg.SlowCallRate > 1 {
		cfg.SlowCallRate = 0.5
	}
	if cfg.SlowCallDuration == 0 {
		cfg.SlowCallDuration = 10 * time.Second
	}
	if cfg.SlidingWindow <= 0 {
		cfg.SlidingWindow = 20
	}
	if cfg.MinimumCalls <= 0 {
		cfg.MinimumCalls = 10
	}
	if cfg.MinimumCalls > cfg.SlidingWindow {
		cfg.MinimumCalls = cfg.SlidingWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 5
	}

	cb := &CircuitBreaker{
		cfg:    cfg,
		window: make([]callOutcome, cfg.SlidingWindow),
	}

	settings := gobreaker.Settings{
		MaxRequests: uint32(cfg.HalfOpenMax),
		// gobreaker's own counts are unused for tripping (the sliding
		// window below owns that); the interval just keeps them bounded.
		Interval: time.Minute,
		Timeout:  cfg.Timeout,
		// Consulted by gobreaker after every recorded failure (real
		// failures and slow successes both reach it via errSlowCall).
		ReadyToTrip: func(gobreaker.Counts) bool {
			return cb.shouldTrip()
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			// A state change starts a fresh observation window, matching
			// gobreaker's own count reset; without this a just-closed
			// breaker would re-trip off stale outcomes.
			cb.resetWindow()
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(State(from), State(to))
			}
		},
	}
	cb.gb = gobreaker.NewCircuitBreaker[any](settings)
	return cb
}

// record appends one outcome to the sliding window.
func (cb *CircuitBreaker) record(failure, slow bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.window[cb.next] = callOutcome{failure: failure, slow: slow}
	cb.next = (cb.next + 1) % len(cb.window)
	if cb.filled < len(cb.window) {
		cb.filled++
	}
}

// shouldTrip reports whether the window holds enough calls and either rate
// has crossed its threshold.
func (cb *CircuitBreaker) shouldTrip() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.filled < cb.cfg.MinimumCalls {
		return false
	}
	failures, slow := 0, 0
	for i := 0; i < cb.filled; i++ {
		if cb.window[i].failure {
			failures++
		}
		if cb.window[i].slow {
			slow++
		}
	}
	total := float64(cb.filled)
	return float64(failures)/total >= cb.cfg.FailureRate ||
		float64(slow)/total >= cb.cfg.SlowCallRate
}

func (cb *CircuitBreaker) resetWindow() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.next = 0
	cb.filled = 0
}

// Rates returns the window's current request count, failure rate and
// slow-call rate, for diagnostics.
func (cb *CircuitBreaker) Rates() (requests int, failureRate, slowCallRate float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.filled == 0 {
		return 0, 0, 0
	}
	failures, slow := 0, 0
	for i := 0; i < cb.filled; i++ {
		if cb.window[i].failure {
			failures++
		}
		if cb.window[i].slow {
			slow++
		}
	}
	total := float64(cb.filled)
	return cb.filled, float64(failures) / total, float64(slow) / total
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	return State(cb.gb.State())
}

// Execute runs fn with circuit breaker protection, measuring its latency
// for slow-call accounting. The ctx parameter is accepted for API symmetry;
// callers enforce deadlines via context on fn itself.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		start := time.Now()
		callErr := fn()
		slow := cb.cfg.SlowCallDuration > 0 && time.Since(start) >= cb.cfg.SlowCallDuration
		cb.record(callErr != nil, slow)
		if callErr != nil {
			return nil, callErr
		}
		if slow {
			return nil, errSlowCall
		}
		return nil, nil
	})
	if errors.Is(err, errSlowCall) {
		// The call itself succeeded; the sentinel only feeds the breaker.
		return nil
	}
	if err != nil {
		return mapGobreakerError(err)
	}
	return nil
}

// mapGobreakerError translates gobreaker sentinel errors to our own so that
// existing consumer code comparing against ErrCircuitOpen / ErrTooManyRequests
// continues to work.
func mapGobreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequests
	}
	return err
}

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, adds randomness (mapped to backoff.RandomizationFactor)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retry executes fn with exponential backoff using cenkalti/backoff.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter > 0 {
		bo.RandomizationFactor = cfg.Jitter
	} else {
		bo.RandomizationFactor = 0
	}
	// Disable the global elapsed-time limit; we control via MaxRetries.
	bo.MaxElapsedTime = 0

	// MaxRetries = MaxAttempts - 1 because the first call is not a "retry".
	maxRetries := uint64(cfg.MaxAttempts - 1)

	withMax := backoff.WithMaxRetries(bo, maxRetries)
	withCtx := backoff.WithContext(withMax, ctx)

	return backoff.Retry(func() error {
		return fn()
	}, withCtx)
}

// ---------------------------------------------------------------------------
// Service-level convenience configs
// ---------------------------------------------------------------------------

// ServiceCircuitBreakerConfig provides preconfigured circuit breaker settings
// optimized for outbound transmitter calls.
type ServiceCircuitBreakerConfig struct {
	FailureRate    float64
	SlidingWindow  int
	MinimumCalls   int
	TimeoutSeconds int
	HalfOpenMax    int
	Logger         *logging.Logger
}

// DefaultServiceCBConfig returns a circuit breaker configuration suitable for
// most transmitter API families.
func DefaultServiceCBConfig(logger *logging.Logger) Config {
	return ServiceCBConfig(ServiceCircuitBreakerConfig{
		FailureRate:    0.5,
		SlidingWindow:  20,
		MinimumCalls:   10,
		TimeoutSeconds: 30,
		HalfOpenMax:    5,
		Logger:         logger,
	})
}

// StrictServiceCBConfig returns a conservative configuration for critical
// transmitters that should fail fast.
func StrictServiceCBConfig(logger *logging.Logger) Config {
	return ServiceCBConfig(ServiceCircuitBreakerConfig{
		FailureRate:    0.3,
		SlidingWindow:  10,
		MinimumCalls:   5,
		TimeoutSeconds: 60,
		HalfOpenMax:    1,
		Logger:         logger,
	})
}

// LenientServiceCBConfig returns a lenient configuration for transmitters
// that can tolerate more failures.
func LenientServiceCBConfig(logger *logging.Logger) Config {
	return ServiceCBConfig(ServiceCircuitBreakerConfig{
		FailureRate:    0.7,
		SlidingWindow:  50,
		MinimumCalls:   20,
		TimeoutSeconds: 15,
		HalfOpenMax:    5,
		Logger:         logger,
	})
}

// ServiceCBConfig creates a Config from ServiceCircuitBreakerConfig.
func ServiceCBConfig(cfg ServiceCircuitBreakerConfig) Config {
	cbConfig := Config{
		FailureRate:   cfg.FailureRate,
		SlidingWindow: cfg.SlidingWindow,
		MinimumCalls:  cfg.MinimumCalls,
		Timeout:       SecondsToDuration(cfg.TimeoutSeconds),
		HalfOpenMax:   cfg.HalfOpenMax,
	}

	if cbConfig.Timeout <= 0 {
		cbConfig.Timeout = 30 * time.Second
	}

	if cfg.Logger != nil {
		cbConfig.OnStateChange = func(from, to State) {
			cfg.Logger.WithFields(map[string]interface{}{
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Warn("circuit breaker state changed")
		}
	}

	return cbConfig
}

// SecondsToDuration converts seconds to Duration.
func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
