// Package resilience provides retry, circuit breaking and dead-letter
// bookkeeping for provider calls and pipeline stage jobs.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/config"
)

// Provider names used as breaker keys.
const (
	ServiceSkipTrace = "skiptrace"
	ServiceScoring   = "scoring"
	ServiceSMS       = "sms"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected by an open circuit.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a probe is allowed.
	ResetTimeout time.Duration
	// HalfOpenMaxProbes is the successful probe count that closes the circuit.
	HalfOpenMaxProbes int
	// ShouldTrip decides which errors count as failures. Nil counts every error.
	ShouldTrip    func(err error) bool
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the breaker policy used for providers.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitFromConfig builds a CircuitBreakerConfig from the circuit config section.
func CircuitFromConfig(c config.CircuitConfig) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return cfg
}

// CircuitBreaker guards a single provider.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu           sync.Mutex
	state        CircuitState
	failures     int
	lastFailure  time.Time
	probeSuccess int

	nowFunc func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed, nowFunc: time.Now}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for functions that return a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(err)
	return val, err
}

// State returns the current state; an open circuit past its reset timeout
// reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.resetElapsed() {
		return CircuitHalfOpen
	}
	return cb.state
}

// Counters returns the consecutive failure count and raw state.
func (cb *CircuitBreaker) Counters() (int, CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.state
}

// Reset forces the circuit closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probeSuccess = 0
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

func (cb *CircuitBreaker) resetElapsed() bool {
	return cb.nowFunc().Sub(cb.lastFailure) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return nil
	}
	if cb.resetElapsed() {
		cb.transition(CircuitHalfOpen)
		return nil
	}
	return ErrCircuitOpen
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	trips := err != nil
	if trips && cb.cfg.ShouldTrip != nil {
		trips = cb.cfg.ShouldTrip(err)
	}

	if !trips {
		switch cb.state {
		case CircuitHalfOpen:
			cb.probeSuccess++
			if cb.probeSuccess >= cb.cfg.HalfOpenMaxProbes {
				cb.failures = 0
				cb.probeSuccess = 0
				cb.transition(CircuitClosed)
			}
		case CircuitClosed:
			cb.failures = 0
		}
		return
	}

	cb.failures++
	cb.lastFailure = cb.nowFunc()
	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.probeSuccess = 0
		cb.transition(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// ServiceBreakers holds one breaker per provider, created on first use.
type ServiceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewServiceBreakers creates a breaker registry sharing cfg.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{breakers: make(map[string]*CircuitBreaker), cfg: cfg}
}

// Get returns the breaker for service. Breakers created here log their
// state changes unless cfg already carries a callback.
func (sb *ServiceBreakers) Get(service string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[service]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if cb, ok = sb.breakers[service]; ok {
		return cb
	}
	cfg := sb.cfg
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(from, to CircuitState) {
			zap.L().Warn("resilience: circuit state change",
				zap.String("service", service),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	}
	cb = NewCircuitBreaker(cfg)
	sb.breakers[service] = cb
	return cb
}

// States returns a snapshot of every breaker's state, keyed by service.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]CircuitState, len(sb.breakers))
	for name, cb := range sb.breakers {
		states[name] = cb.State()
	}
	return states
}
