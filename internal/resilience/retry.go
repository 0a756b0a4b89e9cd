package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/config"
)

// RetryConfig controls bounded exponential backoff with jitter.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// JitterFraction adds ±fraction of the computed delay.
	JitterFraction float64

	// ShouldRetry overrides the IsTransient check when set.
	ShouldRetry func(err error) bool

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the retry policy used for provider calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// RetryFromConfig builds a RetryConfig from the retry config section,
// keeping defaults for unset values.
func RetryFromConfig(c config.RetryConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		cfg.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		cfg.JitterFraction = c.JitterFraction
	}
	return cfg
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts, or ctx is done. The last error is returned.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for functions that return a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !shouldRetry(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(computeBackoff(attempt, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := math.Min(float64(cfg.InitialBackoff)*math.Pow(cfg.Multiplier, float64(attempt)), float64(cfg.MaxBackoff))
	if cfg.JitterFraction > 0 {
		delay += (rand.Float64()*2 - 1) * delay * cfg.JitterFraction
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry at Warn.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("resilience: retrying",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

// Backoff returns the delay before retry number attempt (zero-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	return computeBackoff(attempt, applyDefaults(c))
}
