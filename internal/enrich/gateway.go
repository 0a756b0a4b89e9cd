// Package enrich is the boundary to the skip-trace and contact-scoring
// providers. It attaches traced phones and emails to contacts and turns
// scoring responses into graded phone candidates.
package enrich

import (
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/contactscore"
	"github.com/sells-group/outreach-cli/pkg/skiptrace"
)

// Gateway adapts the provider clients for the pipeline.
type Gateway struct {
	skip        skiptrace.Client
	score       contactscore.Client
	breakers    *resilience.ServiceBreakers
	retry       resilience.RetryConfig
	traceOpts   []skiptrace.TraceOption
	concurrency int
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithBreakers shares a breaker registry with the rest of the process.
func WithBreakers(b *resilience.ServiceBreakers) Option {
	return func(g *Gateway) { g.breakers = b }
}

// WithRetry sets the retry policy for provider calls.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(g *Gateway) { g.retry = cfg }
}

// WithTraceOptions sets poll interval and wait budget for trace jobs.
func WithTraceOptions(opts ...skiptrace.TraceOption) Option {
	return func(g *Gateway) { g.traceOpts = opts }
}

// WithConcurrency bounds concurrent phone scoring per contact.
func WithConcurrency(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.concurrency = n
		}
	}
}

// New creates a Gateway.
func New(skip skiptrace.Client, score contactscore.Client, opts ...Option) *Gateway {
	g := &Gateway{
		skip:        skip,
		score:       score,
		retry:       resilience.DefaultRetryConfig(),
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breakers == nil {
		g.breakers = resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	return g
}

func (g *Gateway) retryFor(service, op string) resilience.RetryConfig {
	cfg := g.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(service, op)
	}
	return cfg
}
