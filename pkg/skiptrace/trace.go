package skiptrace

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
)

// ErrTimeout is returned when a job is still pending after the wait budget.
var ErrTimeout = eris.New("skiptrace: job did not complete within wait budget")

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxWait      = 10 * time.Minute
)

// TraceOption configures Trace.
type TraceOption func(*traceConfig)

type traceConfig struct {
	interval time.Duration
	maxWait  time.Duration
}

// WithPollInterval overrides the fixed poll interval.
func WithPollInterval(d time.Duration) TraceOption {
	return func(c *traceConfig) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithMaxWait overrides the total time allowed for the job to complete.
func WithMaxWait(d time.Duration) TraceOption {
	return func(c *traceConfig) {
		if d > 0 {
			c.maxWait = d
		}
	}
}

// Trace submits req, polls the job on a fixed interval until it is no
// longer pending, then fetches its rows. It returns ErrTimeout when the wait
// budget runs out and the caller's error when ctx is cancelled first.
func Trace(ctx context.Context, client Client, req SubmitRequest, opts ...TraceOption) ([]ResultRow, error) {
	cfg := traceConfig{interval: defaultPollInterval, maxWait: defaultMaxWait}
	for _, opt := range opts {
		opt(&cfg)
	}

	sub, err := client.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	status, err := poll(ctx, client, sub.JobID, cfg)
	if err != nil {
		return nil, err
	}
	return client.Results(ctx, sub.JobID, status.DownloadURL)
}

// Poll waits for an already submitted job.
func Poll(ctx context.Context, client Client, jobID string, opts ...TraceOption) (*StatusResponse, error) {
	cfg := traceConfig{interval: defaultPollInterval, maxWait: defaultMaxWait}
	for _, opt := range opts {
		opt(&cfg)
	}
	return poll(ctx, client, jobID, cfg)
}

func poll(parent context.Context, client Client, jobID string, cfg traceConfig) (*StatusResponse, error) {
	ctx, cancel := context.WithTimeout(parent, cfg.maxWait)
	defer cancel()

	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	for {
		status, err := client.Status(ctx, jobID)
		if err != nil {
			if budgetExpired(parent, ctx) {
				return nil, eris.Wrapf(ErrTimeout, "job %s", jobID)
			}
			return nil, eris.Wrapf(err, "skiptrace: poll job %s", jobID)
		}
		if !status.Pending {
			return status, nil
		}

		select {
		case <-ctx.Done():
			if budgetExpired(parent, ctx) {
				return nil, eris.Wrapf(ErrTimeout, "job %s", jobID)
			}
			return nil, eris.Wrapf(parent.Err(), "skiptrace: poll job %s cancelled", jobID)
		case <-ticker.C:
		}
	}
}

// budgetExpired reports whether ctx ended because of its own deadline
// rather than the caller's.
func budgetExpired(parent, ctx context.Context) bool {
	return parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
}
