package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/capacity"
	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/dispatch"
	"github.com/sells-group/outreach-cli/internal/pipeline"
	"github.com/sells-group/outreach-cli/internal/resilience"
)

// Runner is the pipeline surface the worker drives.
type Runner interface {
	Pull(ctx context.Context, tenant string, count int, sector string) ([]capacity.PullResult, error)
	RunEnrichment(ctx context.Context, tenant, blockID string, limit int) (*pipeline.EnrichResult, error)
	ExecuteCampaign(ctx context.Context, tenant string, req pipeline.CampaignRequest) (*dispatch.CampaignResult, error)
	ReplayDLQ(ctx context.Context, tenant string) (*pipeline.ReplayResult, error)
}

// Worker processes queued stage tasks.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner Runner
}

// NewWorker builds a worker for the queue in cfg. Failed tasks are retried
// with the backoff of retry.
func NewWorker(cfg config.RedisConfig, retry resilience.RetryConfig, runner Runner) (*Worker, error) {
	opt, err := redisClientOpt(cfg.URL)
	if err != nil {
		return nil, err
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queueName(cfg.Queue): 1},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return retry.Backoff(n)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			zap.L().Error("jobs: task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
		Logger: zap.L().Sugar(),
	})

	w := &Worker{server: server, mux: asynq.NewServeMux(), runner: runner}
	w.mux.HandleFunc(TaskPull, w.handlePull)
	w.mux.HandleFunc(TaskEnrich, w.handleEnrich)
	w.mux.HandleFunc(TaskCampaign, w.handleCampaign)
	w.mux.HandleFunc(TaskReplay, w.handleReplay)
	return w, nil
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()
	if err := w.server.Run(w.mux); err != nil {
		return eris.Wrap(err, "jobs: worker stopped")
	}
	return nil
}

// ProcessTask routes one task to its handler.
func (w *Worker) ProcessTask(ctx context.Context, task *asynq.Task) error {
	return w.mux.ProcessTask(ctx, task)
}

func (w *Worker) handlePull(ctx context.Context, task *asynq.Task) error {
	p, err := parsePayload[PullPayload](task)
	if err != nil {
		return err
	}
	results, err := w.runner.Pull(ctx, p.TenantID, p.Count, p.Sector)
	if err != nil {
		return err
	}
	pulled := 0
	for _, r := range results {
		pulled += r.Pulled
	}
	zap.L().Info("jobs: pull done", zap.String("tenant", p.TenantID), zap.Int("pulled", pulled))
	return nil
}

func (w *Worker) handleEnrich(ctx context.Context, task *asynq.Task) error {
	p, err := parsePayload[EnrichPayload](task)
	if err != nil {
		return err
	}
	res, err := w.runner.RunEnrichment(ctx, p.TenantID, p.BlockID, p.Limit)
	// A dead-lettered batch is replayed from the DLQ, not by asynq.
	if err != nil && res != nil && res.DeadLettered > 0 {
		return fmt.Errorf("jobs: enrichment dead-lettered: %v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	zap.L().Info("jobs: enrichment done",
		zap.String("tenant", p.TenantID),
		zap.Int("traced", res.Traced),
		zap.Int("scored", res.Scored),
		zap.Int("ready", res.Ready),
	)
	return nil
}

func (w *Worker) handleCampaign(ctx context.Context, task *asynq.Task) error {
	p, err := parsePayload[CampaignPayload](task)
	if err != nil {
		return err
	}
	res, err := w.runner.ExecuteCampaign(ctx, p.TenantID, pipeline.CampaignRequest{
		Campaign: p.Campaign,
		Template: p.Template,
		Count:    p.Count,
		DryRun:   p.DryRun,
	})
	if err != nil {
		return err
	}
	zap.L().Info("jobs: campaign done",
		zap.String("tenant", p.TenantID),
		zap.String("campaign", p.Campaign),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
	)
	return nil
}

func (w *Worker) handleReplay(ctx context.Context, task *asynq.Task) error {
	p, err := parsePayload[ReplayPayload](task)
	if err != nil {
		return err
	}
	res, err := w.runner.ReplayDLQ(ctx, p.TenantID)
	if err != nil {
		return err
	}
	zap.L().Info("jobs: dlq replay done",
		zap.String("tenant", p.TenantID),
		zap.Int("resolved", res.Resolved),
		zap.Int("rescheduled", res.Rescheduled),
	)
	return nil
}
