// Package pipeline wires intake, capacity, enrichment, grading, priority and
// dispatch into stage operations. Each stage reads its input from the store
// and writes its output back, so any stage can be rerun on its own.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/capacity"
	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/cost"
	"github.com/sells-group/outreach-cli/internal/dispatch"
	"github.com/sells-group/outreach-cli/internal/enrich"
	"github.com/sells-group/outreach-cli/internal/grading"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/monitoring"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/pkg/contactscore"
	"github.com/sells-group/outreach-cli/pkg/skiptrace"
	"github.com/sells-group/outreach-cli/pkg/sms"
)

// Pipeline orchestrates the enrichment-to-dispatch stages for any tenant.
type Pipeline struct {
	cfg       *config.Config
	store     store.Store
	capacity  *capacity.Manager
	gateway   *enrich.Gateway
	grader    *grading.Engine
	dispatch  *dispatch.Engine
	collector *monitoring.Collector
	breakers  *resilience.ServiceBreakers
	retry     resilience.RetryConfig
	depth     skiptrace.Depth
	costCalc  *cost.Calculator
	now       func() time.Time
}

// New creates a Pipeline with all dependencies. channels may be nil.
func New(
	cfg *config.Config,
	st store.Store,
	skipClient skiptrace.Client,
	scoreClient contactscore.Client,
	smsClient sms.Client,
	channels *dispatch.Channels,
) *Pipeline {
	breakerCfg := resilience.CircuitFromConfig(cfg.Circuit)
	breakerCfg.ShouldTrip = resilience.IsTransient
	breakers := resilience.NewServiceBreakers(breakerCfg)
	retry := resilience.RetryFromConfig(cfg.Retry)

	depth, err := skiptrace.ParseDepth(cfg.SkipTrace.Depth)
	if err != nil {
		zap.L().Warn("pipeline: unknown trace depth, using basic", zap.String("depth", cfg.SkipTrace.Depth))
		depth = skiptrace.DepthBasic
	}

	var traceOpts []skiptrace.TraceOption
	if cfg.SkipTrace.PollIntervalSecs > 0 {
		traceOpts = append(traceOpts, skiptrace.WithPollInterval(time.Duration(cfg.SkipTrace.PollIntervalSecs)*time.Second))
	}
	if cfg.SkipTrace.MaxWaitSecs > 0 {
		traceOpts = append(traceOpts, skiptrace.WithMaxWait(time.Duration(cfg.SkipTrace.MaxWaitSecs)*time.Second))
	}

	gw := enrich.New(skipClient, scoreClient,
		enrich.WithBreakers(breakers),
		enrich.WithRetry(retry),
		enrich.WithTraceOptions(traceOpts...),
		enrich.WithConcurrency(cfg.Scoring.Concurrency),
	)

	costCalc := cost.NewCalculator(cost.Rates{
		TraceBasic:    cfg.Pricing.TraceBasic,
		TraceEnhanced: cfg.Pricing.TraceEnhanced,
		ScorePerPhone: cfg.Pricing.ScorePerPhone,
		SMSPerMessage: cfg.Pricing.SMSPerMessage,
	})

	return &Pipeline{
		cfg:      cfg,
		store:    st,
		capacity: capacity.New(st, cfg.Capacity.BlockSize, cfg.Capacity.DailyPull),
		gateway:  gw,
		grader:   grading.NewEngine(gw, cfg.Batch.MaxConcurrentLeads),
		dispatch: dispatch.NewEngine(st, smsClient, dispatch.ConfigFromDispatch(cfg.Dispatch, retry), channels,
			dispatch.WithBreaker(breakers.Get(resilience.ServiceSMS))),
		collector: monitoring.NewCollector(st, cfg.Dispatch.DailyCap, breakers),
		breakers:  breakers,
		retry:     retry,
		depth:     depth,
		costCalc:  costCalc,
		now:       time.Now,
	}
}

// Store returns the pipeline's store.
func (p *Pipeline) Store() store.Store { return p.store }

// Pool returns the dispatch identity pool.
func (p *Pipeline) Pool() *dispatch.Pool { return p.dispatch.Pool() }

// Collector returns the metrics collector backing Stats.
func (p *Pipeline) Collector() *monitoring.Collector { return p.collector }

// Breakers returns the per-provider circuit breakers.
func (p *Pipeline) Breakers() *resilience.ServiceBreakers { return p.breakers }

// Stats returns a health snapshot for tenant.
func (p *Pipeline) Stats(ctx context.Context, tenant string) (*monitoring.Snapshot, error) {
	return p.collector.Collect(ctx, tenant)
}

// stage runs fn and logs its duration and outcome.
func (p *Pipeline) stage(tenant, name string, fn func() error) error {
	log := zap.L().With(zap.String("tenant", tenant), zap.String("stage", name))
	start := time.Now()
	err := fn()
	duration := time.Since(start).Milliseconds()
	if err != nil {
		log.Error("pipeline: stage failed", zap.Int64("duration_ms", duration), zap.Error(err))
		return err
	}
	log.Info("pipeline: stage complete", zap.Int64("duration_ms", duration))
	return nil
}

// stagePayload is the DLQ payload for a stage job over specific contacts.
type stagePayload struct {
	ContactIDs []string `json:"contact_ids"`
	BlockID    string   `json:"block_id,omitempty"`
	Campaign   string   `json:"campaign,omitempty"`
	Template   string   `json:"template,omitempty"`
}

// deadLetter records a failed stage job. Failing to record it is logged, not
// returned, so the original failure stays the reported one.
func (p *Pipeline) deadLetter(ctx context.Context, tenant, stage string, payload stagePayload, cause error) bool {
	entry, err := resilience.NewDLQEntry(tenant, stage, payload, cause, p.retry, p.now().UTC())
	if err == nil {
		err = p.store.EnqueueDLQ(ctx, *entry)
	}
	if err != nil {
		zap.L().Error("pipeline: failed to dead-letter stage job",
			zap.String("tenant", tenant),
			zap.String("stage", stage),
			zap.Int("contacts", len(payload.ContactIDs)),
			zap.Error(err),
		)
		return false
	}
	zap.L().Warn("pipeline: stage job dead-lettered",
		zap.String("tenant", tenant),
		zap.String("stage", stage),
		zap.String("dlq_id", entry.ID),
		zap.String("error_type", entry.ErrorType),
	)
	return true
}

// save persists contacts that all left status from, then advances their
// block buckets by destination. Buckets are advanced for every contact saved
// before a failure.
func (p *Pipeline) save(ctx context.Context, from model.ContactStatus, contacts []model.Contact) error {
	type move struct {
		block string
		to    model.ContactStatus
	}
	moved := make(map[move]int)
	var saveErr error
	now := p.now().UTC()
	for i := range contacts {
		c := &contacts[i]
		c.UpdatedAt = now
		if err := p.store.UpdateContact(ctx, c); err != nil {
			saveErr = err
			break
		}
		moved[move{c.BlockID, c.Status}]++
	}

	for m, n := range moved {
		if err := p.capacity.Advance(ctx, m.block, from, m.to, n); err != nil {
			zap.L().Error("pipeline: advance block", zap.String("block_id", m.block), zap.Error(err))
			if saveErr == nil {
				saveErr = err
			}
		}
	}
	return saveErr
}

func contactIDs(contacts []model.Contact) []string {
	ids := make([]string, len(contacts))
	for i := range contacts {
		ids[i] = contacts[i].ID
	}
	return ids
}
