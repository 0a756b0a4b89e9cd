package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/pkg/sms"
)

// Store is the persistence the engine needs.
type Store interface {
	IdentityStore
	GetDispatch(ctx context.Context, tenantID, campaign, contactID string) (*model.DispatchRecord, error)
	SaveDispatch(ctx context.Context, rec *model.DispatchRecord) error
	ClaimDispatch(ctx context.Context, claim store.DispatchClaim) error
	ReleaseDispatch(ctx context.Context, rec *model.DispatchRecord) error
	SentToday(ctx context.Context, tenantID string, now time.Time) (int, error)
	SetStatus(ctx context.Context, status model.ContactStatus, ids ...string) (int, error)
}

// staleClaimAfter is how long a sending record may sit unfinished before
// another run may claim the contact again.
const staleClaimAfter = 15 * time.Minute

// Config controls a campaign run.
type Config struct {
	Campaign         string
	DailyCap         int
	MinDelay         time.Duration
	FailureThreshold int
	OptOutText       string
	DryRun           bool
	Retry            resilience.RetryConfig
}

// ConfigFromDispatch builds a Config from the dispatch config section.
func ConfigFromDispatch(c config.DispatchConfig, retry resilience.RetryConfig) Config {
	return Config{
		DailyCap:         c.DailyCap,
		MinDelay:         time.Duration(c.MinDelayMs) * time.Millisecond,
		FailureThreshold: c.FailureThreshold,
		OptOutText:       c.OptOutText,
		Retry:            retry,
	}
}

// CampaignResult accumulates a campaign run. Errors holds per-lead send
// failures and, when the run stopped early, the reason it stopped.
type CampaignResult struct {
	Campaign    string                 `json:"campaign"`
	DryRun      bool                   `json:"dry_run"`
	Budget      int                    `json:"budget"`
	SentToday   int                    `json:"sent_today"`
	Sent        int                    `json:"sent"`
	Failed      int                    `json:"failed"`
	WouldSend   int                    `json:"would_send"`
	Ineligible  int                    `json:"ineligible"`
	AlreadySent int                    `json:"already_sent"`
	Halted      bool                   `json:"halted"`
	CapReached  bool                   `json:"cap_reached"`
	Records     []model.DispatchRecord `json:"records,omitempty"`
	CostUSD     float64                `json:"cost_usd"`
	Errors      []error                `json:"-"`
}

// Attempted counts leads that used part of the budget.
func (r *CampaignResult) Attempted() int {
	return r.Sent + r.Failed + r.WouldSend
}

// Engine executes campaigns.
type Engine struct {
	store    Store
	sender   sms.Client
	pool     *Pool
	cfg      Config
	channels *Channels
	breaker  *resilience.CircuitBreaker
	throttle *throttle
	now      func() time.Time
}

// throttle holds one send limiter per tenant.
type throttle struct {
	mu       sync.Mutex
	every    time.Duration
	limiters map[string]*rate.Limiter
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithBreaker guards sends with a provider-level circuit breaker. It should
// trip on transient errors only; rejections are charged to the identity.
func WithBreaker(cb *resilience.CircuitBreaker) EngineOption {
	return func(e *Engine) { e.breaker = cb }
}

// NewEngine creates a dispatch engine. channels may be nil when identities
// are managed directly in the store.
func NewEngine(s Store, sender sms.Client, cfg Config, channels *Channels, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    s,
		sender:   sender,
		pool:     NewPool(s, cfg.FailureThreshold),
		cfg:      cfg,
		channels: channels,
		throttle: &throttle{every: cfg.MinDelay, limiters: make(map[string]*rate.Limiter)},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		cfg := resilience.DefaultCircuitBreakerConfig()
		cfg.ShouldTrip = resilience.IsTransient
		e.breaker = resilience.NewCircuitBreaker(cfg)
	}
	e.pool.now = func() time.Time { return e.now() }
	return e
}

// Pool returns the engine's identity pool.
func (e *Engine) Pool() *Pool { return e.pool }

// ForCampaign returns an engine for one campaign run. It shares the
// identity pool, breaker and per-tenant throttle with e.
func (e *Engine) ForCampaign(campaign string, dryRun bool) *Engine {
	c := *e
	c.cfg.Campaign = campaign
	c.cfg.DryRun = dryRun
	return &c
}

// limiter returns the tenant's send throttle. Tenants never share one.
func (e *Engine) limiter(tenant string) *rate.Limiter {
	t := e.throttle
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[tenant]
	if !ok {
		limit := rate.Inf
		if t.every > 0 {
			limit = rate.Every(t.every)
		}
		l = rate.NewLimiter(limit, 1)
		t.limiters[tenant] = l
	}
	return l
}

// Eligible reports whether a lead may be messaged: a mobile best phone
// graded A or B and a ready qualification.
func Eligible(c model.Contact) bool {
	best := c.BestPhone()
	if best == nil || !best.IsMobile() || !best.Grade.In(model.GradeA, model.GradeB) {
		return false
	}
	return c.Qualification != nil && c.Qualification.Status == model.QualificationReady
}

// ExecuteCampaign messages eligible leads in order until the budget
// min(requested, dailyCap - sentToday) is used. A requested count <= 0 means
// the remaining daily cap. Every live send first claims its dispatch record
// and a daily budget slot in the store, so concurrent runs neither exceed
// the cap nor message a contact twice. Per-lead failures are collected in
// the result; the returned error is reserved for failures before any lead
// was tried.
func (e *Engine) ExecuteCampaign(ctx context.Context, tenant string, leads []model.Contact, template string, requested int) (*CampaignResult, error) {
	if tenant == "" {
		return nil, eris.New("dispatch: tenant is required")
	}
	if template == "" {
		return nil, eris.New("dispatch: template is required")
	}
	campaign := e.cfg.Campaign
	res := &CampaignResult{Campaign: campaign, DryRun: e.cfg.DryRun}
	log := zap.L().With(zap.String("tenant", tenant), zap.String("campaign", campaign), zap.Bool("dry_run", e.cfg.DryRun))

	if e.channels != nil {
		if _, err := e.channels.Register(ctx, e.pool, tenant); err != nil {
			return nil, err
		}
	}

	sent, err := e.store.SentToday(ctx, tenant, e.now())
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: count sent today")
	}
	res.SentToday = sent
	res.Budget = budget(requested, e.cfg.DailyCap, sent)
	if res.Budget == 0 {
		log.Info("dispatch: daily cap reached", zap.Int("sent_today", sent), zap.Int("daily_cap", e.cfg.DailyCap))
		return res, nil
	}

	for _, lead := range leads {
		if res.Attempted() >= res.Budget {
			break
		}
		if err := ctx.Err(); err != nil {
			res.Halted = true
			res.Errors = append(res.Errors, eris.Wrap(err, "dispatch: campaign cancelled"))
			break
		}
		if !Eligible(lead) {
			res.Ineligible++
			continue
		}

		prev, err := e.store.GetDispatch(ctx, tenant, campaign, lead.ID)
		switch {
		case err == nil && (prev.Status == model.DispatchSent || prev.Status == model.DispatchSending):
			res.AlreadySent++
			continue
		case err != nil && !errors.Is(err, store.ErrNotFound):
			res.Errors = append(res.Errors, eris.Wrapf(err, "dispatch: lookup contact %s", lead.ID))
			continue
		}

		if stop := e.dispatchOne(ctx, tenant, lead, template, res); stop {
			res.Halted = !res.CapReached
			break
		}
	}

	log.Info("dispatch: campaign finished",
		zap.Int("budget", res.Budget),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Int("would_send", res.WouldSend),
		zap.Int("ineligible", res.Ineligible),
		zap.Int("already_sent", res.AlreadySent),
		zap.Bool("halted", res.Halted),
		zap.Bool("cap_reached", res.CapReached),
	)
	return res, nil
}

func budget(requested, dailyCap, sentToday int) int {
	remaining := max(dailyCap-sentToday, 0)
	if requested <= 0 {
		return remaining
	}
	return min(requested, remaining)
}

// dispatchOne handles one eligible lead. It reports true when the campaign
// must stop.
func (e *Engine) dispatchOne(ctx context.Context, tenant string, lead model.Contact, template string, res *CampaignResult) bool {
	rec := model.DispatchRecord{
		ContactID: lead.ID,
		TenantID:  tenant,
		Campaign:  e.cfg.Campaign,
		To:        lead.BestPhone().Number,
		Body:      Personalize(template, lead, e.cfg.OptOutText),
		CreatedAt: e.now().UTC(),
	}

	if e.cfg.DryRun {
		identity, err := e.pool.SelectNext(ctx, tenant, e.cfg.Campaign)
		if err != nil {
			res.Errors = append(res.Errors, err)
			return !errors.Is(err, ErrIdentitiesBusy)
		}
		rec.IdentityID = identity.ID
		rec.Status = model.DispatchWouldSend
		res.WouldSend++
		e.save(ctx, &rec, res)
		return false
	}

	if err := e.limiter(tenant).Wait(ctx); err != nil {
		res.Errors = append(res.Errors, eris.Wrap(err, "dispatch: throttle"))
		return true
	}

	err := e.store.ClaimDispatch(ctx, store.DispatchClaim{
		Record:      &rec,
		DailyCap:    e.cfg.DailyCap,
		StaleBefore: rec.CreatedAt.Add(-staleClaimAfter),
	})
	switch {
	case errors.Is(err, store.ErrAlreadyClaimed):
		res.AlreadySent++
		return false
	case errors.Is(err, store.ErrDailyCapReached):
		res.CapReached = true
		return true
	case err != nil:
		res.Errors = append(res.Errors, eris.Wrapf(err, "dispatch: claim contact %s", lead.ID))
		return false
	}

	identity, err := e.pool.SelectNext(ctx, tenant, e.cfg.Campaign)
	if err != nil {
		e.release(ctx, &rec, res)
		res.Errors = append(res.Errors, err)
		return !errors.Is(err, ErrIdentitiesBusy)
	}
	rec.IdentityID = identity.ID

	attempts, sendErr := e.send(ctx, identity.Number, rec.To, rec.Body)
	rec.Attempts = attempts
	if attempts == 0 && errors.Is(sendErr, resilience.ErrCircuitOpen) {
		e.release(ctx, &rec, res)
		res.Errors = append(res.Errors, eris.Wrap(sendErr, "dispatch: sms provider unavailable"))
		return true
	}

	if _, err := e.pool.RecordResult(ctx, identity.ID, sendErr == nil); err != nil {
		res.Errors = append(res.Errors, err)
	}

	if sendErr != nil {
		rec.Status = model.DispatchFailed
		rec.Error = sendErr.Error()
		res.Failed++
		res.Errors = append(res.Errors, eris.Wrapf(sendErr, "dispatch: send to contact %s", lead.ID))
		zap.L().Warn("dispatch: send failed",
			zap.String("contact_id", lead.ID),
			zap.String("identity_id", identity.ID),
			zap.Int("attempts", attempts),
			zap.Error(sendErr),
		)
		e.save(ctx, &rec, res)
		return false
	}

	rec.Status = model.DispatchSent
	res.Sent++
	e.save(ctx, &rec, res)
	if _, err := e.store.SetStatus(ctx, model.StatusDispatched, lead.ID); err != nil {
		res.Errors = append(res.Errors, eris.Wrapf(err, "dispatch: mark contact %s dispatched", lead.ID))
	}
	return false
}

// release hands back a claim whose message never reached the provider.
func (e *Engine) release(ctx context.Context, rec *model.DispatchRecord, res *CampaignResult) {
	if err := e.store.ReleaseDispatch(context.WithoutCancel(ctx), rec); err != nil {
		res.Errors = append(res.Errors, eris.Wrapf(err, "dispatch: release contact %s", rec.ContactID))
	}
}

// send delivers one message with retries. A provider rejection
// (success=false) is permanent and not retried.
func (e *Engine) send(ctx context.Context, from, to, body string) (int, error) {
	attempts := 0
	retry := e.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(resilience.ServiceSMS, "send")
	}
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, retry, func(ctx context.Context) error {
			attempts++
			resp, err := e.sender.Send(ctx, sms.SendRequest{From: from, To: to, Body: body})
			if err != nil {
				return err
			}
			if !resp.Success {
				msg := resp.Error
				if msg == "" {
					msg = "rejected"
				}
				return eris.Errorf("dispatch: provider rejected message: %s", msg)
			}
			return nil
		})
	})
	return attempts, err
}

func (e *Engine) save(ctx context.Context, rec *model.DispatchRecord, res *CampaignResult) {
	res.Records = append(res.Records, *rec)
	if err := e.store.SaveDispatch(ctx, rec); err != nil {
		res.Errors = append(res.Errors, eris.Wrapf(err, "dispatch: save record for contact %s", rec.ContactID))
	}
}
