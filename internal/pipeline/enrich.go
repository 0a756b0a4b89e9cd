package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/capacity"
	"github.com/sells-group/outreach-cli/internal/grading"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/priority"
	"github.com/sells-group/outreach-cli/internal/qualify"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/pkg/skiptrace"
)

// Pull moves backlog contacts into the tenant's active block. count <= 0
// pulls the configured daily quota. Full blocks rotate.
func (p *Pipeline) Pull(ctx context.Context, tenant string, count int, sector string) ([]capacity.PullResult, error) {
	var results []capacity.PullResult
	err := p.stage(tenant, "pull", func() error {
		var err error
		if count <= 0 {
			results, err = p.capacity.DailyPull(ctx, tenant, sector)
		} else {
			results, err = p.capacity.PullRotating(ctx, tenant, count, sector)
		}
		return err
	})
	return results, err
}

// EnrichResult reports one RunEnrichment pass.
type EnrichResult struct {
	Traced    int `json:"traced"`
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	Scored    int `json:"scored"`
	// ScoringFailed leads are also counted in Rejected.
	ScoringFailed int `json:"scoring_failed"`
	Ready         int `json:"ready"`
	Rejected      int `json:"rejected"`
	Review        int `json:"review"`
	DeadLettered  int `json:"dead_lettered"`

	// PhonesScored counts scoring lookups attempted, including failures.
	PhonesScored int     `json:"phones_scored"`
	CostUSD      float64 `json:"cost_usd"`
}

// RunEnrichment advances up to limit contacts per stage through trace,
// score and qualification. blockID narrows every stage to one block when
// set. A trace failure dead-letters the batch and stops the run; scoring
// failures are per contact and do not.
func (p *Pipeline) RunEnrichment(ctx context.Context, tenant, blockID string, limit int) (*EnrichResult, error) {
	res := &EnrichResult{}

	if err := p.stage(tenant, "trace", func() error {
		return p.traceStage(ctx, tenant, blockID, limit, res)
	}); err != nil {
		return res, err
	}
	if err := p.stage(tenant, "score", func() error {
		return p.scoreStage(ctx, tenant, blockID, limit, res)
	}); err != nil {
		return res, err
	}

	var qr *QualifyResult
	if err := p.stage(tenant, "qualify", func() error {
		var err error
		qr, err = p.qualify(ctx, tenant, blockID, []model.ContactStatus{model.StatusScored})
		return err
	}); err != nil {
		return res, err
	}
	res.Ready += qr.Ready
	res.Rejected += qr.Rejected
	res.Review += qr.Review
	return res, nil
}

func (p *Pipeline) traceStage(ctx context.Context, tenant, blockID string, limit int, res *EnrichResult) error {
	pending, err := p.store.ListContacts(ctx, tenant, store.ContactFilter{
		Statuses: []model.ContactStatus{model.StatusTracedPending},
		BlockID:  blockID,
		Limit:    limit,
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: list traced_pending contacts")
	}
	return p.trace(ctx, tenant, blockID, pending, res, true)
}

// trace runs one skip-trace job over pending. A failed job is dead-lettered
// when record is set.
func (p *Pipeline) trace(ctx context.Context, tenant, blockID string, pending []model.Contact, res *EnrichResult, record bool) error {
	if len(pending) == 0 {
		return nil
	}

	tr, err := p.gateway.TraceContacts(ctx, pending, p.depth)
	if err != nil {
		if record && ctx.Err() == nil && p.deadLetter(ctx, tenant, resilience.StageTrace,
			stagePayload{ContactIDs: contactIDs(pending), BlockID: blockID}, err) {
			res.DeadLettered++
		}
		return eris.Wrap(err, "pipeline: trace")
	}

	for i := range tr.Contacts {
		tr.Contacts[i].Status = model.StatusTraced
	}
	if err := p.save(ctx, model.StatusTracedPending, tr.Contacts); err != nil {
		return eris.Wrap(err, "pipeline: save traced contacts")
	}
	res.Traced += len(tr.Contacts)
	res.CostUSD += p.costCalc.Trace(len(pending), p.depth == skiptrace.DepthEnhanced)
	res.Matched += tr.Matched
	res.Unmatched += tr.Unmatched
	return nil
}

func (p *Pipeline) scoreStage(ctx context.Context, tenant, blockID string, limit int, res *EnrichResult) error {
	traced, err := p.store.ListContacts(ctx, tenant, store.ContactFilter{
		Statuses: []model.ContactStatus{model.StatusTraced},
		BlockID:  blockID,
		Limit:    limit,
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: list traced contacts")
	}
	return p.score(ctx, tenant, model.StatusTraced, traced, res, true)
}

// score grades contacts that are currently in status from. Successfully
// graded contacts are saved as scored for the qualify stage; contacts whose
// scoring failed are rejected directly and, when record is set,
// dead-lettered together.
func (p *Pipeline) score(ctx context.Context, tenant string, from model.ContactStatus, contacts []model.Contact, res *EnrichResult, record bool) error {
	if len(contacts) == 0 {
		return nil
	}

	br := p.grader.BatchScore(ctx, contacts)
	// A cancelled run would record every remaining contact as failed.
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "pipeline: score")
	}

	phones := 0
	for _, c := range contacts {
		phones += len(c.Phones)
	}
	res.PhonesScored += phones
	res.CostUSD += p.costCalc.Scoring(phones)

	out := make([]model.Contact, 0, len(br.Results))
	var failedIDs []string
	var failErr error
	for _, lr := range br.Results {
		c := lr.Contact
		if lr.Err != nil {
			failedIDs = append(failedIDs, c.ID)
			failErr = errors.Join(failErr, lr.Err)
			c.Tier, c.PriorityScore = 0, 0
		} else {
			c.Status = model.StatusScored
		}
		out = append(out, c)
	}

	if err := p.save(ctx, from, out); err != nil {
		return eris.Wrap(err, "pipeline: save scored contacts")
	}
	res.Scored += len(out) - len(failedIDs)
	res.ScoringFailed += len(failedIDs)
	res.Rejected += len(failedIDs)

	if record && len(failedIDs) > 0 && p.deadLetter(ctx, tenant, resilience.StageScore, stagePayload{ContactIDs: failedIDs}, failErr) {
		res.DeadLettered++
	}
	return nil
}

// QualifyResult reports one qualification pass.
type QualifyResult struct {
	Evaluated int `json:"evaluated"`
	Changed   int `json:"changed"`
	Ready     int `json:"ready"`
	Rejected  int `json:"rejected"`
	Review    int `json:"review"`
}

// Qualify re-runs qualification from the stored phone grades of every
// scored or qualified contact. It calls no provider. Contacts whose scoring
// failed keep their rejection.
func (p *Pipeline) Qualify(ctx context.Context, tenant string) (*QualifyResult, error) {
	var res *QualifyResult
	err := p.stage(tenant, "qualify", func() error {
		var err error
		res, err = p.qualify(ctx, tenant, "", []model.ContactStatus{
			model.StatusScored, model.StatusReady, model.StatusRejected, model.StatusReview,
		})
		return err
	})
	return res, err
}

func (p *Pipeline) qualify(ctx context.Context, tenant, blockID string, statuses []model.ContactStatus) (*QualifyResult, error) {
	contacts, err := p.store.ListContacts(ctx, tenant, store.ContactFilter{Statuses: statuses, BlockID: blockID})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list contacts to qualify")
	}

	res := &QualifyResult{}
	byStatus := make(map[model.ContactStatus][]model.Contact)
	for _, c := range contacts {
		if c.Qualification != nil && c.Qualification.Reason == qualify.ReasonScoringFailed {
			continue
		}
		res.Evaluated++
		before := c.Status

		score, q := grading.Evaluate(c.Phones)
		if c.Score != nil {
			score.ScoredAt = c.Score.ScoredAt
		} else {
			score.ScoredAt = p.now().UTC()
		}
		c.Score = &score
		c.Qualification = &q
		c.Status = q.Status.ContactStatus()
		if c.Status == model.StatusReady {
			c.Tier, c.PriorityScore = priority.Assess(c)
		} else {
			c.Tier, c.PriorityScore = 0, 0
		}

		switch c.Status {
		case model.StatusReady:
			res.Ready++
		case model.StatusRejected:
			res.Rejected++
		default:
			res.Review++
		}
		if c.Status != before {
			res.Changed++
		}
		byStatus[before] = append(byStatus[before], c)
	}

	for from, group := range byStatus {
		if err := p.save(ctx, from, group); err != nil {
			return res, eris.Wrap(err, "pipeline: save qualified contacts")
		}
	}

	zap.L().Info("pipeline: qualification complete",
		zap.String("tenant", tenant),
		zap.Int("evaluated", res.Evaluated),
		zap.Int("changed", res.Changed),
		zap.Int("ready", res.Ready),
		zap.Int("rejected", res.Rejected),
		zap.Int("review", res.Review),
	)
	return res, nil
}
