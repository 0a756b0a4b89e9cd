package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/qualify"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
)

// ReplayResult reports one ReplayDLQ pass.
type ReplayResult struct {
	Due         int `json:"due"`
	Resolved    int `json:"resolved"`
	Rescheduled int `json:"rescheduled"`
}

// ReplayDLQ reruns the tenant's due dead-lettered stage jobs. Trace and
// score jobs rerun their stage over the recorded contacts that are still
// waiting on it. Dispatch jobs send the recorded template again to the
// contacts that are still ready; entries written without a template only
// resolve once a later campaign run has sent every recorded contact. Jobs
// that fail again are rescheduled with backoff until their retries are spent.
func (p *Pipeline) ReplayDLQ(ctx context.Context, tenant string) (*ReplayResult, error) {
	entries, err := p.store.DequeueDLQ(ctx, resilience.DLQFilter{TenantID: tenant}, p.now().UTC())
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: dequeue dlq")
	}

	res := &ReplayResult{Due: len(entries)}
	for i := range entries {
		e := &entries[i]
		var payload stagePayload
		if err := e.DecodePayload(&payload); err != nil {
			return res, err
		}

		replayErr := p.replay(ctx, tenant, e.Stage, payload)
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if replayErr == nil {
			if err := p.store.RemoveDLQ(ctx, e.ID); err != nil {
				return res, eris.Wrap(err, "pipeline: remove dlq entry")
			}
			res.Resolved++
			continue
		}

		next := p.now().UTC().Add(p.retry.Backoff(e.RetryCount + 1))
		if err := p.store.IncrementDLQRetry(ctx, e.ID, next, replayErr.Error()); err != nil {
			return res, eris.Wrap(err, "pipeline: reschedule dlq entry")
		}
		res.Rescheduled++
		zap.L().Warn("pipeline: dlq replay failed",
			zap.String("tenant", tenant),
			zap.String("dlq_id", e.ID),
			zap.String("stage", e.Stage),
			zap.Int("retry_count", e.RetryCount+1),
			zap.Error(replayErr),
		)
	}
	return res, nil
}

func (p *Pipeline) replay(ctx context.Context, tenant, stage string, payload stagePayload) error {
	switch stage {
	case resilience.StageTrace:
		pending, err := p.contactsIn(ctx, payload.ContactIDs, func(c *model.Contact) bool {
			return c.Status == model.StatusTracedPending
		})
		if err != nil {
			return err
		}
		return p.trace(ctx, tenant, payload.BlockID, pending, &EnrichResult{}, false)

	case resilience.StageScore:
		failed, err := p.contactsIn(ctx, payload.ContactIDs, func(c *model.Contact) bool {
			return c.Status == model.StatusRejected && c.Qualification != nil &&
				c.Qualification.Reason == qualify.ReasonScoringFailed
		})
		if err != nil {
			return err
		}
		res := &EnrichResult{}
		if err := p.score(ctx, tenant, model.StatusRejected, failed, res, false); err != nil {
			return err
		}
		if res.ScoringFailed > 0 {
			return eris.Errorf("pipeline: %d contacts failed scoring again", res.ScoringFailed)
		}
		_, err = p.qualify(ctx, tenant, "", []model.ContactStatus{model.StatusScored})
		return err

	case resilience.StageDispatch:
		if payload.Template == "" {
			return p.dispatchSettled(ctx, tenant, payload)
		}
		return p.redispatch(ctx, tenant, payload)

	default:
		return eris.Errorf("pipeline: no replay for stage %q", stage)
	}
}

// redispatch sends the payload's campaign again to its contacts that are
// still ready. The usual claims apply, so the daily cap holds and contacts
// sent in the meantime are skipped.
func (p *Pipeline) redispatch(ctx context.Context, tenant string, payload stagePayload) error {
	leads, err := p.contactsIn(ctx, payload.ContactIDs, func(c *model.Contact) bool {
		return c.Status == model.StatusReady
	})
	if err != nil || len(leads) == 0 {
		return err
	}

	res, err := p.dispatch.ForCampaign(payload.Campaign, false).
		ExecuteCampaign(ctx, tenant, leads, payload.Template, len(leads))
	if err != nil {
		return err
	}
	if unsent := len(leads) - res.Sent - res.AlreadySent - res.Ineligible; unsent > 0 {
		if len(res.Errors) > 0 {
			return eris.Wrapf(res.Errors[0], "pipeline: %d contacts still unsent in campaign %q", unsent, payload.Campaign)
		}
		return eris.Errorf("pipeline: %d contacts still unsent in campaign %q", unsent, payload.Campaign)
	}
	return nil
}

func (p *Pipeline) dispatchSettled(ctx context.Context, tenant string, payload stagePayload) error {
	var unsent int
	for _, id := range payload.ContactIDs {
		rec, err := p.store.GetDispatch(ctx, tenant, payload.Campaign, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return eris.Wrapf(err, "pipeline: lookup dispatch for %s", id)
		}
		if rec == nil || rec.Status != model.DispatchSent {
			unsent++
		}
	}
	if unsent > 0 {
		return eris.Errorf("pipeline: %d contacts still unsent in campaign %q", unsent, payload.Campaign)
	}
	return nil
}

// contactsIn loads the given contacts and keeps those matching keep.
// Contacts that no longer exist are skipped.
func (p *Pipeline) contactsIn(ctx context.Context, ids []string, keep func(*model.Contact) bool) ([]model.Contact, error) {
	var out []model.Contact
	for _, id := range ids {
		c, err := p.store.GetContact(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: load contact %s", id)
		}
		if keep(c) {
			out = append(out, *c)
		}
	}
	return out, nil
}
