package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/dispatch"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/priority"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
)

// CampaignReady returns the tenant's ready contacts in tiers 1-3, best
// first, truncated to target when target > 0.
func (p *Pipeline) CampaignReady(ctx context.Context, tenant string, target int) ([]priority.Ranked, error) {
	ready, err := p.store.ListContacts(ctx, tenant, store.ContactFilter{
		Statuses: []model.ContactStatus{model.StatusReady},
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list ready contacts")
	}
	return priority.CampaignReady(ready, target), nil
}

// CampaignRequest describes one campaign run.
type CampaignRequest struct {
	Campaign string `json:"campaign"`
	Template string `json:"template"`
	// Count caps the run; <= 0 sends up to the remaining daily cap.
	Count  int  `json:"count"`
	DryRun bool `json:"dry_run"`
}

// ExecuteCampaign dispatches to the tenant's campaign-ready contacts in
// priority order. Failed sends are dead-lettered together with the template,
// so ReplayDLQ can send them again; rerunning the campaign retries them too
// since only sent contacts are skipped.
func (p *Pipeline) ExecuteCampaign(ctx context.Context, tenant string, req CampaignRequest) (*dispatch.CampaignResult, error) {
	if strings.TrimSpace(req.Template) == "" {
		return nil, eris.New("pipeline: campaign template is required")
	}

	var res *dispatch.CampaignResult
	err := p.stage(tenant, "dispatch", func() error {
		ranked, err := p.CampaignReady(ctx, tenant, 0)
		if err != nil {
			return err
		}
		leads := make([]model.Contact, len(ranked))
		for i, r := range ranked {
			leads[i] = r.Contact
		}

		res, err = p.dispatch.ForCampaign(req.Campaign, req.DryRun).
			ExecuteCampaign(ctx, tenant, leads, req.Template, req.Count)
		if err != nil {
			return err
		}
		res.CostUSD = p.costCalc.SMS(res.Sent)

		var failed []string
		for _, rec := range res.Records {
			if rec.Status == model.DispatchFailed {
				failed = append(failed, rec.ContactID)
			}
		}
		if len(failed) > 0 {
			cause := eris.Errorf("pipeline: %d sends failed in campaign %q", len(failed), req.Campaign)
			if len(res.Errors) > 0 {
				cause = eris.Wrapf(res.Errors[0], "pipeline: %d sends failed in campaign %q", len(failed), req.Campaign)
			}
			p.deadLetter(ctx, tenant, resilience.StageDispatch,
				stagePayload{ContactIDs: failed, Campaign: req.Campaign, Template: req.Template}, cause)
		}
		return nil
	})
	return res, err
}
