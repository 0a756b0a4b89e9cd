package enrich

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/contactscore"
)

// ScorePhone scores one phone. It never fails: provider errors, an open
// circuit, or a response without a usable grade all yield the invalid
// placeholder (grade F, activity 0).
func (g *Gateway) ScorePhone(ctx context.Context, c model.Contact, p model.PhoneCandidate) model.PhoneCandidate {
	req := contactscore.ScoreRequest{
		Phone:     p.Number,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Company:   c.Company,
		Street:    c.Street,
		City:      c.City,
		State:     c.State,
		Zip:       c.Zip,
	}

	cb := g.breakers.Get(resilience.ServiceScoring)
	resp, err := resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*contactscore.ScoreResponse, error) {
		return resilience.DoVal(ctx, g.retryFor(resilience.ServiceScoring, "score"),
			func(ctx context.Context) (*contactscore.ScoreResponse, error) {
				return g.score.Score(ctx, req)
			})
	})
	if err != nil {
		zap.L().Warn("enrich: phone scoring failed, using placeholder",
			zap.String("contact_id", c.ID),
			zap.String("phone", p.Number),
			zap.Error(err),
		)
		return placeholder(p)
	}

	scored, ok := fromResponse(p, resp)
	if !ok {
		zap.L().Warn("enrich: incomplete scoring response, using placeholder",
			zap.String("contact_id", c.ID),
			zap.String("phone", p.Number),
		)
		return placeholder(p)
	}
	return scored
}

// ScoreContact scores every phone of c concurrently and waits for all of
// them. The only error is ctx ending before the phones were scored.
func (g *Gateway) ScoreContact(ctx context.Context, c model.Contact) ([]model.PhoneCandidate, error) {
	out := make([]model.PhoneCandidate, len(c.Phones))

	var eg errgroup.Group
	eg.SetLimit(g.concurrency)
	for i, p := range c.Phones {
		eg.Go(func() error {
			out[i] = g.ScorePhone(ctx, c, p)
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func placeholder(p model.PhoneCandidate) model.PhoneCandidate {
	ph := model.InvalidPhone(p.Number, p.LineType)
	if p.Source != "" {
		ph.Source = p.Source
	}
	return ph
}

// fromResponse converts a provider response. It reports false when the
// response carries no usable grade.
func fromResponse(p model.PhoneCandidate, resp *contactscore.ScoreResponse) (model.PhoneCandidate, bool) {
	if resp == nil {
		return model.PhoneCandidate{}, false
	}
	grade := model.ParseGrade(resp.ContactGrade)
	if !grade.Known() {
		return model.PhoneCandidate{}, false
	}

	lt := model.ParseLineType(resp.LineType)
	if lt == model.LineUnknown {
		lt = p.LineType
	}
	valid := true
	if resp.IsValid != nil {
		valid = *resp.IsValid
	}
	reachable := valid
	if resp.IsReachable != nil {
		reachable = *resp.IsReachable
	}

	return model.PhoneCandidate{
		Number:        p.Number,
		LineType:      lt,
		Grade:         grade,
		ActivityScore: min(max(resp.ActivityScore, 0), 100),
		Reachable:     reachable,
		Valid:         valid,
		NameMatch:     resp.NameMatch,
		Scored:        true,
		Source:        p.Source,
	}, true
}
