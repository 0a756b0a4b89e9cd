package grading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/outreach-cli/internal/model"
)

// PhoneScorer scores every phone of a contact. An error means the contact as
// a whole could not be scored.
type PhoneScorer interface {
	ScoreContact(ctx context.Context, c model.Contact) ([]model.PhoneCandidate, error)
}

// LeadResult is the outcome for one contact. Contact carries the scored
// phones, score, qualification and the resulting status.
type LeadResult struct {
	Contact model.Contact
	Err     error
}

// BatchResult aggregates a BatchScore run. Failed contacts are rejected and
// counted in both Failed and Rejected.
type BatchResult struct {
	Results  []LeadResult
	Ready    int
	Rejected int
	Review   int
	Failed   int
}

// Engine scores contacts in batches.
type Engine struct {
	scorer      PhoneScorer
	concurrency int
	now         func() time.Time
}

// NewEngine creates an engine scoring up to concurrency contacts at once.
func NewEngine(scorer PhoneScorer, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Engine{scorer: scorer, concurrency: concurrency, now: time.Now}
}

// BatchScore scores every contact. A failure or panic while scoring one
// contact records it as scoring_failed and the batch continues. Results keep
// the input order.
func (e *Engine) BatchScore(ctx context.Context, contacts []model.Contact) *BatchResult {
	res := &BatchResult{Results: make([]LeadResult, len(contacts))}

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	var mu sync.Mutex

	for i := range contacts {
		g.Go(func() error {
			lr := e.scoreLead(ctx, contacts[i])
			res.Results[i] = lr

			mu.Lock()
			defer mu.Unlock()
			switch {
			case lr.Err != nil:
				res.Failed++
				res.Rejected++
			case lr.Contact.Status == model.StatusReady:
				res.Ready++
			case lr.Contact.Status == model.StatusRejected:
				res.Rejected++
			default:
				res.Review++
			}
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("grading: batch scored",
		zap.Int("contacts", len(contacts)),
		zap.Int("ready", res.Ready),
		zap.Int("rejected", res.Rejected),
		zap.Int("review", res.Review),
		zap.Int("failed", res.Failed),
	)
	return res
}

func (e *Engine) scoreLead(ctx context.Context, c model.Contact) (lr LeadResult) {
	defer func() {
		if r := recover(); r != nil {
			lr = e.failed(c, eris.Errorf("grading: panic scoring contact %s: %v", c.ID, r))
		}
	}()

	phones, err := e.scorer.ScoreContact(ctx, c)
	if err != nil {
		return e.failed(c, eris.Wrapf(err, "grading: score contact %s", c.ID))
	}

	score, q := Evaluate(phones)
	score.ScoredAt = e.now().UTC()
	c.Phones = phones
	c.Score = &score
	c.Qualification = &q
	c.Status = q.Status.ContactStatus()
	return LeadResult{Contact: c}
}

func (e *Engine) failed(c model.Contact, err error) LeadResult {
	zap.L().Warn("grading: contact scoring failed",
		zap.String("contact_id", c.ID),
		zap.String("tenant", c.TenantID),
		zap.Error(err),
	)
	score, q := Failed()
	score.ScoredAt = e.now().UTC()
	c.Score = &score
	c.Qualification = &q
	c.Status = model.StatusRejected
	return LeadResult{Contact: c, Err: err}
}

// Summary renders the counts for CLI output.
func (r *BatchResult) Summary() string {
	return fmt.Sprintf("ready=%d rejected=%d review=%d failed=%d", r.Ready, r.Rejected, r.Review, r.Failed)
}
