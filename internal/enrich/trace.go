package enrich

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/skiptrace"
)

// traceColumns maps provider input fields onto the row keys we submit.
var traceColumns = map[string]string{
	skiptrace.RefColumn: skiptrace.RefColumn,
	"first_name":        "first_name",
	"last_name":         "last_name",
	"name":              "name",
	"street":            "street",
	"city":              "city",
	"state":             "state",
	"zip":               "zip",
}

// TraceResult is the outcome of TraceContacts. Contacts holds every input
// contact in input order with traced phones and emails merged in.
type TraceResult struct {
	Contacts []model.Contact
	// Matched counts contacts with at least one result row.
	Matched int
	// Unmatched counts contacts the provider returned nothing for.
	Unmatched int
	// UnknownRefs counts result rows whose ref matched no submitted contact.
	UnknownRefs int
}

// TraceContacts runs one skip-trace job over contacts. Rows are matched
// back by the correlation ref column, never by position. Submission is
// retried; a failed submission, poll or timeout is returned as an error.
func (g *Gateway) TraceContacts(ctx context.Context, contacts []model.Contact, depth skiptrace.Depth) (*TraceResult, error) {
	res := &TraceResult{Contacts: make([]model.Contact, len(contacts))}
	copy(res.Contacts, contacts)
	if len(contacts) == 0 {
		return res, nil
	}

	index := make(map[string]int, len(contacts))
	rows := make([]map[string]string, 0, len(contacts))
	for i, c := range contacts {
		if c.ID == "" {
			return nil, eris.Errorf("enrich: contact at position %d has no id", i)
		}
		index[c.ID] = i
		rows = append(rows, traceRow(c))
	}

	cb := g.breakers.Get(resilience.ServiceSkipTrace)
	req := skiptrace.SubmitRequest{ColumnMapping: traceColumns, Rows: rows, Depth: depth}

	sub, err := resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*skiptrace.SubmitResponse, error) {
		return resilience.DoVal(ctx, g.retryFor(resilience.ServiceSkipTrace, "submit"),
			func(ctx context.Context) (*skiptrace.SubmitResponse, error) {
				return g.skip.Submit(ctx, req)
			})
	})
	if err != nil {
		return nil, eris.Wrap(err, "enrich: submit trace")
	}

	log := zap.L().With(zap.String("job_id", sub.JobID), zap.Int("rows", len(rows)))
	log.Info("enrich: trace submitted", zap.String("depth", string(depth)))

	status, err := skiptrace.Poll(ctx, g.skip, sub.JobID, g.traceOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: wait for trace")
	}

	results, err := resilience.DoVal(ctx, g.retryFor(resilience.ServiceSkipTrace, "results"),
		func(ctx context.Context) ([]skiptrace.ResultRow, error) {
			return g.skip.Results(ctx, sub.JobID, status.DownloadURL)
		})
	if err != nil {
		return nil, eris.Wrap(err, "enrich: fetch trace results")
	}

	matched := make([]bool, len(contacts))
	for _, row := range results {
		i, ok := index[strings.TrimSpace(row.Ref)]
		if !ok {
			res.UnknownRefs++
			continue
		}
		matched[i] = true
		mergeTrace(&res.Contacts[i], row)
	}
	for _, m := range matched {
		if m {
			res.Matched++
		} else {
			res.Unmatched++
		}
	}

	log.Info("enrich: trace complete",
		zap.Int("matched", res.Matched),
		zap.Int("unmatched", res.Unmatched),
		zap.Int("unknown_refs", res.UnknownRefs),
	)
	return res, nil
}

func traceRow(c model.Contact) map[string]string {
	return map[string]string{
		skiptrace.RefColumn: c.ID,
		"first_name":        c.FirstName,
		"last_name":         c.LastName,
		"name":              c.Name,
		"street":            c.Street,
		"city":              c.City,
		"state":             c.State,
		"zip":               c.Zip,
	}
}

// mergeTrace appends the row's phones and emails that c does not have yet.
func mergeTrace(c *model.Contact, row skiptrace.ResultRow) {
	have := make(map[string]bool, len(c.Phones))
	for _, p := range c.Phones {
		have[p.Number] = true
	}
	for _, p := range row.Phones() {
		if have[p.Number] {
			continue
		}
		have[p.Number] = true
		c.Phones = append(c.Phones, model.PhoneCandidate{
			Number:   p.Number,
			LineType: model.ParseLineType(p.Type),
			Source:   "skiptrace",
		})
	}

	seen := make(map[string]bool, len(c.Emails))
	for _, e := range c.Emails {
		seen[e] = true
	}
	for _, e := range row.EmailList() {
		if !seen[e] {
			seen[e] = true
			c.Emails = append(c.Emails, e)
		}
	}

	if c.FirstName == "" {
		c.FirstName = row.FirstName
	}
	if c.LastName == "" {
		c.LastName = row.LastName
	}
}
