package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/sells-group/outreach-cli/internal/capacity"
	"github.com/sells-group/outreach-cli/internal/dispatch"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/monitoring"
	"github.com/sells-group/outreach-cli/internal/pipeline"
	"github.com/sells-group/outreach-cli/internal/priority"
)

var statusOrder = []model.ContactStatus{
	model.StatusRaw,
	model.StatusTracedPending,
	model.StatusTraced,
	model.StatusScored,
	model.StatusReady,
	model.StatusReview,
	model.StatusRejected,
	model.StatusDispatched,
}

func formatImportResult(out io.Writer, res *pipeline.ImportResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Imported:\t%d\n", res.Imported)
	_, _ = fmt.Fprintf(w, "Duplicates in file:\t%d\n", res.DuplicatesInFile)
	_, _ = fmt.Fprintf(w, "Duplicates in store:\t%d\n", res.DuplicatesInStore)
	_, _ = fmt.Fprintf(w, "Failed rows:\t%d\n", res.Failed)
	_ = w.Flush()
}

func formatPullResults(out io.Writer, results []capacity.PullResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BLOCK\tSEQ\tPULLED\tREMAINING")
	total := 0
	for _, r := range results {
		total += r.Pulled
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", truncateID(r.BlockID), r.Sequence, r.Pulled, r.Remaining)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\n%d contacts pulled\n", total)
}

func formatEnrichResult(out io.Writer, res *pipeline.EnrichResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Traced:\t%d\t(matched %d, unmatched %d)\n", res.Traced, res.Matched, res.Unmatched)
	_, _ = fmt.Fprintf(w, "Scored:\t%d\t(failed %d)\n", res.Scored, res.ScoringFailed)
	_, _ = fmt.Fprintf(w, "Ready:\t%d\n", res.Ready)
	_, _ = fmt.Fprintf(w, "Review:\t%d\n", res.Review)
	_, _ = fmt.Fprintf(w, "Rejected:\t%d\n", res.Rejected)
	if res.DeadLettered > 0 {
		_, _ = fmt.Fprintf(w, "Dead-lettered:\t%d\n", res.DeadLettered)
	}
	_, _ = fmt.Fprintf(w, "Est. cost:\t$%.2f\t(%d phone lookups)\n", res.CostUSD, res.PhonesScored)
	_ = w.Flush()
}

func formatQualifyResult(out io.Writer, res *pipeline.QualifyResult) {
	_, _ = fmt.Fprintf(out, "evaluated %d, changed %d: ready %d, review %d, rejected %d\n",
		res.Evaluated, res.Changed, res.Ready, res.Review, res.Rejected)
}

func formatRanked(out io.Writer, ranked []priority.Ranked) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIER\tSCORE\tPHONE\tGRADE\tNAME\tID")
	for _, r := range ranked {
		phone, grade := "-", "-"
		if p := r.Contact.BestPhone(); p != nil {
			phone, grade = p.Number, string(p.Grade)
		}
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
			r.Tier, r.Score, phone, grade, truncate(r.Contact.Name, 40), truncateID(r.Contact.ID))
	}
	_ = w.Flush()
}

func formatCampaignResult(out io.Writer, res *dispatch.CampaignResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Campaign:\t%s\n", res.Campaign)
	_, _ = fmt.Fprintf(w, "Budget:\t%d\t(sent today before run: %d)\n", res.Budget, res.SentToday)
	if res.DryRun {
		_, _ = fmt.Fprintf(w, "Would send:\t%d\n", res.WouldSend)
	} else {
		_, _ = fmt.Fprintf(w, "Sent:\t%d\n", res.Sent)
		_, _ = fmt.Fprintf(w, "Failed:\t%d\n", res.Failed)
		_, _ = fmt.Fprintf(w, "Est. cost:\t$%.2f\n", res.CostUSD)
	}
	_, _ = fmt.Fprintf(w, "Already sent:\t%d\n", res.AlreadySent)
	_, _ = fmt.Fprintf(w, "Ineligible:\t%d\n", res.Ineligible)
	if res.CapReached {
		_, _ = fmt.Fprintln(w, "Daily cap:\treached")
	}
	if res.Halted {
		_, _ = fmt.Fprintln(w, "Halted:\tyes")
	}
	_ = w.Flush()
	for _, err := range res.Errors {
		_, _ = fmt.Fprintf(out, "  error: %v\n", err)
	}
}

func formatIdentities(out io.Writer, ids []model.SendingIdentity) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNUMBER\tCAMPAIGN\tSTATE\tSENT\tTODAY\tFAIL_STREAK")
	for i := range ids {
		id := &ids[i]
		state := "available"
		switch {
		case !id.Active:
			state = "inactive"
		case !id.Healthy:
			state = "unhealthy"
		}
		campaign := id.Campaign
		if campaign == "" {
			campaign = "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			truncateID(id.ID), id.Number, campaign, state, id.SendCount, id.DailyCount, id.ConsecutiveFailures)
	}
	_ = w.Flush()
}

func formatSnapshot(out io.Writer, snap *monitoring.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Tenant:\t%s\n", snap.TenantID)
	_, _ = fmt.Fprintf(w, "Contacts:\t%d\n", snap.Total)
	for _, s := range statusOrder {
		if n := snap.Statuses[s]; n > 0 {
			_, _ = fmt.Fprintf(w, "  %s:\t%d\n", s, n)
		}
	}

	if b := snap.ActiveBlock; b != nil {
		_, _ = fmt.Fprintf(w, "Active block:\t#%d %d/%d used\t(raw %d, traced %d, scored %d, ready %d)\n",
			b.Sequence, b.Used, b.Capacity, b.Raw, b.Traced, b.Scored, b.Ready)
	} else {
		_, _ = fmt.Fprintln(w, "Active block:\tnone")
	}

	tiers := make([]int, 0, len(snap.Tiers))
	for t := range snap.Tiers {
		tiers = append(tiers, t)
	}
	sort.Ints(tiers)
	for _, t := range tiers {
		_, _ = fmt.Fprintf(w, "  tier %d:\t%d\n", t, snap.Tiers[t])
	}

	_, _ = fmt.Fprintf(w, "Identities:\t%d/%d available\n", snap.IdentitiesAvailable, snap.IdentitiesTotal)
	_, _ = fmt.Fprintf(w, "Sent today:\t%d/%d\n", snap.SentToday, snap.DailyCap)
	_, _ = fmt.Fprintf(w, "DLQ depth:\t%d\n", snap.DLQDepth)

	services := make([]string, 0, len(snap.Breakers))
	for name := range snap.Breakers {
		services = append(services, name)
	}
	sort.Strings(services)
	for _, name := range services {
		_, _ = fmt.Fprintf(w, "  breaker %s:\t%s\n", name, snap.Breakers[name])
	}
	_ = w.Flush()
}

// truncateID shortens a UUID to its first 8 characters for display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
