// Package monitoring collects per-tenant pipeline health snapshots and
// raises webhook alerts when thresholds are crossed.
package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/priority"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
)

// Store is the subset of store.Store the collector reads.
type Store interface {
	CountByStatus(ctx context.Context, tenantID string) (map[model.ContactStatus]int, error)
	ActiveBlock(ctx context.Context, tenantID string) (*model.Block, error)
	ListContacts(ctx context.Context, tenantID string, filter store.ContactFilter) ([]model.Contact, error)
	ListIdentities(ctx context.Context, tenantID string) ([]model.SendingIdentity, error)
	SentToday(ctx context.Context, tenantID string, now time.Time) (int, error)
	CountDLQ(ctx context.Context, tenantID string) (int, error)
}

// BlockUsage is the fill state of a tenant's active block.
type BlockUsage struct {
	ID        string `json:"id"`
	Sequence  int    `json:"sequence"`
	Capacity  int    `json:"capacity"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	Raw       int    `json:"raw"`
	Traced    int    `json:"traced"`
	Scored    int    `json:"scored"`
	Ready     int    `json:"ready"`
}

// Snapshot is a point-in-time view of one tenant's pipeline.
type Snapshot struct {
	TenantID string                      `json:"tenant_id"`
	Statuses map[model.ContactStatus]int `json:"statuses"`
	Total    int                         `json:"total"`

	ActiveBlock *BlockUsage `json:"active_block,omitempty"`

	// Tiers is the priority distribution of ready contacts.
	Tiers map[int]int `json:"tiers"`

	IdentitiesAvailable int `json:"identities_available"`
	IdentitiesTotal     int `json:"identities_total"`
	SentToday           int `json:"sent_today"`
	DailyCap            int `json:"daily_cap"`

	DLQDepth int               `json:"dlq_depth"`
	Breakers map[string]string `json:"breakers,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers snapshots from the store and the provider breakers.
type Collector struct {
	store    Store
	dailyCap int
	breakers *resilience.ServiceBreakers
	now      func() time.Time
}

// NewCollector creates a collector. breakers may be nil.
func NewCollector(st Store, dailyCap int, breakers *resilience.ServiceBreakers) *Collector {
	return &Collector{store: st, dailyCap: dailyCap, breakers: breakers, now: time.Now}
}

// Collect gathers a snapshot for tenant.
func (c *Collector) Collect(ctx context.Context, tenant string) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{TenantID: tenant, DailyCap: c.dailyCap, CollectedAt: now}

	counts, err := c.store.CountByStatus(ctx, tenant)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count statuses")
	}
	snap.Statuses = counts
	for _, n := range counts {
		snap.Total += n
	}

	b, err := c.store.ActiveBlock(ctx, tenant)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, eris.Wrap(err, "monitoring: active block")
	default:
		snap.ActiveBlock = &BlockUsage{
			ID:        b.ID,
			Sequence:  b.Sequence,
			Capacity:  b.Capacity,
			Used:      b.Used(),
			Remaining: b.Remaining(),
			Raw:       b.RawCount,
			Traced:    b.TracedCount,
			Scored:    b.ScoredCount,
			Ready:     b.ReadyCount,
		}
	}

	ready, err := c.store.ListContacts(ctx, tenant, store.ContactFilter{Statuses: []model.ContactStatus{model.StatusReady}})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list ready contacts")
	}
	snap.Tiers = priority.Distribution(ready)

	ids, err := c.store.ListIdentities(ctx, tenant)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list identities")
	}
	snap.IdentitiesTotal = len(ids)
	for i := range ids {
		if ids[i].Available() {
			snap.IdentitiesAvailable++
		}
	}

	if snap.SentToday, err = c.store.SentToday(ctx, tenant, now); err != nil {
		return nil, eris.Wrap(err, "monitoring: sent today")
	}
	if snap.DLQDepth, err = c.store.CountDLQ(ctx, tenant); err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}

	if c.breakers != nil {
		states := c.breakers.States()
		snap.Breakers = make(map[string]string, len(states))
		for name, st := range states {
			snap.Breakers[name] = st.String()
		}
	}
	return snap, nil
}
