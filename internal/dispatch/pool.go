// Package dispatch sends campaign messages through a rotating pool of
// sending identities, with per-tenant throttling and automatic retirement
// of identities that keep failing.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/phone"
	"github.com/sells-group/outreach-cli/internal/store"
)

var (
	// ErrNoAvailableIdentities is returned when a tenant has no active,
	// healthy identity left to send from.
	ErrNoAvailableIdentities = eris.New("dispatch: no available identities")
	// ErrIdentitiesBusy is returned when available identities exist but all
	// stayed locked by concurrent dispatchers through every retry.
	ErrIdentitiesBusy = eris.New("dispatch: all available identities are in use")
)

// busyRetries bounds how often SelectNext waits out identities locked by
// other dispatchers.
const busyRetries = 3

// DefaultFailureThreshold is the consecutive failure count that retires an identity.
const DefaultFailureThreshold = 5

// IdentityStore is the identity persistence the pool needs. SelectNextIdentity
// must pick and mark the identity in one atomic step.
type IdentityStore interface {
	UpsertIdentity(ctx context.Context, identity *model.SendingIdentity) error
	ListIdentities(ctx context.Context, tenantID string) ([]model.SendingIdentity, error)
	SelectNextIdentity(ctx context.Context, filter store.IdentityFilter, now time.Time) (*model.SendingIdentity, error)
	RecordIdentityResult(ctx context.Context, identityID string, success bool, threshold int) (*model.SendingIdentity, error)
	ResetIdentity(ctx context.Context, identityID string) error
	SetIdentityActive(ctx context.Context, identityID string, active bool) error
}

// Pool rotates across a tenant's sending identities.
type Pool struct {
	store     IdentityStore
	threshold int
	busyWait  time.Duration
	now       func() time.Time
}

// NewPool creates a pool. A threshold <= 0 uses DefaultFailureThreshold.
func NewPool(s IdentityStore, threshold int) *Pool {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Pool{store: s, threshold: threshold, busyWait: 50 * time.Millisecond, now: time.Now}
}

// SelectNext returns the least recently used available identity and marks
// it used, counting one lifetime and one daily send.
func (p *Pool) SelectNext(ctx context.Context, tenantID, campaign string) (*model.SendingIdentity, error) {
	filter := store.IdentityFilter{TenantID: tenantID, Campaign: campaign}
	for attempt := 0; ; attempt++ {
		id, err := p.store.SelectNextIdentity(ctx, filter, p.now())
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrap(err, "dispatch: select identity")
		}

		// Row locks held by other dispatchers hide identities that are
		// still available; only an empty pool is final.
		available, err := p.hasAvailable(ctx, tenantID, campaign)
		if err != nil {
			return nil, err
		}
		if !available {
			return nil, ErrNoAvailableIdentities
		}
		if attempt == busyRetries {
			return nil, ErrIdentitiesBusy
		}
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "dispatch: select identity")
		case <-time.After(p.busyWait * time.Duration(attempt+1)):
		}
	}
}

func (p *Pool) hasAvailable(ctx context.Context, tenantID, campaign string) (bool, error) {
	ids, err := p.List(ctx, tenantID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id.Available() && (campaign == "" || id.Campaign == "" || id.Campaign == campaign) {
			return true, nil
		}
	}
	return false, nil
}

// RecordResult updates the identity's counters after a send attempt.
func (p *Pool) RecordResult(ctx context.Context, identityID string, success bool) (*model.SendingIdentity, error) {
	id, err := p.store.RecordIdentityResult(ctx, identityID, success, p.threshold)
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: record identity result")
	}
	if !success && !id.Healthy && id.ConsecutiveFailures == p.threshold {
		zap.L().Warn("dispatch: identity retired after consecutive failures",
			zap.String("identity_id", id.ID),
			zap.String("number", id.Number),
			zap.Int("consecutive_failures", id.ConsecutiveFailures),
		)
	}
	return id, nil
}

// Reset returns a retired identity to rotation.
func (p *Pool) Reset(ctx context.Context, identityID string) error {
	return eris.Wrap(p.store.ResetIdentity(ctx, identityID), "dispatch: reset identity")
}

// Add registers an identity, normalizing its number to E.164. Re-adding an
// existing number updates its campaign and reactivates it.
func (p *Pool) Add(ctx context.Context, tenantID, number, campaign string) (*model.SendingIdentity, error) {
	e164, ok := phone.NormalizeE164(number, phone.DefaultRegion)
	if !ok {
		return nil, eris.Errorf("dispatch: invalid identity number %q", number)
	}
	id := &model.SendingIdentity{
		TenantID: tenantID,
		Number:   e164,
		Campaign: campaign,
		Healthy:  true,
		Active:   true,
	}
	if err := p.store.UpsertIdentity(ctx, id); err != nil {
		return nil, eris.Wrap(err, "dispatch: add identity")
	}
	return id, nil
}

// Deactivate removes an identity from rotation without deleting it.
func (p *Pool) Deactivate(ctx context.Context, identityID string) error {
	return eris.Wrap(p.store.SetIdentityActive(ctx, identityID, false), "dispatch: deactivate identity")
}

// List returns the tenant's identities.
func (p *Pool) List(ctx context.Context, tenantID string) ([]model.SendingIdentity, error) {
	ids, err := p.store.ListIdentities(ctx, tenantID)
	return ids, eris.Wrap(err, "dispatch: list identities")
}

// Health counts the tenant's available identities against its total.
func (p *Pool) Health(ctx context.Context, tenantID string) (available, total int, err error) {
	ids, err := p.List(ctx, tenantID)
	if err != nil {
		return 0, 0, err
	}
	for i := range ids {
		if ids[i].Available() {
			available++
		}
	}
	return available, len(ids), nil
}
