// Package store persists contacts, capacity blocks, sending identities,
// dispatch records and dead-lettered stage jobs.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = eris.New("store: not found")

var (
	// ErrAlreadyClaimed is returned by ClaimDispatch when the contact was
	// already sent, or is being sent, in the campaign.
	ErrAlreadyClaimed = eris.New("store: dispatch already claimed")
	// ErrDailyCapReached is returned by ClaimDispatch when the tenant has used
	// its daily send budget.
	ErrDailyCapReached = eris.New("store: daily cap reached")
)

// ContactFilter narrows ListContacts. Zero values match everything.
type ContactFilter struct {
	Statuses []model.ContactStatus `json:"statuses,omitempty"`
	BlockID  string                `json:"block_id,omitempty"`
	Sector   string                `json:"sector,omitempty"`
	Limit    int                   `json:"limit,omitempty"`
	Offset   int                   `json:"offset,omitempty"`
}

// IdentityFilter narrows SelectNextIdentity. An empty Campaign matches any
// identity; a set Campaign matches identities bound to it or to no campaign.
type IdentityFilter struct {
	TenantID string
	Campaign string
}

// DispatchClaim reserves one live send: a slot in the tenant's daily budget
// and the (tenant, campaign, contact) dispatch record, taken together or not
// at all. Record is written with status sending; its CreatedAt picks the day.
type DispatchClaim struct {
	Record   *model.DispatchRecord
	DailyCap int // <= 0 disables the cap
	// StaleBefore lets a sending record older than this be reclaimed, so a
	// crashed run does not block the contact forever.
	StaleBefore time.Time
}

// Store defines the persistence interface for the outreach pipeline.
type Store interface {
	// Contacts
	InsertContacts(ctx context.Context, contacts []model.Contact) (int, error)
	ExistingDedupKeys(ctx context.Context, tenantID string) (map[string]struct{}, error)
	GetContact(ctx context.Context, id string) (*model.Contact, error)
	ListContacts(ctx context.Context, tenantID string, filter ContactFilter) ([]model.Contact, error)
	UpdateContact(ctx context.Context, c *model.Contact) error
	SetStatus(ctx context.Context, status model.ContactStatus, ids ...string) (int, error)
	CountByStatus(ctx context.Context, tenantID string) (map[model.ContactStatus]int, error)

	// Blocks
	ActiveBlock(ctx context.Context, tenantID string) (*model.Block, error)
	CreateBlock(ctx context.Context, tenantID string, capacity int) (*model.Block, error)
	CompleteBlock(ctx context.Context, blockID string) error
	PullIntoBlock(ctx context.Context, blockID string, n int, sector string) (int, *model.Block, error)
	AdvanceBlock(ctx context.Context, blockID string, from, to model.BlockBucket, n int) error

	// Sending identities
	UpsertIdentity(ctx context.Context, identity *model.SendingIdentity) error
	ListIdentities(ctx context.Context, tenantID string) ([]model.SendingIdentity, error)
	SelectNextIdentity(ctx context.Context, filter IdentityFilter, now time.Time) (*model.SendingIdentity, error)
	RecordIdentityResult(ctx context.Context, identityID string, success bool, threshold int) (*model.SendingIdentity, error)
	ResetIdentity(ctx context.Context, identityID string) error
	SetIdentityActive(ctx context.Context, identityID string, active bool) error

	// Dispatch records
	GetDispatch(ctx context.Context, tenantID, campaign, contactID string) (*model.DispatchRecord, error)
	SaveDispatch(ctx context.Context, rec *model.DispatchRecord) error
	// ClaimDispatch returns ErrAlreadyClaimed or ErrDailyCapReached when the
	// send must not happen.
	ClaimDispatch(ctx context.Context, claim DispatchClaim) error
	// ReleaseDispatch undoes a claim whose message was never handed to the
	// provider, returning the budget slot.
	ReleaseDispatch(ctx context.Context, rec *model.DispatchRecord) error
	// SentToday counts the live send attempts, sent or failed, charged to the
	// tenant's daily cap on now's day.
	SentToday(ctx context.Context, tenantID string, now time.Time) (int, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter, now time.Time) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context, tenantID string) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// bucketColumn maps a block bucket onto its counter column.
func bucketColumn(b model.BlockBucket) (string, error) {
	switch b {
	case model.BucketRaw:
		return "raw_count", nil
	case model.BucketTraced:
		return "traced_count", nil
	case model.BucketScored:
		return "scored_count", nil
	case model.BucketReady:
		return "ready_count", nil
	default:
		return "", eris.Errorf("store: unknown block bucket %q", b)
	}
}

// reclaimable reports whether an existing dispatch record may be claimed
// again: failed and dry-run records always, sending records once stale.
func reclaimable(status model.DispatchStatus, created, staleBefore time.Time) bool {
	switch status {
	case model.DispatchFailed, model.DispatchWouldSend:
		return true
	case model.DispatchSending:
		return !staleBefore.IsZero() && created.Before(staleBefore)
	default:
		return false
	}
}

// nextDaily returns an identity's daily count after one more send on day,
// resetting the counter when the stored day differs.
func nextDaily(id *model.SendingIdentity, day string) int {
	if id.DailyResetOn != day {
		return 1
	}
	return id.DailyCount + 1
}
