// Package capacity bounds how many contacts are in active enrichment at once
// by staging them through fixed-capacity blocks.
package capacity

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

// ErrNoActiveBlock is returned when a tenant has no active block.
var ErrNoActiveBlock = eris.New("capacity: no active block")

// Store is the subset of store.Store the manager needs.
type Store interface {
	ActiveBlock(ctx context.Context, tenantID string) (*model.Block, error)
	CreateBlock(ctx context.Context, tenantID string, capacity int) (*model.Block, error)
	CompleteBlock(ctx context.Context, blockID string) error
	PullIntoBlock(ctx context.Context, blockID string, n int, sector string) (int, *model.Block, error)
	AdvanceBlock(ctx context.Context, blockID string, from, to model.BlockBucket, n int) error
}

// Manager allocates contacts into blocks.
type Manager struct {
	store     Store
	blockSize int
	dailyPull int
}

// New creates a Manager. blockSize and dailyPull must be positive.
func New(s Store, blockSize, dailyPull int) *Manager {
	return &Manager{store: s, blockSize: blockSize, dailyPull: dailyPull}
}

// PullResult reports one pull. Remaining is the block's capacity left after
// the pull; zero means the caller should rotate.
type PullResult struct {
	BlockID   string `json:"block_id"`
	Sequence  int    `json:"sequence"`
	Pulled    int    `json:"pulled"`
	Remaining int    `json:"remaining"`
}

// Current returns the tenant's active block without creating one.
func (m *Manager) Current(ctx context.Context, tenantID string) (*model.Block, error) {
	b, err := m.store.ActiveBlock(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoActiveBlock
	}
	if err != nil {
		return nil, eris.Wrapf(err, "capacity: active block for %s", tenantID)
	}
	return b, nil
}

// GetOrCreateActiveBlock returns the tenant's active block, creating the
// first one or rotating a full one as needed.
func (m *Manager) GetOrCreateActiveBlock(ctx context.Context, tenantID string) (*model.Block, error) {
	b, err := m.Current(ctx, tenantID)
	if errors.Is(err, ErrNoActiveBlock) {
		b, err = m.store.CreateBlock(ctx, tenantID, m.blockSize)
		if err != nil {
			return nil, eris.Wrapf(err, "capacity: create block for %s", tenantID)
		}
		zap.L().Info("capacity: created block",
			zap.String("tenant", tenantID),
			zap.String("block_id", b.ID),
			zap.Int("sequence", b.Sequence),
		)
		return b, nil
	}
	if err != nil {
		return nil, err
	}
	if b.Full() {
		next, _, err := m.rotate(ctx, b)
		return next, err
	}
	return b, nil
}

// Pull moves up to requested backlog contacts (optionally one sector) into
// the active block. An empty backlog or a full block yields Pulled == 0 and
// no error.
func (m *Manager) Pull(ctx context.Context, tenantID string, requested int, sector string) (*PullResult, error) {
	b, err := m.GetOrCreateActiveBlock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if requested <= 0 {
		return &PullResult{BlockID: b.ID, Sequence: b.Sequence, Remaining: b.Remaining()}, nil
	}

	pulled, after, err := m.store.PullIntoBlock(ctx, b.ID, requested, sector)
	if err != nil {
		return nil, eris.Wrapf(err, "capacity: pull into block %s", b.ID)
	}

	res := &PullResult{BlockID: after.ID, Sequence: after.Sequence, Pulled: pulled, Remaining: after.Remaining()}
	zap.L().Info("capacity: pulled contacts",
		zap.String("tenant", tenantID),
		zap.String("block_id", res.BlockID),
		zap.Int("requested", requested),
		zap.Int("pulled", res.Pulled),
		zap.Int("remaining", res.Remaining),
	)
	return res, nil
}

// RotateIfFull completes the active block when it has no capacity left and
// creates its successor. It reports whether a rotation happened.
func (m *Manager) RotateIfFull(ctx context.Context, tenantID string) (*model.Block, bool, error) {
	b, err := m.Current(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	if !b.Full() {
		return b, false, nil
	}
	return m.rotate(ctx, b)
}

func (m *Manager) rotate(ctx context.Context, full *model.Block) (*model.Block, bool, error) {
	if err := m.store.CompleteBlock(ctx, full.ID); err != nil {
		return nil, false, eris.Wrapf(err, "capacity: complete block %s", full.ID)
	}
	next, err := m.store.CreateBlock(ctx, full.TenantID, m.blockSize)
	if err != nil {
		return nil, false, eris.Wrapf(err, "capacity: create successor of block %s", full.ID)
	}
	zap.L().Info("capacity: rotated block",
		zap.String("tenant", full.TenantID),
		zap.String("completed", full.ID),
		zap.String("block_id", next.ID),
		zap.Int("sequence", next.Sequence),
	)
	return next, true, nil
}

// DailyPull pulls the configured daily quota, rotating into a new block when
// the current one fills before the quota is met.
func (m *Manager) DailyPull(ctx context.Context, tenantID, sector string) ([]PullResult, error) {
	return m.PullRotating(ctx, tenantID, m.dailyPull, sector)
}

// PullRotating pulls up to want contacts, completing full blocks and
// continuing into their successors. It stops early when the backlog runs dry.
func (m *Manager) PullRotating(ctx context.Context, tenantID string, want int, sector string) ([]PullResult, error) {
	var results []PullResult
	for want > 0 {
		res, err := m.Pull(ctx, tenantID, want, sector)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
		want -= res.Pulled
		if res.Pulled == 0 || res.Remaining > 0 {
			break
		}
		if _, _, err := m.RotateIfFull(ctx, tenantID); err != nil {
			return results, err
		}
	}
	return results, nil
}

// Advance moves n contacts of a block from one stage bucket to another. The
// block total is unchanged.
func (m *Manager) Advance(ctx context.Context, blockID string, from, to model.ContactStatus, n int) error {
	if n <= 0 || blockID == "" {
		return nil
	}
	fromBucket, ok := model.BucketFor(from)
	if !ok {
		return eris.Errorf("capacity: status %q has no block bucket", from)
	}
	toBucket, ok := model.BucketFor(to)
	if !ok {
		return eris.Errorf("capacity: status %q has no block bucket", to)
	}
	if fromBucket == toBucket {
		return nil
	}
	return eris.Wrapf(m.store.AdvanceBlock(ctx, blockID, fromBucket, toBucket, n), "capacity: advance block %s", blockID)
}
