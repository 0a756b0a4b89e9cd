package capacity

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

func newTestStore(t *testing.T, backlog int, sectors ...string) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "capacity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))

	contacts := make([]model.Contact, backlog)
	for i := range contacts {
		contacts[i] = model.Contact{
			TenantID: "t1",
			Name:     fmt.Sprintf("Biz %d", i),
			DedupKey: fmt.Sprintf("biz%d", i),
		}
		if len(sectors) > 0 {
			contacts[i].Sector = sectors[i%len(sectors)]
		}
	}
	if backlog > 0 {
		_, err = s.InsertContacts(context.Background(), contacts)
		require.NoError(t, err)
	}
	return s
}

func TestGetOrCreateActiveBlock_CreatesFirst(t *testing.T) {
	m := New(newTestStore(t, 0), 10, 5)

	b, err := m.GetOrCreateActiveBlock(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Sequence)
	assert.Equal(t, 10, b.Capacity)

	again, err := m.GetOrCreateActiveBlock(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, again.ID)
}

func TestPull_PartialWhenBlockNearlyFull(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStore(t, 30), 10, 5)

	res, err := m.Pull(ctx, "t1", 7, "")
	require.NoError(t, err)
	assert.Equal(t, 7, res.Pulled)
	assert.Equal(t, 3, res.Remaining)

	res, err = m.Pull(ctx, "t1", 7, "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pulled)
	assert.Zero(t, res.Remaining)
}

func TestPull_FullBlockRotatesOnNextPull(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStore(t, 30), 10, 5)

	first, err := m.Pull(ctx, "t1", 10, "")
	require.NoError(t, err)
	assert.Zero(t, first.Remaining)

	second, err := m.Pull(ctx, "t1", 4, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.BlockID, second.BlockID)
	assert.Equal(t, 2, second.Sequence)
	assert.Equal(t, 4, second.Pulled)
}

func TestPull_EmptyBacklogIsNotAnError(t *testing.T) {
	m := New(newTestStore(t, 0), 10, 5)

	res, err := m.Pull(context.Background(), "t1", 5, "")
	require.NoError(t, err)
	assert.Zero(t, res.Pulled)
	assert.Equal(t, 10, res.Remaining)
}

func TestPull_SectorFilter(t *testing.T) {
	m := New(newTestStore(t, 9, "hvac", "roofing", "plumbing"), 100, 5)

	res, err := m.Pull(context.Background(), "t1", 50, "roofing")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pulled)
}

func TestRotateIfFull(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStore(t, 12), 5, 5)

	_, _, err := m.RotateIfFull(ctx, "t1")
	assert.True(t, errors.Is(err, ErrNoActiveBlock))

	_, err = m.Pull(ctx, "t1", 3, "")
	require.NoError(t, err)
	b, rotated, err := m.RotateIfFull(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, rotated)
	assert.Equal(t, 1, b.Sequence)

	_, err = m.Pull(ctx, "t1", 3, "")
	require.NoError(t, err)
	b, rotated, err = m.RotateIfFull(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.Equal(t, 2, b.Sequence)
	assert.Zero(t, b.Used())
}

func TestDailyPull_SpansBlocks(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStore(t, 20), 4, 10)

	results, err := m.DailyPull(ctx, "t1", "")
	require.NoError(t, err)

	total := 0
	for _, r := range results {
		total += r.Pulled
		assert.LessOrEqual(t, r.Pulled, 4)
	}
	assert.Equal(t, 10, total)
	assert.Equal(t, 3, results[len(results)-1].Sequence)
}

func TestPullRotating_StopsWhenBacklogEmpty(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStore(t, 6), 4, 100)

	results, err := m.PullRotating(ctx, "t1", 50, "")
	require.NoError(t, err)

	total := 0
	for _, r := range results {
		total += r.Pulled
	}
	assert.Equal(t, 6, total)
	last := results[len(results)-1]
	assert.Equal(t, 2, last.Sequence)
	assert.Equal(t, 2, last.Remaining)
}

func TestAdvance_KeepsTotal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 6)
	m := New(s, 10, 5)

	res, err := m.Pull(ctx, "t1", 6, "")
	require.NoError(t, err)

	require.NoError(t, m.Advance(ctx, res.BlockID, model.StatusTracedPending, model.StatusTraced, 4))
	require.NoError(t, m.Advance(ctx, res.BlockID, model.StatusTraced, model.StatusScored, 4))
	require.NoError(t, m.Advance(ctx, res.BlockID, model.StatusScored, model.StatusRejected, 1))
	// Qualification outcomes share the ready bucket.
	require.NoError(t, m.Advance(ctx, res.BlockID, model.StatusReady, model.StatusDispatched, 1))

	b, err := m.Current(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, b.RawCount)
	assert.Equal(t, 3, b.ScoredCount)
	assert.Equal(t, 1, b.ReadyCount)
	assert.Equal(t, 6, b.Used())
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ActiveBlock(ctx context.Context, tenantID string) (*model.Block, error) {
	args := m.Called(ctx, tenantID)
	b, _ := args.Get(0).(*model.Block)
	return b, args.Error(1)
}

func (m *mockStore) CreateBlock(ctx context.Context, tenantID string, capacity int) (*model.Block, error) {
	args := m.Called(ctx, tenantID, capacity)
	b, _ := args.Get(0).(*model.Block)
	return b, args.Error(1)
}

func (m *mockStore) CompleteBlock(ctx context.Context, blockID string) error {
	return m.Called(ctx, blockID).Error(0)
}

func (m *mockStore) PullIntoBlock(ctx context.Context, blockID string, n int, sector string) (int, *model.Block, error) {
	args := m.Called(ctx, blockID, n, sector)
	b, _ := args.Get(1).(*model.Block)
	return args.Int(0), b, args.Error(2)
}

func (m *mockStore) AdvanceBlock(ctx context.Context, blockID string, from, to model.BlockBucket, n int) error {
	return m.Called(ctx, blockID, from, to, n).Error(0)
}

func TestPull_StoreError(t *testing.T) {
	ms := new(mockStore)
	block := &model.Block{ID: "b1", TenantID: "t1", Capacity: 10, Status: model.BlockActive}
	ms.On("ActiveBlock", mock.Anything, "t1").Return(block, nil)
	ms.On("PullIntoBlock", mock.Anything, "b1", 5, "").Return(0, nil, errors.New("disk full"))

	_, err := New(ms, 10, 5).Pull(context.Background(), "t1", 5, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	ms.AssertExpectations(t)
}

func TestAdvance_SameBucketNoop(t *testing.T) {
	ms := new(mockStore)
	err := New(ms, 10, 5).Advance(context.Background(), "b1", model.StatusReady, model.StatusRejected, 3)
	require.NoError(t, err)
	ms.AssertNumberOfCalls(t, "AdvanceBlock", 0)
}
