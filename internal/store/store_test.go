package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func rawContacts(tenant string, n int) []model.Contact {
	out := make([]model.Contact, n)
	for i := range out {
		out[i] = model.Contact{
			TenantID: tenant,
			Name:     fmt.Sprintf("Company %d", i),
			Street:   fmt.Sprintf("%d Main St", i),
			City:     "Austin",
			State:    "TX",
			DedupKey: fmt.Sprintf("company%d%dmainstaustintx", i, i),
		}
	}
	return out
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("InsertContactsIgnoresDuplicateKeys", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		n, err := s.InsertContacts(ctx, rawContacts("t1", 3))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = s.InsertContacts(ctx, rawContacts("t1", 4))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		keys, err := s.ExistingDedupKeys(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, keys, 4)

		other, err := s.ExistingDedupKeys(ctx, "t2")
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("UpdateAndGetContact", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		contacts := rawContacts("t1", 1)
		_, err := s.InsertContacts(ctx, contacts)
		require.NoError(t, err)

		c := contacts[0]
		c.Status = model.StatusScored
		c.Phones = []model.PhoneCandidate{{Number: "+15125550100", LineType: model.LineMobile, Grade: model.GradeA, ActivityScore: 91, Valid: true, Scored: true}}
		c.Emails = []string{"owner@example.com"}
		c.Score = &model.ContactScore{OverallGrade: model.GradeA, Contactability: 100, SMSReady: true, Recommendation: model.RecommendSMS}
		c.Qualification = &model.QualificationResult{Status: model.QualificationReady, Reason: "qualified", Flags: []string{"high-quality"}}
		c.Tier = 1
		require.NoError(t, s.UpdateContact(ctx, &c))

		got, err := s.GetContact(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusScored, got.Status)
		require.Len(t, got.Phones, 1)
		assert.Equal(t, model.GradeA, got.Phones[0].Grade)
		assert.Equal(t, []string{"owner@example.com"}, got.Emails)
		require.NotNil(t, got.Score)
		assert.True(t, got.Score.SMSReady)
		require.NotNil(t, got.Qualification)
		assert.True(t, got.Qualification.HasFlag("high-quality"))
		assert.Equal(t, 1, got.Tier)
	})

	t.Run("GetContactNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetContact(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("ListContactsFiltersAndOrders", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		contacts := rawContacts("t1", 5)
		contacts[1].Sector = "hvac"
		contacts[3].Sector = "hvac"
		_, err := s.InsertContacts(ctx, contacts)
		require.NoError(t, err)

		n, err := s.SetStatus(ctx, model.StatusReady, contacts[0].ID, contacts[2].ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		ready, err := s.ListContacts(ctx, "t1", ContactFilter{Statuses: []model.ContactStatus{model.StatusReady}})
		require.NoError(t, err)
		require.Len(t, ready, 2)
		assert.Equal(t, contacts[0].ID, ready[0].ID)
		assert.Equal(t, contacts[2].ID, ready[1].ID)

		hvac, err := s.ListContacts(ctx, "t1", ContactFilter{Sector: "hvac"})
		require.NoError(t, err)
		assert.Len(t, hvac, 2)

		page, err := s.ListContacts(ctx, "t1", ContactFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, contacts[1].ID, page[0].ID)

		counts, err := s.CountByStatus(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 2, counts[model.StatusReady])
		assert.Equal(t, 3, counts[model.StatusRaw])
	})

	t.Run("BlockLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.ActiveBlock(ctx, "t1")
		assert.True(t, errors.Is(err, ErrNotFound))

		b1, err := s.CreateBlock(ctx, "t1", 5)
		require.NoError(t, err)
		assert.Equal(t, 1, b1.Sequence)
		assert.Equal(t, model.BlockActive, b1.Status)

		active, err := s.ActiveBlock(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, b1.ID, active.ID)

		require.NoError(t, s.CompleteBlock(ctx, b1.ID))
		b2, err := s.CreateBlock(ctx, "t1", 5)
		require.NoError(t, err)
		assert.Equal(t, 2, b2.Sequence)

		err = s.CompleteBlock(ctx, b1.ID)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("PullIntoBlockNeverOverAllocates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.InsertContacts(ctx, rawContacts("t1", 8))
		require.NoError(t, err)
		b, err := s.CreateBlock(ctx, "t1", 5)
		require.NoError(t, err)

		pulled, got, err := s.PullIntoBlock(ctx, b.ID, 10, "")
		require.NoError(t, err)
		assert.Equal(t, 5, pulled)
		assert.Equal(t, 5, got.RawCount)
		assert.Zero(t, got.Remaining())

		pulled, _, err = s.PullIntoBlock(ctx, b.ID, 10, "")
		require.NoError(t, err)
		assert.Zero(t, pulled)

		queued, err := s.ListContacts(ctx, "t1", ContactFilter{Statuses: []model.ContactStatus{model.StatusTracedPending}, BlockID: b.ID})
		require.NoError(t, err)
		assert.Len(t, queued, 5)
	})

	t.Run("PullIntoBlockSectorFilter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		contacts := rawContacts("t1", 4)
		contacts[2].Sector = "roofing"
		_, err := s.InsertContacts(ctx, contacts)
		require.NoError(t, err)
		b, err := s.CreateBlock(ctx, "t1", 100)
		require.NoError(t, err)

		pulled, _, err := s.PullIntoBlock(ctx, b.ID, 10, "roofing")
		require.NoError(t, err)
		assert.Equal(t, 1, pulled)
	})

	t.Run("AdvanceBlockMovesCounts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.InsertContacts(ctx, rawContacts("t1", 3))
		require.NoError(t, err)
		b, err := s.CreateBlock(ctx, "t1", 10)
		require.NoError(t, err)
		_, _, err = s.PullIntoBlock(ctx, b.ID, 3, "")
		require.NoError(t, err)

		require.NoError(t, s.AdvanceBlock(ctx, b.ID, model.BucketRaw, model.BucketTraced, 2))
		err = s.AdvanceBlock(ctx, b.ID, model.BucketTraced, model.BucketScored, 5)
		require.Error(t, err)

		got, err := s.ActiveBlock(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.RawCount)
		assert.Equal(t, 2, got.TracedCount)
		assert.Equal(t, 3, got.Used())
	})

	t.Run("SelectNextIdentityRoundRobin", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, num := range []string{"+15125550001", "+15125550002", "+15125550003"} {
			require.NoError(t, s.UpsertIdentity(ctx, &model.SendingIdentity{TenantID: "t1", Number: num, Active: true}))
		}

		start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
		visits := map[string]int{}
		var order []string
		for i := range 9 {
			id, err := s.SelectNextIdentity(ctx, IdentityFilter{TenantID: "t1"}, start.Add(time.Duration(i)*time.Second))
			require.NoError(t, err)
			visits[id.Number]++
			order = append(order, id.Number)
		}

		assert.Len(t, visits, 3)
		for num, n := range visits {
			assert.Equal(t, 3, n, num)
		}
		assert.Equal(t, order[:3], order[3:6])
		assert.Equal(t, order[:3], order[6:9])

		list, err := s.ListIdentities(ctx, "t1")
		require.NoError(t, err)
		for _, id := range list {
			assert.Equal(t, 3, id.SendCount)
			assert.Equal(t, 3, id.DailyCount)
			assert.Equal(t, "2026-03-02", id.DailyResetOn)
			require.NotNil(t, id.LastUsedAt)
		}
	})

	t.Run("SelectNextIdentityConcurrentPicksDistinct", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const n = 4
		for i := range n {
			require.NoError(t, s.UpsertIdentity(ctx, &model.SendingIdentity{TenantID: "t1", Number: fmt.Sprintf("+1512555000%d", i+1), Active: true}))
		}

		now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
		picked := make([]string, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := s.SelectNextIdentity(ctx, IdentityFilter{TenantID: "t1"}, now)
				if assert.NoError(t, err) {
					picked[i] = id.ID
				}
			}()
		}
		wg.Wait()

		seen := map[string]bool{}
		for _, id := range picked {
			require.NotEmpty(t, id)
			seen[id] = true
		}
		assert.Len(t, seen, n)

		list, err := s.ListIdentities(ctx, "t1")
		require.NoError(t, err)
		for _, id := range list {
			assert.Equal(t, 1, id.SendCount, id.Number)
		}
	})

	t.Run("SelectNextIdentityResetsDailyCount", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertIdentity(ctx, &model.SendingIdentity{TenantID: "t1", Number: "+15125550001", Active: true}))
		day1 := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
		_, err := s.SelectNextIdentity(ctx, IdentityFilter{TenantID: "t1"}, day1)
		require.NoError(t, err)
		_, err = s.SelectNextIdentity(ctx, IdentityFilter{TenantID: "t1"}, day1.Add(time.Minute))
		require.NoError(t, err)

		id, err := s.SelectNextIdentity(ctx, IdentityFilter{TenantID: "t1"}, day1.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, id.DailyCount)
		assert.Equal(t, 3, id.SendCount)
		assert.Equal(t, "2026-03-03", id.DailyResetOn)
	})

	t.Run("SelectNextIdentityCampaignScope", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertIdentity(ctx, &model.SendingIdentity{TenantID: "t1", Number: "+15125550001", Campaign: "spring", Active: true}))
		require.NoError(t, s.UpsertIdentity(ctx, &model.SendingIdentity{TenantID: "t1", Number: "+15125550002", Campaign: "fall", Active: true}))

		now := time.Now()
		for i := range 3 {
			id, err := s.SelectNextIdentity(ctx, IdentityFilter{TenantID: "t1", Campaign: "spring"}, now.Add(time.Duration(i)*time.Second))
			require.NoError(t, err)
			assert.Equal(t, "+15125550001", id.Number)
		}
	})

	t.Run("IdentityTripsAtThreshold", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ident := &model.SendingIdentity{TenantID: "t1", Number: "+15125550001", Active: true}
		require.NoError(t, s.UpsertIdentity(ctx, ident))

		for i := 1; i <= 4; i++ {
			got, err := s.RecordIdentityResult(ctx, ident.ID, false, 5)
			require.NoError(t, err)
			assert.Equal(t, i, got.ConsecutiveFailures)
			assert.True(t, got.Healthy)
		}
		got, err := s.RecordIdentityResult(ctx, ident.ID, false, 5)
		require.NoError(t, err)
		assert.Equal(t, 5, got.ConsecutiveFailures)
		assert.False(t, got.Healthy)

		_, err = s.SelectNextIdentity(ctx, IdentityFilter{TenantID: "t1"}, time.Now())
		assert.True(t, errors.Is(err, ErrNotFound))

		require.NoError(t, s.ResetIdentity(ctx, ident.ID))
		picked, err := s.SelectNextIdentity(ctx, IdentityFilter{TenantID: "t1"}, time.Now())
		require.NoError(t, err)
		assert.Equal(t, ident.ID, picked.ID)
		assert.Zero(t, picked.ConsecutiveFailures)
	})

	t.Run("SuccessResetsConsecutiveFailures", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ident := &model.SendingIdentity{TenantID: "t1", Number: "+15125550001", Active: true}
		require.NoError(t, s.UpsertIdentity(ctx, ident))

		for range 3 {
			_, err := s.RecordIdentityResult(ctx, ident.ID, false, 5)
			require.NoError(t, err)
		}
		got, err := s.RecordIdentityResult(ctx, ident.ID, true, 5)
		require.NoError(t, err)
		assert.Zero(t, got.ConsecutiveFailures)
		assert.Equal(t, 3, got.FailureCount)
		assert.Equal(t, 1, got.SuccessCount)
	})

	t.Run("InactiveIdentityExcluded", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ident := &model.SendingIdentity{TenantID: "t1", Number: "+15125550001", Active: true}
		require.NoError(t, s.UpsertIdentity(ctx, ident))
		require.NoError(t, s.SetIdentityActive(ctx, ident.ID, false))

		_, err := s.SelectNextIdentity(ctx, IdentityFilter{TenantID: "t1"}, time.Now())
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("DispatchRecordsAndSentToday", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

		_, err := s.GetDispatch(ctx, "t1", "spring", "c1")
		assert.True(t, errors.Is(err, ErrNotFound))

		rec := &model.DispatchRecord{TenantID: "t1", Campaign: "spring", ContactID: "c1", To: "+1", Body: "hi", CreatedAt: now}
		require.NoError(t, s.ClaimDispatch(ctx, DispatchClaim{Record: rec, DailyCap: 10}))
		assert.Equal(t, model.DispatchSending, rec.Status)

		rec.Status = model.DispatchSent
		rec.Attempts = 1
		require.NoError(t, s.SaveDispatch(ctx, rec))
		require.NoError(t, s.SaveDispatch(ctx, &model.DispatchRecord{TenantID: "t1", Campaign: "spring", ContactID: "c2", To: "+1", Body: "hi", Status: model.DispatchWouldSend, CreatedAt: now}))

		got, err := s.GetDispatch(ctx, "t1", "spring", "c1")
		require.NoError(t, err)
		assert.Equal(t, model.DispatchSent, got.Status)
		assert.Equal(t, 1, got.Attempts)

		n, err := s.SentToday(ctx, "t1", now)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.SentToday(ctx, "t1", now.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ClaimDispatchOnlyOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

		first := &model.DispatchRecord{TenantID: "t1", Campaign: "spring", ContactID: "c1", To: "+1", Body: "hi", CreatedAt: now}
		require.NoError(t, s.ClaimDispatch(ctx, DispatchClaim{Record: first, DailyCap: 10}))

		again := &model.DispatchRecord{TenantID: "t1", Campaign: "spring", ContactID: "c1", To: "+1", Body: "hi", CreatedAt: now.Add(time.Minute)}
		err := s.ClaimDispatch(ctx, DispatchClaim{Record: again, DailyCap: 10, StaleBefore: now.Add(-time.Minute)})
		assert.ErrorIs(t, err, ErrAlreadyClaimed)

		first.Status = model.DispatchSent
		require.NoError(t, s.SaveDispatch(ctx, first))
		err = s.ClaimDispatch(ctx, DispatchClaim{Record: again, DailyCap: 10, StaleBefore: now.Add(time.Hour)})
		assert.ErrorIs(t, err, ErrAlreadyClaimed)

		other := &model.DispatchRecord{TenantID: "t1", Campaign: "fall", ContactID: "c1", To: "+1", Body: "hi", CreatedAt: now}
		require.NoError(t, s.ClaimDispatch(ctx, DispatchClaim{Record: other, DailyCap: 10}))

		n, err := s.SentToday(ctx, "t1", now)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("ClaimDispatchReclaimsFailedAndStale", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

		failed := &model.DispatchRecord{TenantID: "t1", Campaign: "spring", ContactID: "c1", To: "+1", Body: "hi", CreatedAt: now}
		require.NoError(t, s.ClaimDispatch(ctx, DispatchClaim{Record: failed}))
		failed.Status = model.DispatchFailed
		failed.Error = "rejected"
		require.NoError(t, s.SaveDispatch(ctx, failed))

		retry := &model.DispatchRecord{TenantID: "t1", Campaign: "spring", ContactID: "c1", To: "+1", Body: "hi", CreatedAt: now.Add(time.Minute)}
		require.NoError(t, s.ClaimDispatch(ctx, DispatchClaim{Record: retry}))
		got, err := s.GetDispatch(ctx, "t1", "spring", "c1")
		require.NoError(t, err)
		assert.Equal(t, model.DispatchSending, got.Status)
		assert.Empty(t, got.Error)

		stale := &model.DispatchRecord{TenantID: "t1", Campaign: "spring", ContactID: "c1", To: "+1", Body: "hi", CreatedAt: now.Add(time.Hour)}
		require.NoError(t, s.ClaimDispatch(ctx, DispatchClaim{Record: stale, StaleBefore: now.Add(30 * time.Minute)}))

		n, err := s.SentToday(ctx, "t1", now)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("ClaimDispatchStopsAtDailyCap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

		for i := range 2 {
			rec := &model.DispatchRecord{TenantID: "t1", Campaign: "spring", ContactID: fmt.Sprintf("c%d", i), To: "+1", Body: "hi", CreatedAt: now}
			require.NoError(t, s.ClaimDispatch(ctx, DispatchClaim{Record: rec, DailyCap: 2}))
		}
		over := &model.DispatchRecord{TenantID: "t1", Campaign: "fall", ContactID: "c9", To: "+1", Body: "hi", CreatedAt: now}
		assert.ErrorIs(t, s.ClaimDispatch(ctx, DispatchClaim{Record: over, DailyCap: 2}), ErrDailyCapReached)
		_, err := s.GetDispatch(ctx, "t1", "fall", "c9")
		assert.ErrorIs(t, err, ErrNotFound)

		other := &model.DispatchRecord{TenantID: "t2", Campaign: "spring", ContactID: "c9", To: "+1", Body: "hi", CreatedAt: now}
		require.NoError(t, s.ClaimDispatch(ctx, DispatchClaim{Record: other, DailyCap: 2}))

		tomorrow := &model.DispatchRecord{TenantID: "t1", Campaign: "fall", ContactID: "c9", To: "+1", Body: "hi", CreatedAt: now.Add(24 * time.Hour)}
		require.NoError(t, s.ClaimDispatch(ctx, DispatchClaim{Record: tomorrow, DailyCap: 2}))
	})

	t.Run("ClaimDispatchConcurrentNeverExceedsCap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

		var claimed, capped atomic.Int32
		var wg sync.WaitGroup
		for i := range 9 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec := &model.DispatchRecord{TenantID: "t1", Campaign: fmt.Sprintf("camp%d", i%3), ContactID: fmt.Sprintf("c%d", i/3), To: "+1", Body: "hi", CreatedAt: now}
				err := s.ClaimDispatch(ctx, DispatchClaim{Record: rec, DailyCap: 3})
				switch {
				case err == nil:
					claimed.Add(1)
				case errors.Is(err, ErrDailyCapReached):
					capped.Add(1)
				default:
					t.Errorf("claim %d: %v", i, err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(3), claimed.Load())
		assert.Equal(t, int32(6), capped.Load())
		n, err := s.SentToday(ctx, "t1", now)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("ReleaseDispatchRefundsBudget", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

		rec := &model.DispatchRecord{TenantID: "t1", Campaign: "spring", ContactID: "c1", To: "+1", Body: "hi", CreatedAt: now}
		require.NoError(t, s.ClaimDispatch(ctx, DispatchClaim{Record: rec, DailyCap: 1}))
		require.NoError(t, s.ReleaseDispatch(ctx, rec))

		_, err := s.GetDispatch(ctx, "t1", "spring", "c1")
		assert.ErrorIs(t, err, ErrNotFound)
		n, err := s.SentToday(ctx, "t1", now)
		require.NoError(t, err)
		assert.Zero(t, n)

		// A finished record is not released and keeps its charge.
		require.NoError(t, s.ClaimDispatch(ctx, DispatchClaim{Record: rec, DailyCap: 1}))
		rec.Status = model.DispatchSent
		require.NoError(t, s.SaveDispatch(ctx, rec))
		require.NoError(t, s.ReleaseDispatch(ctx, rec))
		n, err = s.SentToday(ctx, "t1", now)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("DryRunNeverOverwritesSent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

		rec := &model.DispatchRecord{TenantID: "t1", Campaign: "spring", ContactID: "c1", To: "+1", Body: "hi", CreatedAt: now}
		require.NoError(t, s.ClaimDispatch(ctx, DispatchClaim{Record: rec}))
		rec.Status = model.DispatchSent
		require.NoError(t, s.SaveDispatch(ctx, rec))

		require.NoError(t, s.SaveDispatch(ctx, &model.DispatchRecord{TenantID: "t1", Campaign: "spring", ContactID: "c1", To: "+1", Body: "dry", Status: model.DispatchWouldSend, CreatedAt: now}))
		got, err := s.GetDispatch(ctx, "t1", "spring", "c1")
		require.NoError(t, err)
		assert.Equal(t, model.DispatchSent, got.Status)
		assert.Equal(t, "hi", got.Body)
	})

	t.Run("DLQRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

		entry, err := resilience.NewDLQEntry("t1", resilience.StageTrace,
			map[string]any{"contact_ids": []string{"c1"}},
			resilience.NewTransientError(errors.New("connection reset"), 503),
			resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Minute, JitterFraction: 0},
			now)
		require.NoError(t, err)
		require.NoError(t, s.EnqueueDLQ(ctx, *entry))

		due, err := s.DequeueDLQ(ctx, resilience.DLQFilter{}, now)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = s.DequeueDLQ(ctx, resilience.DLQFilter{TenantID: "t1", Stage: resilience.StageTrace}, now.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, resilience.ErrorTransient, due[0].ErrorType)

		require.NoError(t, s.IncrementDLQRetry(ctx, entry.ID, now.Add(2*time.Hour), "still down"))
		count, err := s.CountDLQ(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		require.NoError(t, s.RemoveDLQ(ctx, entry.ID))
		count, err = s.CountDLQ(ctx, "")
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestBucketColumn(t *testing.T) {
	col, err := bucketColumn(model.BucketScored)
	require.NoError(t, err)
	assert.Equal(t, "scored_count", col)

	_, err = bucketColumn("nope")
	assert.Error(t, err)
}

func TestNextDaily(t *testing.T) {
	id := &model.SendingIdentity{DailyCount: 7, DailyResetOn: "2026-03-02"}
	assert.Equal(t, 8, nextDaily(id, "2026-03-02"))
	assert.Equal(t, 1, nextDaily(id, "2026-03-03"))
}

func TestReclaimable(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	assert.True(t, reclaimable(model.DispatchFailed, now, time.Time{}))
	assert.True(t, reclaimable(model.DispatchWouldSend, now, time.Time{}))
	assert.False(t, reclaimable(model.DispatchSent, now, now.Add(time.Hour)))
	assert.False(t, reclaimable(model.DispatchSending, now, time.Time{}))
	assert.False(t, reclaimable(model.DispatchSending, now, now.Add(-time.Minute)))
	assert.True(t, reclaimable(model.DispatchSending, now, now.Add(time.Minute)))
}
