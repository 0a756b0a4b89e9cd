package grading

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/qualify"
)

type mockScorer struct {
	mock.Mock
}

func (m *mockScorer) ScoreContact(ctx context.Context, c model.Contact) ([]model.PhoneCandidate, error) {
	args := m.Called(ctx, c.ID)
	if fn, ok := args.Get(0).(func()); ok {
		fn()
	}
	phones, _ := args.Get(0).([]model.PhoneCandidate)
	return phones, args.Error(1)
}

func TestBatchScore(t *testing.T) {
	scorer := &mockScorer{}
	scorer.On("ScoreContact", mock.Anything, "ready").
		Return([]model.PhoneCandidate{cand("m", model.LineMobile, model.GradeA, 91)}, nil)
	scorer.On("ScoreContact", mock.Anything, "review").
		Return([]model.PhoneCandidate{cand("l", model.LineLandline, model.GradeC, 60)}, nil)
	scorer.On("ScoreContact", mock.Anything, "nophone").
		Return([]model.PhoneCandidate(nil), nil)
	scorer.On("ScoreContact", mock.Anything, "boom").
		Return(nil, errors.New("provider down"))
	scorer.On("ScoreContact", mock.Anything, "panic").
		Return(func() { panic("bad response") }, nil)

	contacts := []model.Contact{
		{ID: "ready", Status: model.StatusTraced},
		{ID: "boom", Status: model.StatusTraced},
		{ID: "review", Status: model.StatusTraced},
		{ID: "panic", Status: model.StatusTraced},
		{ID: "nophone", Status: model.StatusTraced},
	}

	eng := NewEngine(scorer, 2)
	res := eng.BatchScore(context.Background(), contacts)

	require.Len(t, res.Results, 5)
	assert.Equal(t, 1, res.Ready)
	assert.Equal(t, 1, res.Review)
	assert.Equal(t, 3, res.Rejected)
	assert.Equal(t, 2, res.Failed)

	for i, lr := range res.Results {
		assert.Equal(t, contacts[i].ID, lr.Contact.ID, "order kept")
		require.NotNil(t, lr.Contact.Score)
		require.NotNil(t, lr.Contact.Qualification)
	}

	assert.Equal(t, model.StatusReady, res.Results[0].Contact.Status)
	assert.True(t, res.Results[0].Contact.Score.SMSReady)

	for _, i := range []int{1, 3} {
		lr := res.Results[i]
		require.Error(t, lr.Err)
		assert.Equal(t, model.StatusRejected, lr.Contact.Status)
		assert.Equal(t, model.GradeF, lr.Contact.Score.OverallGrade)
		assert.Zero(t, lr.Contact.Score.Contactability)
		assert.Equal(t, model.RecommendSkip, lr.Contact.Score.Recommendation)
		assert.Equal(t, qualify.ReasonScoringFailed, lr.Contact.Qualification.Reason)
	}
	assert.Contains(t, res.Results[3].Err.Error(), "panic")

	assert.Equal(t, qualify.ReasonNoPrimaryPhone, res.Results[4].Contact.Qualification.Reason)
	assert.Equal(t, "ready=1 rejected=3 review=1 failed=2", res.Summary())
	scorer.AssertExpectations(t)
}

func TestBatchScore_Empty(t *testing.T) {
	res := NewEngine(&mockScorer{}, 0).BatchScore(context.Background(), nil)
	assert.Empty(t, res.Results)
	assert.Zero(t, res.Failed)
}
