package grading

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/qualify"
)

func cand(num string, lt model.LineType, g model.Grade, act int) model.PhoneCandidate {
	return model.PhoneCandidate{Number: num, LineType: lt, Grade: g, ActivityScore: act, Valid: true, Reachable: true, Scored: true}
}

func TestCandidateScore(t *testing.T) {
	assert.InDelta(t, 150.0, CandidateScore(cand("1", model.LineMobile, model.GradeA, 100)), 1e-9)
	assert.InDelta(t, 57.6, CandidateScore(cand("1", model.LineNonFixedVoIP, model.GradeB, 60)), 1e-9)
	assert.InDelta(t, 33.0, CandidateScore(cand("1", model.LineFixedVoIP, model.GradeC, 50)), 1e-9)
	assert.InDelta(t, 1.0, CandidateScore(cand("1", model.LineLandline, model.GradeF, 10)), 1e-9)

	nm := cand("1", model.LineLandline, model.GradeA, 50)
	nm.NameMatch = true
	assert.InDelta(t, 55.0, CandidateScore(nm), 1e-9)
}

func TestContactability(t *testing.T) {
	assert.Zero(t, Contactability(nil))

	// 150 clamps to 100
	assert.Equal(t, 100.0, Contactability([]model.PhoneCandidate{cand("1", model.LineMobile, model.GradeA, 100)}))

	// mean of 40 (landline A 40) and 8 (landline D 20)
	got := Contactability([]model.PhoneCandidate{
		cand("1", model.LineLandline, model.GradeA, 40),
		cand("2", model.LineLandline, model.GradeD, 20),
	})
	assert.InDelta(t, 24.0, got, 1e-9)
}

func TestContactability_MonotonicInActivity(t *testing.T) {
	types := []model.LineType{model.LineMobile, model.LineLandline, model.LineFixedVoIP, model.LineNonFixedVoIP}
	grades := []model.Grade{model.GradeA, model.GradeB, model.GradeC, model.GradeD, model.GradeF}
	for _, lt := range types {
		for _, g := range grades {
			for _, nm := range []bool{false, true} {
				prev := -1.0
				for act := 0; act <= 100; act++ {
					p := cand("1", lt, g, act)
					p.NameMatch = nm
					other := cand("2", model.LineLandline, model.GradeC, 40)
					s := Contactability([]model.PhoneCandidate{p, other})
					require.GreaterOrEqual(t, s, prev)
					require.GreaterOrEqual(t, s, 0.0)
					require.LessOrEqual(t, s, 100.0)
					prev = s
				}
			}
		}
	}
}

func TestBestPhone(t *testing.T) {
	t.Run("mobile first beats better landline", func(t *testing.T) {
		phones := []model.PhoneCandidate{
			cand("land", model.LineLandline, model.GradeA, 95),
			cand("mob", model.LineMobile, model.GradeB, 72),
		}
		best := BestPhone(phones)
		require.NotNil(t, best)
		assert.Equal(t, "mob", best.Number)
	})

	t.Run("activity breaks grade ties", func(t *testing.T) {
		phones := []model.PhoneCandidate{
			cand("m1", model.LineMobile, model.GradeA, 70),
			cand("m2", model.LineMobile, model.GradeA, 88),
			cand("m3", model.LineMobile, model.GradeB, 99),
		}
		assert.Equal(t, "m2", BestPhone(phones).Number)
	})

	t.Run("invalid mobile falls through to valid landline", func(t *testing.T) {
		bad := cand("mob", model.LineMobile, model.GradeA, 99)
		bad.Valid = false
		phones := []model.PhoneCandidate{bad, cand("land", model.LineLandline, model.GradeC, 50)}
		assert.Equal(t, "land", BestPhone(phones).Number)
	})

	t.Run("nothing valid picks best grade overall", func(t *testing.T) {
		a := cand("a", model.LineLandline, model.GradeD, 10)
		b := cand("b", model.LineMobile, model.GradeC, 5)
		a.Valid, b.Valid = false, false
		assert.Equal(t, "b", BestPhone([]model.PhoneCandidate{a, b}).Number)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, BestPhone(nil))
	})

	t.Run("returns a copy", func(t *testing.T) {
		phones := []model.PhoneCandidate{cand("m", model.LineMobile, model.GradeA, 90)}
		best := BestPhone(phones)
		best.Number = "changed"
		assert.Equal(t, "m", phones[0].Number)
	})
}

func TestOverallGrade(t *testing.T) {
	assert.Equal(t, model.GradeF, OverallGrade(nil))
	assert.Equal(t, model.GradeF, OverallGrade([]model.PhoneCandidate{{Number: "1"}}))
	assert.Equal(t, model.GradeA, OverallGrade([]model.PhoneCandidate{
		cand("1", model.LineMobile, model.GradeB, 72),
		cand("2", model.LineLandline, model.GradeA, 95),
	}))
}

func TestSMSReadyAndRecommend(t *testing.T) {
	ready := model.QualificationResult{Status: model.QualificationReady}
	review := model.QualificationResult{Status: model.QualificationReview}
	rejected := model.QualificationResult{Status: model.QualificationRejected}

	smsPhones := []model.PhoneCandidate{cand("m", model.LineMobile, model.GradeB, 70)}
	assert.True(t, SMSReady(ready, smsPhones))
	assert.True(t, SMSReady(review, smsPhones))
	assert.False(t, SMSReady(rejected, smsPhones))
	assert.False(t, SMSReady(ready, []model.PhoneCandidate{cand("m", model.LineMobile, model.GradeB, 69)}))
	assert.False(t, SMSReady(ready, []model.PhoneCandidate{cand("l", model.LineLandline, model.GradeA, 99)}))

	assert.Equal(t, model.RecommendSkip, Recommend(rejected, true, smsPhones))
	assert.Equal(t, model.RecommendSMS, Recommend(ready, true, smsPhones))

	callable := []model.PhoneCandidate{cand("l", model.LineLandline, model.GradeC, 50)}
	assert.Equal(t, model.RecommendCall, Recommend(review, false, callable))

	unreachable := cand("l", model.LineLandline, model.GradeA, 90)
	unreachable.Reachable = false
	assert.Equal(t, model.RecommendMail, Recommend(review, false, []model.PhoneCandidate{unreachable}))

	invalid := cand("l", model.LineLandline, model.GradeA, 90)
	invalid.Valid = false
	assert.Equal(t, model.RecommendSkip, Recommend(review, false, []model.PhoneCandidate{invalid}))
}

func TestEvaluate_MobileBLandlineA(t *testing.T) {
	phones := []model.PhoneCandidate{
		cand("+15125550101", model.LineMobile, model.GradeB, 72),
		cand("+15125550201", model.LineLandline, model.GradeA, 95),
	}
	score, q := Evaluate(phones)

	require.NotNil(t, score.BestPhone)
	assert.Equal(t, "+15125550101", score.BestPhone.Number)
	assert.Equal(t, model.GradeA, score.OverallGrade)
	assert.Equal(t, model.QualificationReady, q.Status)
	assert.True(t, score.SMSReady)
	assert.Equal(t, model.RecommendSMS, score.Recommendation)
}

func TestEvaluate_NoPhones(t *testing.T) {
	score, q := Evaluate(nil)
	assert.Nil(t, score.BestPhone)
	assert.Equal(t, model.GradeF, score.OverallGrade)
	assert.Equal(t, qualify.ReasonNoPrimaryPhone, q.Reason)
	assert.Equal(t, model.RecommendSkip, score.Recommendation)
}

func TestFailed(t *testing.T) {
	score, q := Failed()
	assert.Equal(t, model.GradeF, score.OverallGrade)
	assert.Zero(t, score.Contactability)
	assert.Equal(t, model.RecommendSkip, score.Recommendation)
	assert.Equal(t, qualify.ReasonScoringFailed, q.Reason)
}
