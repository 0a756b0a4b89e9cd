package qualify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/outreach-cli/internal/model"
)

func intp(v int) *int { return &v }

func TestQualify(t *testing.T) {
	phone := &model.PhoneCandidate{Number: "+15125550147", LineType: model.LineMobile}

	tests := []struct {
		name       string
		phone      *model.PhoneCandidate
		grade      model.Grade
		activity   *int
		wantStatus model.QualificationStatus
		wantReason string
		wantFlag   string
	}{
		{"no phone, great score", nil, model.GradeA, intp(100), model.QualificationRejected, ReasonNoPrimaryPhone, FlagNoPhone},
		{"no phone, no score", nil, model.GradeUnknown, nil, model.QualificationRejected, ReasonNoPrimaryPhone, FlagNoPhone},
		{"unknown grade", phone, model.GradeUnknown, intp(90), model.QualificationReview, ReasonMissingScore, FlagUnscored},
		{"unknown activity", phone, model.GradeA, nil, model.QualificationReview, ReasonMissingScore, FlagUnscored},
		{"grade D beats high activity", phone, model.GradeD, intp(95), model.QualificationRejected, "low_grade_d", FlagLowGrade},
		{"grade F", phone, model.GradeF, intp(0), model.QualificationRejected, "low_grade_f", FlagLowGrade},
		{"low activity", phone, model.GradeA, intp(49), model.QualificationRejected, ReasonLowActivity, FlagLowActivity},
		{"activity 50 grade C", phone, model.GradeC, intp(50), model.QualificationReview, ReasonNotReady, FlagNeedsReview},
		{"A at 70 is ready", phone, model.GradeA, intp(70), model.QualificationReady, ReasonQualified, FlagHighQuality},
		{"A at 69 is review", phone, model.GradeA, intp(69), model.QualificationReview, ReasonNotReady, FlagNeedsReview},
		{"B at 100 is ready", phone, model.GradeB, intp(100), model.QualificationReady, ReasonQualified, FlagHighQuality},
		{"C at 100 is review", phone, model.GradeC, intp(100), model.QualificationReview, ReasonNotReady, FlagNeedsReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Qualify(tt.phone, tt.grade, tt.activity)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantReason, got.Reason)
			assert.True(t, got.HasFlag(tt.wantFlag), "flags: %v", got.Flags)
		})
	}
}

func TestQualify_NoPhoneAlwaysRejected(t *testing.T) {
	grades := []model.Grade{model.GradeA, model.GradeB, model.GradeC, model.GradeD, model.GradeF, model.GradeUnknown}
	for _, g := range grades {
		for _, a := range []*int{nil, intp(0), intp(50), intp(100)} {
			got := Qualify(nil, g, a)
			assert.Equal(t, model.QualificationRejected, got.Status)
			assert.Equal(t, ReasonNoPrimaryPhone, got.Reason)
		}
	}
}

func TestPhone(t *testing.T) {
	assert.Equal(t, ReasonNoPrimaryPhone, Phone(nil).Reason)

	unscored := &model.PhoneCandidate{Number: "+1", Grade: model.GradeA, ActivityScore: 90}
	assert.Equal(t, ReasonMissingScore, Phone(unscored).Reason)

	scored := &model.PhoneCandidate{Number: "+1", Grade: model.GradeB, ActivityScore: 72, Scored: true}
	assert.Equal(t, model.QualificationReady, Phone(scored).Status)

	placeholder := model.InvalidPhone("+1", model.LineUnknown)
	assert.Equal(t, "low_grade_f", Phone(&placeholder).Reason)
}

func TestScoringFailed(t *testing.T) {
	got := ScoringFailed()
	assert.Equal(t, model.QualificationRejected, got.Status)
	assert.Equal(t, ReasonScoringFailed, got.Reason)
}
