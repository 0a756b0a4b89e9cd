// Package qualify classifies a scored contact as ready, rejected or in need
// of review. Qualify is a pure function of the primary phone, its grade and
// its activity score; it never consults history.
package qualify

import (
	"strings"

	"github.com/sells-group/outreach-cli/internal/model"
)

// Reason codes.
const (
	ReasonNoPrimaryPhone = "no_primary_phone"
	ReasonMissingScore   = "missing_score"
	ReasonLowGradePrefix = "low_grade_"
	ReasonLowActivity    = "low_activity_score"
	ReasonQualified      = "qualified"
	ReasonNotReady       = "not_ready"
	ReasonScoringFailed  = "scoring_failed"
)

// Activity thresholds.
const (
	MinActivity   = 50
	ReadyActivity = 70
)

// Flags.
const (
	FlagNoPhone     = "no-phone"
	FlagUnscored    = "unscored"
	FlagLowGrade    = "low-grade"
	FlagLowActivity = "low-activity"
	FlagHighQuality = "high-quality"
	FlagNeedsReview = "needs-review"
)

// Qualify applies the rules in order; the first match wins:
//
//  1. no primary phone              -> rejected, no_primary_phone
//  2. grade or activity unknown     -> review,   missing_score
//  3. grade D or F                  -> rejected, low_grade_<grade>
//  4. activity < 50                 -> rejected, low_activity_score
//  5. grade A/B and activity >= 70  -> ready,    qualified
//  6. otherwise                     -> review,   not_ready
func Qualify(primary *model.PhoneCandidate, grade model.Grade, activity *int) model.QualificationResult {
	if primary == nil {
		return rejected(ReasonNoPrimaryPhone, FlagNoPhone)
	}
	if !grade.Known() || activity == nil {
		return review(ReasonMissingScore, FlagUnscored)
	}
	if grade.In(model.GradeD, model.GradeF) {
		return rejected(ReasonLowGradePrefix+strings.ToLower(string(grade)), FlagLowGrade)
	}
	if *activity < MinActivity {
		return rejected(ReasonLowActivity, FlagLowActivity)
	}
	if grade.In(model.GradeA, model.GradeB) && *activity >= ReadyActivity {
		return model.QualificationResult{
			Status: model.QualificationReady,
			Reason: ReasonQualified,
			Flags:  []string{FlagHighQuality},
		}
	}
	return review(ReasonNotReady, FlagNeedsReview)
}

// Phone qualifies using a scored best phone. An unscored phone counts as a
// missing score.
func Phone(best *model.PhoneCandidate) model.QualificationResult {
	if best == nil {
		return Qualify(nil, model.GradeUnknown, nil)
	}
	if !best.Scored {
		return Qualify(best, best.Grade, nil)
	}
	activity := best.ActivityScore
	return Qualify(best, best.Grade, &activity)
}

// ScoringFailed is the result recorded when a contact could not be scored.
func ScoringFailed() model.QualificationResult {
	return rejected(ReasonScoringFailed, FlagUnscored)
}

func rejected(reason, flag string) model.QualificationResult {
	return model.QualificationResult{Status: model.QualificationRejected, Reason: reason, Flags: []string{flag}}
}

func review(reason, flag string) model.QualificationResult {
	return model.QualificationResult{Status: model.QualificationReview, Reason: reason, Flags: []string{flag}}
}
