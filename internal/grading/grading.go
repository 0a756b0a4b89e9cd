// Package grading turns a contact's phone candidates into a ContactScore:
// best phone, overall grade, contactability, SMS readiness and a channel
// recommendation, plus the qualification outcome.
package grading

import (
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/qualify"
)

// SMSActivity is the minimum activity score for an SMS-ready mobile.
const SMSActivity = 70

var typeMultiplier = map[model.LineType]float64{
	model.LineMobile:       1.5,
	model.LineNonFixedVoIP: 1.2,
	model.LineFixedVoIP:    1.1,
	model.LineLandline:     1.0,
}

var gradeMultiplier = map[model.Grade]float64{
	model.GradeA: 1.0,
	model.GradeB: 0.8,
	model.GradeC: 0.6,
	model.GradeD: 0.4,
	model.GradeF: 0.1,
}

// CandidateScore is activity x type multiplier x grade multiplier, with a
// 1.1 bonus for a name match. Unknown line types weigh like landlines and
// unknown grades like F.
func CandidateScore(p model.PhoneCandidate) float64 {
	tm, ok := typeMultiplier[p.LineType]
	if !ok {
		tm = 1.0
	}
	gm, ok := gradeMultiplier[p.Grade]
	if !ok {
		gm = gradeMultiplier[model.GradeF]
	}
	s := float64(p.ActivityScore) * tm * gm
	if p.NameMatch {
		s *= 1.1
	}
	return s
}

// Contactability is the mean CandidateScore clamped to [0, 100]. A contact
// without phones scores 0.
func Contactability(phones []model.PhoneCandidate) float64 {
	if len(phones) == 0 {
		return 0
	}
	var sum float64
	for _, p := range phones {
		sum += CandidateScore(p)
	}
	return clamp(sum/float64(len(phones)), 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// BestPhone picks, in order of preference: the best valid mobile, the best
// valid phone of any type, or the best phone regardless of validity. "Best"
// means best grade, then highest activity; earlier candidates win ties.
func BestPhone(phones []model.PhoneCandidate) *model.PhoneCandidate {
	tiers := []func(model.PhoneCandidate) bool{
		func(p model.PhoneCandidate) bool { return p.Valid && p.IsMobile() },
		func(p model.PhoneCandidate) bool { return p.Valid },
		func(model.PhoneCandidate) bool { return true },
	}
	for _, keep := range tiers {
		if best := pick(phones, keep); best != nil {
			return best
		}
	}
	return nil
}

func pick(phones []model.PhoneCandidate, keep func(model.PhoneCandidate) bool) *model.PhoneCandidate {
	var best *model.PhoneCandidate
	for i := range phones {
		p := phones[i]
		if !keep(p) {
			continue
		}
		if best == nil || p.Grade.Better(best.Grade) ||
			(p.Grade == best.Grade && p.ActivityScore > best.ActivityScore) {
			best = &p
		}
	}
	return best
}

// OverallGrade is the best grade among the candidates, F when there are
// none or none carries a known grade.
func OverallGrade(phones []model.PhoneCandidate) model.Grade {
	best := model.GradeUnknown
	for _, p := range phones {
		if p.Grade.Better(best) {
			best = p.Grade
		}
	}
	if !best.Known() {
		return model.GradeF
	}
	return best
}

// SMSReady reports whether q is not rejected and some valid mobile is
// graded A or B with activity of at least 70.
func SMSReady(q model.QualificationResult, phones []model.PhoneCandidate) bool {
	if q.Status == model.QualificationRejected {
		return false
	}
	for _, p := range phones {
		if p.Valid && p.IsMobile() && p.Grade.In(model.GradeA, model.GradeB) && p.ActivityScore >= SMSActivity {
			return true
		}
	}
	return false
}

// Recommend picks the outreach channel.
func Recommend(q model.QualificationResult, smsReady bool, phones []model.PhoneCandidate) model.Recommendation {
	if q.Status == model.QualificationRejected {
		return model.RecommendSkip
	}
	if smsReady {
		return model.RecommendSMS
	}
	for _, p := range phones {
		if p.Valid && p.Reachable && p.Grade.In(model.GradeA, model.GradeB, model.GradeC) {
			return model.RecommendCall
		}
	}
	for _, p := range phones {
		if p.Valid {
			return model.RecommendMail
		}
	}
	return model.RecommendSkip
}

// Evaluate grades a set of scored phones. It is pure, so the pipeline can
// re-run it on stored phones without calling the scoring provider.
func Evaluate(phones []model.PhoneCandidate) (model.ContactScore, model.QualificationResult) {
	best := BestPhone(phones)
	q := qualify.Phone(best)
	sms := SMSReady(q, phones)
	return model.ContactScore{
		BestPhone:      best,
		OverallGrade:   OverallGrade(phones),
		Contactability: Contactability(phones),
		SMSReady:       sms,
		Recommendation: Recommend(q, sms, phones),
	}, q
}

// Failed is the score recorded for a contact whose scoring failed.
func Failed() (model.ContactScore, model.QualificationResult) {
	return model.ContactScore{
		OverallGrade:   model.GradeF,
		Contactability: 0,
		Recommendation: model.RecommendSkip,
	}, qualify.ScoringFailed()
}
