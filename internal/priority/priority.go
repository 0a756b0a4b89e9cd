// Package priority ranks qualified contacts into tiers 1 (best) through 6
// and selects the ordered campaign-ready subset.
package priority

import (
	"math"
	"sort"

	"github.com/sells-group/outreach-cli/internal/model"
)

// MaxCampaignTier is the worst tier eligible for campaign selection.
const MaxCampaignTier = 3

// Tier assigns a tier from line type, grade and activity score. Only mobile
// lines can reach tiers 1-3.
func Tier(lt model.LineType, grade model.Grade, activity int) int {
	mobile := lt == model.LineMobile
	switch {
	case mobile && grade == model.GradeA && activity >= 90:
		return 1
	case mobile && grade == model.GradeA && activity >= 70:
		return 2
	case mobile && grade == model.GradeB && activity >= 70:
		return 3
	case grade == model.GradeA:
		return 4
	case grade == model.GradeB:
		return 5
	default:
		return 6
	}
}

var gradeMultiplier = map[model.Grade]float64{
	model.GradeA: 2.0,
	model.GradeB: 1.5,
	model.GradeC: 1.0,
	model.GradeD: 0.5,
	model.GradeF: 0.1,
}

var typeBonus = map[model.LineType]float64{
	model.LineMobile:       100,
	model.LineNonFixedVoIP: 30,
}

// Score is round(activity * gradeMultiplier + typeBonus). Unknown grades
// weigh like F.
func Score(lt model.LineType, grade model.Grade, activity int) int {
	m, ok := gradeMultiplier[grade]
	if !ok {
		m = gradeMultiplier[model.GradeF]
	}
	return int(math.Round(float64(activity)*m + typeBonus[lt]))
}

// Ranked is a contact with its tier and priority score.
type Ranked struct {
	Contact model.Contact
	Tier    int
	Score   int
}

// Assess computes the tier and score of c from its best phone. Contacts
// without one land in tier 6 with score 0.
func Assess(c model.Contact) (tier, score int) {
	best := c.BestPhone()
	if best == nil {
		return 6, 0
	}
	return Tier(best.LineType, best.Grade, best.ActivityScore),
		Score(best.LineType, best.Grade, best.ActivityScore)
}

// Rank assesses every contact and orders them by tier ascending, then score
// descending. Ties keep their input order.
func Rank(contacts []model.Contact) []Ranked {
	out := make([]Ranked, len(contacts))
	for i, c := range contacts {
		tier, score := Assess(c)
		c.Tier, c.PriorityScore = tier, score
		out[i] = Ranked{Contact: c, Tier: tier, Score: score}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Score > out[j].Score
	})
	return out
}

// CampaignReady returns the ranked contacts in tiers 1-3, truncated to
// target. A target <= 0 means no limit.
func CampaignReady(contacts []model.Contact, target int) []Ranked {
	ranked := Rank(contacts)
	n := sort.Search(len(ranked), func(i int) bool { return ranked[i].Tier > MaxCampaignTier })
	ranked = ranked[:n]
	if target > 0 && len(ranked) > target {
		ranked = ranked[:target]
	}
	return ranked
}

// Distribution counts contacts per tier. Every tier 1-6 has a key.
func Distribution(contacts []model.Contact) map[int]int {
	dist := map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0, 6: 0}
	for _, c := range contacts {
		tier, _ := Assess(c)
		dist[tier]++
	}
	return dist
}
