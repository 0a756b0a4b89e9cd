package model

import "strings"

// Grade is a letter quality rating for a phone's reachability.
type Grade string

const (
	GradeA       Grade = "A"
	GradeB       Grade = "B"
	GradeC       Grade = "C"
	GradeD       Grade = "D"
	GradeF       Grade = "F"
	GradeUnknown Grade = ""
)

// ParseGrade normalizes a provider-reported grade. Anything outside A-D/F
// (including the unused letter E) parses as GradeUnknown.
func ParseGrade(s string) Grade {
	switch g := Grade(strings.ToUpper(strings.TrimSpace(s))); g {
	case GradeA, GradeB, GradeC, GradeD, GradeF:
		return g
	default:
		return GradeUnknown
	}
}

// Rank orders grades from best (0) to worst. Unknown sorts after F.
func (g Grade) Rank() int {
	switch g {
	case GradeA:
		return 0
	case GradeB:
		return 1
	case GradeC:
		return 2
	case GradeD:
		return 3
	case GradeF:
		return 4
	default:
		return 5
	}
}

// Known reports whether g is one of A, B, C, D, F.
func (g Grade) Known() bool {
	return g.Rank() < 5
}

// Better reports whether g is a strictly better grade than other.
func (g Grade) Better(other Grade) bool {
	return g.Rank() < other.Rank()
}

// In reports whether g is one of the given grades.
func (g Grade) In(grades ...Grade) bool {
	for _, x := range grades {
		if g == x {
			return true
		}
	}
	return false
}

// LineType is the provider-reported kind of phone line.
type LineType string

const (
	LineMobile       LineType = "mobile"
	LineLandline     LineType = "landline"
	LineFixedVoIP    LineType = "fixed_voip"
	LineNonFixedVoIP LineType = "non_fixed_voip"
	LineUnknown      LineType = "unknown"
)

// ParseLineType maps the various spellings providers use onto a LineType.
func ParseLineType(s string) LineType {
	n := strings.ToLower(strings.TrimSpace(s))
	n = strings.NewReplacer("-", "_", " ", "_").Replace(n)
	switch n {
	case "mobile", "wireless", "cell", "cellular":
		return LineMobile
	case "landline", "fixed_line", "fixed", "land_line":
		return LineLandline
	case "fixed_voip", "fixedvoip":
		return LineFixedVoIP
	case "non_fixed_voip", "nonfixed_voip", "nonfixedvoip", "voip":
		return LineNonFixedVoIP
	default:
		return LineUnknown
	}
}

// PhoneCandidate is one phone number associated with a contact. A candidate
// is Scored once the contact-scoring provider (or its failure placeholder)
// has filled Grade and ActivityScore.
type PhoneCandidate struct {
	Number        string   `json:"number"`
	LineType      LineType `json:"line_type"`
	Grade         Grade    `json:"grade,omitempty"`
	ActivityScore int      `json:"activity_score"`
	Reachable     bool     `json:"reachable"`
	Valid         bool     `json:"valid"`
	NameMatch     bool     `json:"name_match"`
	Scored        bool     `json:"scored"`
	Source        string   `json:"source,omitempty"`
}

// IsMobile reports whether the candidate is a mobile line.
func (p PhoneCandidate) IsMobile() bool {
	return p.LineType == LineMobile
}

// InvalidPhone returns the placeholder recorded when a phone could not be
// scored: grade F, activity 0, not valid.
func InvalidPhone(number string, lt LineType) PhoneCandidate {
	return PhoneCandidate{
		Number:   number,
		LineType: lt,
		Grade:    GradeF,
		Valid:    false,
		Scored:   true,
		Source:   "invalid",
	}
}
