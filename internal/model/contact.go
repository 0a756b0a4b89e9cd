// Package model defines the records that flow through the enrichment-to-dispatch pipeline.
package model

import "time"

// ContactStatus is the lifecycle stage of a contact record.
type ContactStatus string

const (
	StatusRaw           ContactStatus = "raw"
	StatusTracedPending ContactStatus = "traced_pending"
	StatusTraced        ContactStatus = "traced"
	StatusScored        ContactStatus = "scored"
	StatusReady         ContactStatus = "ready"
	StatusRejected      ContactStatus = "rejected"
	StatusReview        ContactStatus = "review"
	StatusDispatched    ContactStatus = "dispatched"
)

func (s ContactStatus) stage() int {
	switch s {
	case StatusRaw:
		return 0
	case StatusTracedPending:
		return 1
	case StatusTraced:
		return 2
	case StatusScored:
		return 3
	case StatusReady, StatusRejected, StatusReview:
		return 4
	case StatusDispatched:
		return 5
	default:
		return -1
	}
}

// CanTransition reports whether a contact may move from s to next. Stages
// only move forward; the three qualification outcomes may be re-evaluated
// among themselves, and only ready contacts may be dispatched.
func (s ContactStatus) CanTransition(next ContactStatus) bool {
	from, to := s.stage(), next.stage()
	if from < 0 || to < 0 {
		return false
	}
	if next == StatusDispatched {
		return s == StatusReady || s == StatusDispatched
	}
	return to >= from
}

// Qualified reports whether the status is one of the qualification outcomes.
func (s ContactStatus) Qualified() bool {
	return s.stage() == 4
}

// Contact is a business entity (company or person) moving through the pipeline.
// ID is an opaque correlation id carried through every stage.
type Contact struct {
	ID            string               `json:"id"`
	TenantID      string               `json:"tenant_id"`
	Name          string               `json:"name"`
	FirstName     string               `json:"first_name,omitempty"`
	LastName      string               `json:"last_name,omitempty"`
	Company       string               `json:"company,omitempty"`
	Street        string               `json:"street"`
	City          string               `json:"city"`
	State         string               `json:"state"`
	Zip           string               `json:"zip,omitempty"`
	Sector        string               `json:"sector,omitempty"`
	DedupKey      string               `json:"dedup_key"`
	Status        ContactStatus        `json:"status"`
	BlockID       string               `json:"block_id,omitempty"`
	Phones        []PhoneCandidate     `json:"phones,omitempty"`
	Emails        []string             `json:"emails,omitempty"`
	Score         *ContactScore        `json:"score,omitempty"`
	Qualification *QualificationResult `json:"qualification,omitempty"`
	Tier          int                  `json:"tier,omitempty"`
	PriorityScore int                  `json:"priority_score,omitempty"`
	Raw           map[string]string    `json:"raw,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// BestPhone returns the contact's selected best phone, or nil before scoring.
func (c *Contact) BestPhone() *PhoneCandidate {
	if c.Score == nil {
		return nil
	}
	return c.Score.BestPhone
}

// Recommendation is the suggested outreach channel for a contact.
type Recommendation string

const (
	RecommendSMS  Recommendation = "sms"
	RecommendCall Recommendation = "call"
	RecommendMail Recommendation = "mail"
	RecommendSkip Recommendation = "skip"
)

// ContactScore is the aggregate scoring result for one contact.
type ContactScore struct {
	BestPhone      *PhoneCandidate `json:"best_phone,omitempty"`
	OverallGrade   Grade           `json:"overall_grade"`
	Contactability float64         `json:"contactability"`
	SMSReady       bool            `json:"sms_ready"`
	Recommendation Recommendation  `json:"recommendation"`
	ScoredAt       time.Time       `json:"scored_at"`
}

// QualificationStatus is the outcome of qualification.
type QualificationStatus string

const (
	QualificationReady    QualificationStatus = "ready"
	QualificationRejected QualificationStatus = "rejected"
	QualificationReview   QualificationStatus = "review"
)

// ContactStatus maps the qualification outcome onto the contact lifecycle.
func (q QualificationStatus) ContactStatus() ContactStatus {
	switch q {
	case QualificationReady:
		return StatusReady
	case QualificationRejected:
		return StatusRejected
	default:
		return StatusReview
	}
}

// QualificationResult carries a machine-readable reason and flags.
type QualificationResult struct {
	Status QualificationStatus `json:"status"`
	Reason string              `json:"reason"`
	Flags  []string            `json:"flags,omitempty"`
}

// HasFlag reports whether the result carries the given flag.
func (q QualificationResult) HasFlag(flag string) bool {
	for _, f := range q.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
