package model

import "time"

// SendingIdentity is one outbound endpoint in a tenant's dispatch pool.
// Identities are deactivated, never deleted.
type SendingIdentity struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	Number              string     `json:"number"`
	Campaign            string     `json:"campaign,omitempty"`
	SendCount           int        `json:"send_count"`
	DailyCount          int        `json:"daily_count"`
	DailyResetOn        string     `json:"daily_reset_on,omitempty"` // YYYY-MM-DD of DailyCount
	SuccessCount        int        `json:"success_count"`
	FailureCount        int        `json:"failure_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Healthy             bool       `json:"healthy"`
	Active              bool       `json:"active"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Available reports whether the identity may be selected for sending.
func (i *SendingIdentity) Available() bool {
	return i.Active && i.Healthy
}

// DispatchStatus is the outcome of a single dispatch attempt.
type DispatchStatus string

const (
	DispatchSent      DispatchStatus = "sent"
	DispatchFailed    DispatchStatus = "failed"
	DispatchWouldSend DispatchStatus = "would_send"
	// DispatchSending marks a claimed record whose send has not finished.
	DispatchSending DispatchStatus = "sending"
)

// DispatchRecord is the idempotency record for one contact within one campaign.
type DispatchRecord struct {
	ContactID  string         `json:"contact_id"`
	TenantID   string         `json:"tenant_id"`
	Campaign   string         `json:"campaign"`
	IdentityID string         `json:"identity_id,omitempty"`
	To         string         `json:"to"`
	Body       string         `json:"body"`
	Status     DispatchStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts"`
	CreatedAt  time.Time      `json:"created_at"`
}

// DayKey formats t as the calendar day used for daily counters.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
