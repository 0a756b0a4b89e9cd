package resilience

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Pipeline stages that can dead-letter work.
const (
	StageImport   = "import"
	StageTrace    = "trace"
	StageScore    = "score"
	StageDispatch = "dispatch"
)

// DLQEntry records a stage job that failed after its retries were spent.
// Payload holds the stage input needed to rerun it (contact ids, campaign).
type DLQEntry struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Stage        string          `json:"stage"`
	Payload      json.RawMessage `json:"payload"`
	Error        string          `json:"error"`
	ErrorType    string          `json:"error_type"` // "transient" or "permanent"
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	NextRetryAt  time.Time       `json:"next_retry_at"`
	CreatedAt    time.Time       `json:"created_at"`
	LastFailedAt time.Time       `json:"last_failed_at"`
}

// DLQFilter narrows a dead-letter query.
type DLQFilter struct {
	TenantID  string `json:"tenant_id,omitempty"`
	Stage     string `json:"stage,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// NewDLQEntry builds an entry for a failed stage job. Permanent failures get
// no retries; transient ones are scheduled after the retry policy's first backoff.
func NewDLQEntry(tenantID, stage string, payload any, cause error, retry RetryConfig, now time.Time) (*DLQEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "resilience: marshal dlq payload")
	}
	retry = applyDefaults(retry)

	e := &DLQEntry{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Stage:        stage,
		Payload:      raw,
		Error:        cause.Error(),
		ErrorType:    ClassifyError(cause),
		CreatedAt:    now,
		LastFailedAt: now,
		NextRetryAt:  now,
	}
	if e.ErrorType == ErrorTransient {
		e.MaxRetries = retry.MaxAttempts
		e.NextRetryAt = now.Add(computeBackoff(0, retry))
	}
	return e, nil
}

// CanRetry reports whether the entry has retries left.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// DecodePayload unmarshals the entry payload into v.
func (e *DLQEntry) DecodePayload(v any) error {
	return eris.Wrap(json.Unmarshal(e.Payload, v), "resilience: decode dlq payload")
}
