// Package jobs runs pipeline stages as background tasks on a Redis-backed
// queue so long stages survive the request or process that started them.
package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rotisserie/eris"
)

// Task types.
const (
	TaskPull     = "pipeline.pull"
	TaskEnrich   = "pipeline.enrich"
	TaskCampaign = "pipeline.campaign"
	TaskReplay   = "pipeline.dlq_replay"
)

// PullPayload moves backlog contacts into the active block. Count <= 0
// pulls the daily quota.
type PullPayload struct {
	TenantID string `json:"tenant_id"`
	Count    int    `json:"count,omitempty"`
	Sector   string `json:"sector,omitempty"`
}

// EnrichPayload runs trace, score and qualification.
type EnrichPayload struct {
	TenantID string `json:"tenant_id"`
	BlockID  string `json:"block_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// CampaignPayload dispatches a campaign.
type CampaignPayload struct {
	TenantID string `json:"tenant_id"`
	Campaign string `json:"campaign"`
	Template string `json:"template"`
	Count    int    `json:"count,omitempty"`
	DryRun   bool   `json:"dry_run,omitempty"`
}

// ReplayPayload replays the tenant's due dead-letter entries.
type ReplayPayload struct {
	TenantID string `json:"tenant_id"`
}

func newTask(typ string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: marshal %s payload", typ)
	}
	return asynq.NewTask(typ, data), nil
}

// parsePayload decodes a task payload. A payload that cannot be decoded
// will never succeed, so the error skips asynq's retries.
func parsePayload[T any](task *asynq.Task) (T, error) {
	var payload T
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("jobs: decode %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
	}
	return payload, nil
}
