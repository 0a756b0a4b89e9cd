package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/config"
)

// ErrAlreadyQueued is returned when an identical stage task is still queued
// or running for the tenant.
var ErrAlreadyQueued = eris.New("jobs: stage already queued")

const defaultUniqueTTL = time.Hour

// Client enqueues pipeline stage tasks.
type Client struct {
	client    *asynq.Client
	queue     string
	maxRetry  int
	uniqueTTL time.Duration
}

// NewClient connects to the queue described by cfg. maxRetry bounds asynq's
// own retries of a failed task.
func NewClient(cfg config.RedisConfig, maxRetry int) (*Client, error) {
	opt, err := redisClientOpt(cfg.URL)
	if err != nil {
		return nil, err
	}
	return &Client{
		client:    asynq.NewClient(opt),
		queue:     queueName(cfg.Queue),
		maxRetry:  max(maxRetry, 0),
		uniqueTTL: defaultUniqueTTL,
	}, nil
}

// Close releases the Redis connection.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnqueuePull queues a pull.
func (c *Client) EnqueuePull(ctx context.Context, p PullPayload) (*asynq.TaskInfo, error) {
	return c.enqueue(ctx, TaskPull, p.TenantID, p)
}

// EnqueueEnrich queues an enrichment run.
func (c *Client) EnqueueEnrich(ctx context.Context, p EnrichPayload) (*asynq.TaskInfo, error) {
	return c.enqueue(ctx, TaskEnrich, p.TenantID, p)
}

// EnqueueCampaign queues a campaign run.
func (c *Client) EnqueueCampaign(ctx context.Context, p CampaignPayload) (*asynq.TaskInfo, error) {
	if strings.TrimSpace(p.Template) == "" {
		return nil, eris.New("jobs: campaign template is required")
	}
	return c.enqueue(ctx, TaskCampaign, p.TenantID, p)
}

// EnqueueReplay queues a dead-letter replay.
func (c *Client) EnqueueReplay(ctx context.Context, p ReplayPayload) (*asynq.TaskInfo, error) {
	return c.enqueue(ctx, TaskReplay, p.TenantID, p)
}

func (c *Client) enqueue(ctx context.Context, typ, tenant string, payload any) (*asynq.TaskInfo, error) {
	if strings.TrimSpace(tenant) == "" {
		return nil, eris.Errorf("jobs: %s requires a tenant", typ)
	}
	task, err := newTask(typ, payload)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(c.maxRetry),
		asynq.Unique(c.uniqueTTL),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil, eris.Wrapf(ErrAlreadyQueued, "%s for tenant %s", typ, tenant)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: enqueue %s", typ)
	}
	return info, nil
}

func queueName(q string) string {
	if q == "" {
		return "default"
	}
	return q
}

func redisClientOpt(redisURL string) (asynq.RedisClientOpt, error) {
	if redisURL == "" {
		return asynq.RedisClientOpt{}, eris.New("jobs: redis url not configured")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, eris.Wrap(err, "jobs: parse redis url")
	}
	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}
