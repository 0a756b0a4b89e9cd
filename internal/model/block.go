package model

import "time"

// BlockStatus is the lifecycle state of a capacity block.
type BlockStatus string

const (
	BlockActive   BlockStatus = "active"
	BlockComplete BlockStatus = "complete"
)

// Block is a fixed-capacity staging unit. Its four stage buckets together
// never exceed Capacity, and it never shrinks.
type Block struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	Sequence    int         `json:"sequence"`
	Capacity    int         `json:"capacity"`
	RawCount    int         `json:"raw_count"`
	TracedCount int         `json:"traced_count"`
	ScoredCount int         `json:"scored_count"`
	ReadyCount  int         `json:"ready_count"`
	Status      BlockStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Used is the sum of all stage buckets.
func (b *Block) Used() int {
	return b.RawCount + b.TracedCount + b.ScoredCount + b.ReadyCount
}

// Remaining is the unallocated capacity, never negative.
func (b *Block) Remaining() int {
	if r := b.Capacity - b.Used(); r > 0 {
		return r
	}
	return 0
}

// Full reports whether no capacity remains.
func (b *Block) Full() bool {
	return b.Remaining() == 0
}

// BlockBucket names one of a block's stage counters.
type BlockBucket string

const (
	BucketRaw    BlockBucket = "raw"
	BucketTraced BlockBucket = "traced"
	BucketScored BlockBucket = "scored"
	BucketReady  BlockBucket = "ready"
)

// BucketFor returns the block bucket a contact status is counted in.
func BucketFor(s ContactStatus) (BlockBucket, bool) {
	switch s {
	case StatusRaw, StatusTracedPending:
		return BucketRaw, true
	case StatusTraced:
		return BucketTraced, true
	case StatusScored:
		return BucketScored, true
	case StatusReady, StatusRejected, StatusReview, StatusDispatched:
		return BucketReady, true
	default:
		return "", false
	}
}
