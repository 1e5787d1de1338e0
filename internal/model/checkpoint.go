package model

import "time"

// CheckpointFormat tags checkpoint files so foreign or truncated files are
// detected on load.
const CheckpointFormat = "docflow.checkpoint"

// CheckpointVersion is the schema version written by this build.
const CheckpointVersion = 1

// Counters are the aggregate processing statistics carried across restarts.
type Counters struct {
	Submitted int64 `json:"submitted"`
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

// BucketState is a diagnostic copy of one provider's token bucket.
type BucketState struct {
	Provider   string    `json:"provider"`
	Capacity   int       `json:"capacity"`
	Tokens     float64   `json:"tokens"`
	RefillRate float64   `json:"refill_rate"`
	LastRefill time.Time `json:"last_refill"`
}

// Checkpoint is a durable snapshot of all non-terminal work.
type Checkpoint struct {
	Format    string        `json:"format"`
	Version   int           `json:"version"`
	Timestamp time.Time     `json:"timestamp"`
	Items     []WorkItem    `json:"items"`
	Counters  Counters      `json:"counters"`
	Buckets   []BucketState `json:"buckets,omitempty"`
}

// NewCheckpoint returns an empty checkpoint stamped with the current format.
func NewCheckpoint(at time.Time) *Checkpoint {
	return &Checkpoint{
		Format:    CheckpointFormat,
		Version:   CheckpointVersion,
		Timestamp: at,
	}
}

// Empty reports whether the checkpoint carries no work and no history.
func (c *Checkpoint) Empty() bool {
	return c == nil || (len(c.Items) == 0 && c.Counters == Counters{})
}

// Depths counts checkpointed items per priority tier.
func (c *Checkpoint) Depths() map[Priority]int {
	out := make(map[Priority]int, len(Priorities))
	for _, p := range Priorities {
		out[p] = 0
	}
	if c == nil {
		return out
	}
	for _, it := range c.Items {
		out[it.Priority]++
	}
	return out
}
