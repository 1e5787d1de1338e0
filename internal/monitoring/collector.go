// Package monitoring watches a running pipeline and posts webhook alerts
// when it looks unhealthy.
package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/resilience"
	"github.com/sells-group/docflow/internal/store"
)

// recentFailureLimit bounds how many failed items a snapshot lists.
const recentFailureLimit = 20

// Source exposes live pipeline counters.
type Source interface {
	Stats() model.Counters
	Running() int64
	Depths() map[model.Priority]int
}

// Spender reports cumulative spend in USD.
type Spender interface {
	Total() float64
}

// Snapshot is a point-in-time view of pipeline health. The window fields
// cover the period since the previous collection.
type Snapshot struct {
	Counters model.Counters `json:"counters"`
	Running  int64          `json:"running"`
	Queued   int            `json:"queued"`

	Window          time.Duration `json:"window"`
	WindowSucceeded int64         `json:"window_succeeded"`
	WindowFailed    int64         `json:"window_failed"`
	FailRate        float64       `json:"fail_rate"`
	WindowSpendUSD  float64       `json:"window_spend_usd"`
	// RecentFailures lists document IDs of items that failed in the window,
	// newest first.
	RecentFailures []string `json:"recent_failures,omitempty"`

	OpenCircuits []string  `json:"open_circuits,omitempty"`
	CollectedAt  time.Time `json:"collected_at"`
}

// Collector gathers snapshots from the pipeline, the archive and the
// circuit breakers. Store and breakers may be nil.
type Collector struct {
	source   Source
	store    store.Store
	breakers *resilience.Breakers
	spender  Spender
	nowFunc  func() time.Time

	mu        sync.Mutex
	last      model.Counters
	lastSpend float64
	lastAt    time.Time
}

// NewCollector creates a collector. The first window starts now.
func NewCollector(src Source, st store.Store, breakers *resilience.Breakers) *Collector {
	c := &Collector{source: src, store: st, breakers: breakers, nowFunc: time.Now}
	c.last = src.Stats()
	c.lastAt = c.nowFunc().UTC()
	return c
}

// WithSpend makes snapshots report spend from s.
func (c *Collector) WithSpend(s Spender) *Collector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spender = s
	c.lastSpend = s.Total()
	return c
}

// Collect takes a snapshot and starts the next window.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc().UTC()
	counters := c.source.Stats()
	snap := &Snapshot{
		Counters:        counters,
		Running:         c.source.Running(),
		Window:          now.Sub(c.lastAt),
		WindowSucceeded: counters.Succeeded - c.last.Succeeded,
		WindowFailed:    counters.Failed - c.last.Failed,
		CollectedAt:     now,
	}
	for _, n := range c.source.Depths() {
		snap.Queued += n
	}
	if finished := snap.WindowSucceeded + snap.WindowFailed; finished > 0 {
		snap.FailRate = float64(snap.WindowFailed) / float64(finished)
	}

	if c.store != nil && snap.WindowFailed > 0 {
		failed, err := c.store.ListArchived(ctx, store.ArchiveFilter{State: model.StateFailed, Limit: recentFailureLimit})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list failed items")
		}
		for _, it := range failed {
			if it.UpdatedAt.Before(c.lastAt) {
				break
			}
			snap.RecentFailures = append(snap.RecentFailures, it.Document.ID)
		}
	}

	if c.breakers != nil {
		for id, st := range c.breakers.States() {
			if st == resilience.CircuitOpen {
				snap.OpenCircuits = append(snap.OpenCircuits, id)
			}
		}
		sort.Strings(snap.OpenCircuits)
	}

	if c.spender != nil {
		total := c.spender.Total()
		snap.WindowSpendUSD = total - c.lastSpend
		c.lastSpend = total
	}

	c.last = counters
	c.lastAt = now
	return snap, nil
}
