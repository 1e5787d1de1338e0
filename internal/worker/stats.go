package worker

import (
	"sync/atomic"

	"github.com/sells-group/docflow/internal/model"
)

// Stats holds the aggregate processing counters. All fields are updated
// atomically so any goroutine may read them at any time.
type Stats struct {
	submitted atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	running   atomic.Int64
}

// NewStats returns zeroed counters.
func NewStats() *Stats { return &Stats{} }

// Submitted records a newly enqueued item.
func (s *Stats) Submitted() { s.submitted.Add(1) }

func (s *Stats) started()  { s.running.Add(1) }
func (s *Stats) finished() { s.running.Add(-1) }
func (s *Stats) retry()    { s.retried.Add(1) }

func (s *Stats) success() {
	s.processed.Add(1)
	s.succeeded.Add(1)
}

func (s *Stats) failure() {
	s.processed.Add(1)
	s.failed.Add(1)
}

// Running returns the number of items currently being processed.
func (s *Stats) Running() int64 { return s.running.Load() }

// Counters returns a point-in-time copy of the counters.
func (s *Stats) Counters() model.Counters {
	return model.Counters{
		Submitted: s.submitted.Load(),
		Processed: s.processed.Load(),
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
		Retried:   s.retried.Load(),
	}
}

// Restore seeds the counters from a checkpoint.
func (s *Stats) Restore(c model.Counters) {
	s.submitted.Store(c.Submitted)
	s.processed.Store(c.Processed)
	s.succeeded.Store(c.Succeeded)
	s.failed.Store(c.Failed)
	s.retried.Store(c.Retried)
}
