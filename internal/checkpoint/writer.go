package checkpoint

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/model"
)

// WriterOptions controls when the Writer takes snapshots.
type WriterOptions struct {
	// EveryN snapshots after this many terminal transitions. Zero disables
	// count-based snapshots.
	EveryN int
	// Interval snapshots on a timer. Zero disables timed snapshots.
	Interval time.Duration
	// Counters supplies aggregate statistics for each snapshot.
	Counters func() model.Counters
	// Buckets supplies diagnostic rate-limiter state for each snapshot.
	Buckets func(now time.Time) []model.BucketState
}

// doneGeneration caps one generation of remembered terminal item IDs.
const doneGeneration = 4096

// Writer is the only goroutine that writes checkpoints. It follows the
// event stream, keeping the latest copy of every non-terminal item.
type Writer struct {
	store  Store
	events <-chan model.Event
	opts   WriterOptions

	items map[string]model.WorkItem
	// done and prevDone remember recently terminal items so a late event
	// cannot resurrect them. They rotate on every save and whenever done
	// reaches doneGeneration, so memory stays bounded in long runs.
	done     map[string]bool
	prevDone map[string]bool
	pending  int
	dirty    bool
	saves    atomic.Int64

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewWriter returns a Writer consuming events.
func NewWriter(store Store, events <-chan model.Event, opts WriterOptions) *Writer {
	return &Writer{
		store:    store,
		events:   events,
		opts:     opts,
		items:    make(map[string]model.WorkItem),
		done:     make(map[string]bool),
		prevDone: make(map[string]bool),
		nowFunc:  time.Now,
	}
}

// Saves returns how many snapshots have been written successfully.
func (w *Writer) Saves() int64 { return w.saves.Load() }

// Run consumes events until the channel is closed, then writes a final
// snapshot. ctx is used for store writes only; shutdown is signalled by
// closing the channel so no event is lost.
func (w *Writer) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if w.opts.Interval > 0 {
		ticker := time.NewTicker(w.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case ev, ok := <-w.events:
			if !ok {
				return w.save(ctx, "shutdown")
			}
			if w.apply(ev) && w.opts.EveryN > 0 && w.pending >= w.opts.EveryN {
				w.save(ctx, "count") //nolint:errcheck
			}
		case <-tick:
			if w.dirty {
				w.save(ctx, "interval") //nolint:errcheck
			}
		}
	}
}

// apply folds ev into the tracked state and reports whether it was a
// terminal transition.
func (w *Writer) apply(ev model.Event) bool {
	id := ev.Item.ID
	if id == "" || w.done[id] || w.prevDone[id] {
		return false
	}
	w.dirty = true
	if ev.Terminal() {
		delete(w.items, id)
		w.done[id] = true
		if len(w.done) >= doneGeneration {
			w.rotateDone()
		}
		w.pending++
		return true
	}
	if prev, ok := w.items[id]; ok && !newer(ev, prev) {
		return false
	}
	w.items[id] = ev.Item.Clone()
	return false
}

func (w *Writer) rotateDone() {
	w.prevDone = w.done
	w.done = make(map[string]bool)
}

// phase orders the non-terminal transitions of one attempt.
func phase(s model.ItemState) int {
	switch s {
	case model.StateRunning:
		return 1
	case model.StateRetrying:
		return 2
	default:
		return 0
	}
}

// newer reports whether ev describes a later point in the item's life than
// prev. Events from different workers can arrive out of order; attempt
// count and phase never go backwards.
func newer(ev model.Event, prev model.WorkItem) bool {
	cur := ev.Item
	if cur.Attempts != prev.Attempts {
		return cur.Attempts > prev.Attempts
	}
	if ev.Type == model.EventInterrupted {
		return true
	}
	return phase(cur.State) >= phase(prev.State)
}

// Snapshot builds a checkpoint from the tracked state.
func (w *Writer) Snapshot() *model.Checkpoint {
	now := w.nowFunc()
	cp := model.NewCheckpoint(now)
	cp.Items = make([]model.WorkItem, 0, len(w.items))
	for _, it := range w.items {
		cp.Items = append(cp.Items, it)
	}
	sort.Slice(cp.Items, func(i, j int) bool {
		a, b := cp.Items[i], cp.Items[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
	if w.opts.Counters != nil {
		cp.Counters = w.opts.Counters()
	}
	if w.opts.Buckets != nil {
		cp.Buckets = w.opts.Buckets(now)
	}
	return cp
}

func (w *Writer) save(ctx context.Context, reason string) error {
	cp := w.Snapshot()
	if err := w.store.Save(ctx, cp); err != nil {
		zap.L().Error("checkpoint: save failed",
			zap.String("reason", reason),
			zap.Error(err),
		)
		return err
	}
	w.pending = 0
	w.dirty = false
	w.rotateDone()
	w.saves.Add(1)
	zap.L().Debug("checkpoint: saved",
		zap.String("reason", reason),
		zap.Int("items", len(cp.Items)),
	)
	return nil
}
