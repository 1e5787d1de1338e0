// Package queue implements the in-process priority work queue.
//
// Items live in one of three FIFO tiers (high, medium, low). Dequeue always
// serves the highest non-empty tier. Requeued items wait in a delay heap
// until their ReadyAt passes and then join the tail of their tier. Once an
// item is dequeued it is no longer in the queue, so no two workers can ever
// hold the same item.
package queue

import (
	"container/heap"
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docflow/internal/model"
)

var (
	// ErrClosed is returned by Dequeue once the queue is closed.
	ErrClosed = eris.New("queue: closed")
	// ErrDuplicate is returned when an item with the same ID is already queued.
	ErrDuplicate = eris.New("queue: duplicate item")
)

// Queue is a concurrency-safe priority queue of work items.
type Queue struct {
	mu      sync.Mutex
	tiers   [3]*list.List
	delayed delayHeap
	ids     map[string]bool
	seq     uint64
	closed  bool
	// inflight counts items handed out by Dequeue and not yet released
	// with Done.
	inflight int

	// changed is closed and replaced whenever the queue gains an item or
	// closes, waking every blocked Dequeue.
	changed chan struct{}

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New returns an empty queue.
func New() *Queue {
	q := &Queue{
		ids:     make(map[string]bool),
		changed: make(chan struct{}),
		nowFunc: time.Now,
	}
	for i := range q.tiers {
		q.tiers[i] = list.New()
	}
	return q
}

// Enqueue appends item to the tail of its priority tier. An item with a
// ReadyAt in the future is held back until then.
func (q *Queue) Enqueue(item model.WorkItem) error {
	if item.ID == "" {
		return eris.New("queue: item has no id")
	}
	if !item.Priority.Valid() {
		return eris.Errorf("queue: item %s has invalid priority %q", item.ID, item.Priority)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.ids[item.ID] {
		return eris.Wrapf(ErrDuplicate, "id %s", item.ID)
	}
	q.ids[item.ID] = true
	q.insertLocked(item)
	return nil
}

// Requeue puts a previously dequeued item back. It becomes visible after
// delay and then joins the tail of its tier.
func (q *Queue) Requeue(item model.WorkItem, delay time.Duration) error {
	if delay > 0 {
		item.ReadyAt = q.nowFunc().Add(delay)
	} else {
		item.ReadyAt = time.Time{}
	}
	return q.Enqueue(item)
}

// insertLocked places item in its tier or in the delay heap. Caller holds mu.
func (q *Queue) insertLocked(item model.WorkItem) {
	if !item.ReadyAt.IsZero() && item.ReadyAt.After(q.nowFunc()) {
		q.seq++
		heap.Push(&q.delayed, delayedItem{item: item, seq: q.seq})
	} else {
		q.appendLocked(item)
	}
	q.broadcastLocked()
}

// appendLocked stamps a fresh sequence number and appends to the tier tail.
func (q *Queue) appendLocked(item model.WorkItem) {
	q.seq++
	item.Seq = q.seq
	item.ReadyAt = time.Time{}
	q.tiers[item.Priority.Rank()].PushBack(item)
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// promoteLocked moves every delayed item whose time has come to its tier.
func (q *Queue) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].item.ReadyAt.After(now) {
		d := heap.Pop(&q.delayed).(delayedItem)
		q.appendLocked(d.item)
	}
}

// popLocked removes the head of the highest non-empty tier.
func (q *Queue) popLocked() (model.WorkItem, bool) {
	q.promoteLocked(q.nowFunc())
	for _, tier := range q.tiers {
		if front := tier.Front(); front != nil {
			tier.Remove(front)
			item := front.Value.(model.WorkItem)
			delete(q.ids, item.ID)
			q.inflight++
			return item, true
		}
	}
	return model.WorkItem{}, false
}

// TryDequeue returns the next ready item without blocking.
func (q *Queue) TryDequeue() (model.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Dequeue blocks until an item is ready, the queue is closed, or ctx is
// done. A cancelled ctx wins over ready items. After Close it keeps
// returning ready items and then ErrClosed; delayed items are left in place
// for the checkpoint.
func (q *Queue) Dequeue(ctx context.Context) (model.WorkItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return model.WorkItem{}, err
		}
		q.mu.Lock()
		if item, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return model.WorkItem{}, ErrClosed
		}
		changed := q.changed
		var wait <-chan time.Time
		var timer *time.Timer
		if q.delayed.Len() > 0 {
			timer = time.NewTimer(q.delayed[0].item.ReadyAt.Sub(q.nowFunc()))
			wait = timer.C
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return model.WorkItem{}, ctx.Err()
		case <-changed:
		case <-wait:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Done releases an item obtained from Dequeue or TryDequeue. Callers that
// requeue an item must do so before calling Done.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight > 0 {
		q.inflight--
	}
	q.broadcastLocked()
}

// Idle reports whether nothing is queued, delayed, or in flight.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idleLocked()
}

func (q *Queue) idleLocked() bool {
	if q.inflight > 0 || q.delayed.Len() > 0 {
		return false
	}
	for _, tier := range q.tiers {
		if tier.Len() > 0 {
			return false
		}
	}
	return true
}

// WaitIdle blocks until the queue is idle or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.idleLocked() {
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Close stops the queue from accepting items and wakes blocked callers.
// Items already queued remain available to Snapshot.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Len returns the number of queued items, ready or delayed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.delayed.Len()
	for _, tier := range q.tiers {
		n += tier.Len()
	}
	return n
}

// Depths reports queued items per tier, delayed items included.
func (q *Queue) Depths() map[model.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[model.Priority]int, len(model.Priorities))
	for i, p := range model.Priorities {
		out[p] = q.tiers[i].Len()
	}
	for _, d := range q.delayed {
		out[d.item.Priority]++
	}
	return out
}

// Snapshot copies every queued item: ready items in dequeue order, then
// delayed items by ReadyAt.
func (q *Queue) Snapshot() []model.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.WorkItem, 0, q.delayed.Len())
	for _, tier := range q.tiers {
		for e := tier.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(model.WorkItem).Clone())
		}
	}
	delayed := make([]delayedItem, len(q.delayed))
	copy(delayed, q.delayed)
	sort.Slice(delayed, func(i, j int) bool { return delayed[i].less(delayed[j]) })
	for _, d := range delayed {
		out = append(out, d.item.Clone())
	}
	return out
}

// Restore loads checkpointed items. Waiting items are re-appended in their
// original per-tier order (by Seq) so FIFO order survives a restart. A
// requeued item joined its tier's tail when its delay ran out, so it goes
// after them, ordered by ReadyAt; its Seq predates the requeue.
func (q *Queue) Restore(items []model.WorkItem) error {
	sorted := make([]model.WorkItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		aDelayed, bDelayed := !a.ReadyAt.IsZero(), !b.ReadyAt.IsZero()
		if aDelayed != bDelayed {
			return bDelayed
		}
		if aDelayed && !a.ReadyAt.Equal(b.ReadyAt) {
			return a.ReadyAt.Before(b.ReadyAt)
		}
		return a.Seq < b.Seq
	})
	for _, it := range sorted {
		if err := q.Enqueue(it); err != nil {
			return eris.Wrapf(err, "queue: restore %s", it.ID)
		}
	}
	return nil
}

type delayedItem struct {
	item model.WorkItem
	seq  uint64
}

func (d delayedItem) less(o delayedItem) bool {
	if !d.item.ReadyAt.Equal(o.item.ReadyAt) {
		return d.item.ReadyAt.Before(o.item.ReadyAt)
	}
	return d.seq < o.seq
}

// delayHeap is a min-heap of delayed items ordered by ReadyAt.
type delayHeap []delayedItem

func (h delayHeap) Len() int           { return len(h) }
func (h delayHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h delayHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(delayedItem)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
