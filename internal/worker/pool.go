// Package worker runs the fixed-size pool that drains the work queue.
package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/docflow/internal/consolidate"
	"github.com/sells-group/docflow/internal/extract"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/queue"
	"github.com/sells-group/docflow/internal/ratelimit"
	"github.com/sells-group/docflow/internal/resilience"
)

// RecordSink persists consolidated records and returns the stored version.
type RecordSink interface {
	SaveRecord(ctx context.Context, rec *model.ConsolidatedRecord) (int, error)
}

// Emitter receives every state change. Emit may block briefly; it must not
// drop events meant for the checkpoint writer.
type Emitter interface {
	Emit(ev model.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ev model.Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(ev model.Event) { f(ev) }

// Config sizes the pool.
type Config struct {
	Workers int
	// CallTimeout bounds a single stream call.
	CallTimeout time.Duration
	// ShutdownGrace is how long in-flight calls may continue after the run
	// context is cancelled.
	ShutdownGrace time.Duration
	Retry         resilience.RetryPolicy
}

// DefaultConfig returns a four-worker pool with the default retry policy.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		CallTimeout:   2 * time.Minute,
		ShutdownGrace: 30 * time.Second,
		Retry:         resilience.DefaultRetryPolicy(),
	}
}

// Deps are the collaborators a Pool drives.
type Deps struct {
	Queue        *queue.Queue
	Streams      *extract.Registry
	Limiter      *ratelimit.Limiter
	Breakers     *resilience.Breakers
	Consolidator *consolidate.Consolidator
	Sink         RecordSink
	Emitter      Emitter
	Stats        *Stats
}

// Pool is a fixed set of workers sharing one queue.
type Pool struct {
	cfg  Config
	deps Deps

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New returns a pool. Missing optional deps get working defaults.
func New(cfg Config, deps Deps) (*Pool, error) {
	if deps.Queue == nil || deps.Streams == nil {
		return nil, eris.New("worker: queue and streams are required")
	}
	d := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = d.CallTimeout
	}
	if cfg.ShutdownGrace < 0 {
		cfg.ShutdownGrace = 0
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(nil, ratelimit.DefaultBucketConfig())
	}
	if deps.Breakers == nil {
		deps.Breakers = resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	if deps.Consolidator == nil {
		deps.Consolidator = consolidate.New(consolidate.DefaultConfig())
	}
	if deps.Emitter == nil {
		deps.Emitter = EmitterFunc(func(model.Event) {})
	}
	if deps.Stats == nil {
		deps.Stats = NewStats()
	}
	return &Pool{cfg: cfg, deps: deps, nowFunc: time.Now}, nil
}

// Stats returns the pool's counters.
func (p *Pool) Stats() *Stats { return p.deps.Stats }

// Run starts the workers and blocks until they have all stopped. Workers
// stop dequeuing when ctx is cancelled or the queue is closed; calls
// already in flight get ShutdownGrace to finish before they are cancelled
// and their items are returned to Pending.
func (p *Pool) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	finished := make(chan struct{})
	go func() {
		select {
		case <-finished:
			return
		case <-ctx.Done():
		}
		zap.L().Info("worker: shutdown requested, waiting for in-flight items",
			zap.Duration("grace", p.cfg.ShutdownGrace),
			zap.Int64("running", p.deps.Stats.Running()),
		)
		timer := time.NewTimer(p.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-finished:
		case <-timer.C:
			zap.L().Warn("worker: grace period elapsed, interrupting in-flight items")
			cancelWork()
		}
	}()

	var g errgroup.Group
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			p.loop(ctx, workCtx, id)
			return nil
		})
	}
	err := g.Wait()
	close(finished)
	return err
}

func (p *Pool) loop(ctx, workCtx context.Context, id int) {
	log := zap.L().With(zap.Int("worker", id))
	for ctx.Err() == nil {
		item, err := p.deps.Queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && ctx.Err() == nil {
				log.Error("worker: dequeue failed", zap.Error(err))
			}
			return
		}
		p.process(workCtx, item)
		p.deps.Queue.Done()
	}
}

// outcome is the result of one stream call.
type outcome struct {
	stream  string
	results []model.StreamResult
	err     error
}

// process runs one attempt of item. ctx is the work context, cancelled only
// when the shutdown grace period runs out.
func (p *Pool) process(ctx context.Context, item model.WorkItem) {
	log := zap.L().With(
		zap.String("item_id", item.ID),
		zap.String("document_id", item.Document.ID),
	)

	tickets, wait, admitted := p.admit(item.PendingStreams())
	if !admitted {
		p.postpone(log, item, wait)
		return
	}

	if err := item.Transition(model.StateRunning, p.nowFunc()); err != nil {
		for _, t := range tickets {
			t.Cancel()
		}
		log.Error("worker: cannot start item", zap.Error(err))
		return
	}
	p.deps.Stats.started()
	defer p.deps.Stats.finished()
	p.emit(model.EventStarted, item, nil, "")

	outcomes := p.callStreams(ctx, item, tickets)

	if ctx.Err() != nil && anyFailed(outcomes) {
		p.interrupt(log, item, outcomes)
		return
	}

	var transient, lastErrs []string
	for _, o := range outcomes {
		switch {
		case o.err == nil:
			item.Results = append(item.Results, o.results...)
			item.DoneStreams = append(item.DoneStreams, o.stream)
		case p.cfg.Retry.Retryable(o.err):
			transient = append(transient, o.stream)
			lastErrs = append(lastErrs, o.stream+": "+o.err.Error())
		default:
			item.FailedStreams = append(item.FailedStreams, o.stream)
			lastErrs = append(lastErrs, o.stream+": "+o.err.Error())
		}
	}
	if len(lastErrs) > 0 {
		item.LastError = strings.Join(lastErrs, "; ")
		item.ErrorKind = model.ErrorKindPermanent
		if len(transient) > 0 {
			item.ErrorKind = model.ErrorKindTransient
		}
	}

	if len(transient) > 0 {
		if !p.cfg.Retry.Exhausted(item.Attempts) {
			p.retry(log, item)
			return
		}
		log.Warn("worker: retries exhausted", zap.Strings("streams", transient), zap.Int("attempts", item.Attempts))
		item.FailedStreams = append(item.FailedStreams, transient...)
	}

	if len(item.FailedStreams) > 0 && len(item.Results) == 0 {
		p.fail(log, item)
		return
	}
	p.succeed(ctx, log, item)
}

// admit reserves a circuit slot for every registered stream. When any
// circuit rejects, nothing is kept and wait is the longest time one of the
// rejecting circuits stays open.
func (p *Pool) admit(streams []string) (map[string]*resilience.Ticket, time.Duration, bool) {
	tickets := make(map[string]*resilience.Ticket, len(streams))
	var wait time.Duration
	rejected := false
	for _, id := range streams {
		if _, ok := p.deps.Streams.Get(id); !ok {
			continue
		}
		cb := p.deps.Breakers.Get(id)
		t, err := cb.Admit()
		if err != nil {
			rejected = true
			if d := cb.RetryAfter(); d > wait {
				wait = d
			}
			continue
		}
		tickets[id] = t
	}
	if !rejected {
		return tickets, 0, true
	}
	for _, t := range tickets {
		t.Cancel()
	}
	return nil, wait, false
}

// postpone puts an item whose streams are behind an open circuit back in
// the queue. It is not an attempt: the item keeps its state and count.
func (p *Pool) postpone(log *zap.Logger, item model.WorkItem, wait time.Duration) {
	if floor := p.cfg.Retry.Backoff(1); wait < floor {
		wait = floor
	}
	log.Info("worker: circuit open, postponing item",
		zap.Duration("delay", wait),
		zap.Int("attempts", item.Attempts),
	)
	if err := p.deps.Queue.Requeue(item, wait); err != nil && !errors.Is(err, queue.ErrClosed) {
		log.Error("worker: requeue postponed item", zap.Error(err))
	}
}

// callStreams invokes every pending stream of item concurrently.
func (p *Pool) callStreams(ctx context.Context, item model.WorkItem, tickets map[string]*resilience.Ticket) []outcome {
	pending := item.PendingStreams()
	outcomes := make([]outcome, len(pending))

	var g errgroup.Group
	for i, id := range pending {
		g.Go(func() error {
			outcomes[i] = p.callStream(ctx, item.Document, id, tickets[id])
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	return outcomes
}

// callStream makes one admitted call. Tokens are only taken once the
// circuit has let the call through.
func (p *Pool) callStream(ctx context.Context, doc model.DocumentRef, id string, ticket *resilience.Ticket) outcome {
	o := outcome{stream: id}
	s, ok := p.deps.Streams.Get(id)
	if !ok || ticket == nil {
		o.err = resilience.NewPermanentError(eris.Errorf("stream %q is not registered", id), "unknown stream")
		return o
	}

	provider := s.Provider()
	if err := p.deps.Limiter.Acquire(ctx, provider, extract.CostOf(s)); err != nil {
		ticket.Cancel()
		o.err = err
		if errors.Is(err, ratelimit.ErrCostExceedsCapacity) {
			o.err = resilience.NewPermanentError(err, "misconfigured cost")
		}
		return o
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	results, err := s.Extract(callCtx, doc)
	ticket.Done(err)
	if err != nil {
		if resilience.IsThrottle(err) {
			p.deps.Limiter.Throttled(provider)
		}
		o.err = eris.Wrapf(err, "stream %s", id)
		return o
	}
	p.deps.Limiter.Succeeded(provider)

	at := p.nowFunc()
	for i := range results {
		if results[i].StreamID == "" {
			results[i].StreamID = id
		}
		if results[i].DocumentID == "" {
			results[i].DocumentID = doc.ID
		}
		if results[i].Timestamp.IsZero() {
			results[i].Timestamp = at
		}
	}
	o.results = results
	return o
}

func anyFailed(outcomes []outcome) bool {
	for _, o := range outcomes {
		if o.err != nil {
			return true
		}
	}
	return false
}

// interrupt returns an item cut off by shutdown to Pending, keeping the
// results that did arrive.
func (p *Pool) interrupt(log *zap.Logger, item model.WorkItem, outcomes []outcome) {
	for _, o := range outcomes {
		if o.err == nil {
			item.Results = append(item.Results, o.results...)
			item.DoneStreams = append(item.DoneStreams, o.stream)
		}
	}
	if err := item.Transition(model.StatePending, p.nowFunc()); err != nil {
		log.Error("worker: interrupt", zap.Error(err))
		return
	}
	item.LastError = "interrupted by shutdown"
	log.Warn("worker: item interrupted, returned to pending", zap.Int("attempts", item.Attempts))
	p.emit(model.EventInterrupted, item, nil, item.LastError)
	if err := p.deps.Queue.Requeue(item, 0); err != nil && !errors.Is(err, queue.ErrClosed) {
		log.Error("worker: requeue interrupted item", zap.Error(err))
	}
}

func (p *Pool) retry(log *zap.Logger, item model.WorkItem) {
	now := p.nowFunc()
	if err := item.Transition(model.StateRetrying, now); err != nil {
		log.Error("worker: retry transition", zap.Error(err))
		return
	}
	delay := p.cfg.Retry.Backoff(item.Attempts)
	item.ReadyAt = now.Add(delay)
	p.deps.Stats.retry()
	log.Info("worker: scheduling retry",
		zap.Int("attempt", item.Attempts),
		zap.Duration("backoff", delay),
		zap.String("error", item.LastError),
	)
	// Emitted before the requeue: the next attempt's "started" must follow it.
	p.emit(model.EventRetried, item, nil, item.LastError)
	if err := p.deps.Queue.Requeue(item, delay); err != nil {
		log.Error("worker: requeue failed", zap.Error(err))
	}
}

func (p *Pool) fail(log *zap.Logger, item model.WorkItem) {
	if err := item.Transition(model.StateFailed, p.nowFunc()); err != nil {
		log.Error("worker: fail transition", zap.Error(err))
		return
	}
	p.deps.Stats.failure()
	log.Warn("worker: item failed",
		zap.Int("attempts", item.Attempts),
		zap.String("error_kind", string(item.ErrorKind)),
		zap.String("error", item.LastError),
	)
	p.emit(model.EventFailed, item, nil, item.LastError)
}

func (p *Pool) succeed(ctx context.Context, log *zap.Logger, item model.WorkItem) {
	now := p.nowFunc()
	rec := p.deps.Consolidator.Consolidate(item.Document.ID, item.Results).WithMetadata(model.RecordMetadata{
		Attempts:      item.Attempts,
		ElapsedMs:     now.Sub(item.StartedAt).Milliseconds(),
		FailedStreams: append([]string(nil), item.FailedStreams...),
		Degraded:      item.Degraded,
		ItemID:        item.ID,
	})

	if p.deps.Sink != nil {
		version, err := p.deps.Sink.SaveRecord(ctx, rec)
		if err != nil {
			p.sinkFailed(ctx, log, item, err)
			return
		}
		rec = rec.WithVersion(version)
	}

	if err := item.Transition(model.StateSucceeded, now); err != nil {
		log.Error("worker: succeed transition", zap.Error(err))
		return
	}
	p.deps.Stats.success()
	log.Info("worker: item succeeded",
		zap.Int("attempts", item.Attempts),
		zap.Int("fields", len(rec.Fields)),
		zap.Int("verified", rec.CountVerified()),
		zap.Strings("failed_streams", item.FailedStreams),
	)
	p.emit(model.EventSucceeded, item, rec, "")
}

// sinkFailed handles a record that could not be saved. The collected
// results stay on the item so the next attempt only re-saves.
func (p *Pool) sinkFailed(ctx context.Context, log *zap.Logger, item model.WorkItem, err error) {
	if ctx.Err() != nil {
		p.interrupt(log, item, nil)
		return
	}
	item.LastError = "save record: " + err.Error()
	item.ErrorKind = model.ErrorKindSink
	if !p.cfg.Retry.Exhausted(item.Attempts) {
		p.retry(log, item)
		return
	}
	p.fail(log, item)
}

func (p *Pool) emit(typ model.EventType, item model.WorkItem, rec *model.ConsolidatedRecord, errMsg string) {
	p.deps.Emitter.Emit(model.Event{
		Type:   typ,
		Item:   item.Clone(),
		Record: rec,
		Error:  errMsg,
		At:     p.nowFunc(),
	})
}
