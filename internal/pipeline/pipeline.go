// Package pipeline wires the processing core together: documents are
// classified once, routed to streams, queued by priority, processed by the
// worker pool, consolidated into records and checkpointed throughout.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/docflow/internal/checkpoint"
	"github.com/sells-group/docflow/internal/consolidate"
	"github.com/sells-group/docflow/internal/extract"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/queue"
	"github.com/sells-group/docflow/internal/ratelimit"
	"github.com/sells-group/docflow/internal/resilience"
	"github.com/sells-group/docflow/internal/router"
	"github.com/sells-group/docflow/internal/store"
	"github.com/sells-group/docflow/internal/worker"
)

// ErrStopped is returned by Submit once the pipeline has shut down.
var ErrStopped = eris.New("pipeline: stopped")

// Deps are the collaborators a Pipeline drives. Router and Streams are
// required.
type Deps struct {
	Router       *router.Router
	Streams      *extract.Registry
	Classifier   extract.Classifier
	Limiter      *ratelimit.Limiter
	Breakers     *resilience.Breakers
	Consolidator *consolidate.Consolidator
	Store        store.Store
	Checkpoints  checkpoint.Store
	Reporter     extract.Reporter
}

// Options tune the pipeline.
type Options struct {
	Worker worker.Config
	// CheckpointEveryN and CheckpointInterval control snapshot frequency.
	CheckpointEveryN   int
	CheckpointInterval time.Duration
	// EventBuffer sizes the checkpoint and reporter channels.
	EventBuffer     int
	ClassifyTimeout time.Duration
	// ClassifyRetry retries transient classifier failures before the
	// document is routed degraded.
	ClassifyRetry  resilience.RetryPolicy
	ArchiveTimeout time.Duration
	// Fresh discards unfinished work found in the checkpoint instead of
	// resuming it.
	Fresh bool
}

// DefaultOptions returns the stock settings.
func DefaultOptions() Options {
	return Options{
		Worker:             worker.DefaultConfig(),
		CheckpointEveryN:   10,
		CheckpointInterval: 30 * time.Second,
		EventBuffer:        1024,
		ClassifyTimeout:    30 * time.Second,
		ClassifyRetry: resilience.RetryPolicy{
			MaxAttempts:    2,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.25,
		},
		ArchiveTimeout: 10 * time.Second,
	}
}

// Pipeline is the submission facade over the processing core. New starts
// the checkpoint writer and reporter goroutines; Run (or Close) stops them.
type Pipeline struct {
	deps  Deps
	opts  Options
	queue *queue.Queue
	pool  *worker.Pool
	stats *worker.Stats

	writer   *checkpoint.Writer
	cpEvents chan model.Event
	reports  chan model.Event
	bg       errgroup.Group
	bgErr    error

	mu      sync.RWMutex
	stopped bool

	recoverMu sync.Mutex
	recovered bool

	// active maps a queued or running document to its item.
	activeMu sync.Mutex
	active   map[string]string

	stopOnce sync.Once
	running  atomic.Bool
	dropped  atomic.Int64

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New validates deps, builds the queue and pool, and starts the event
// consumers.
func New(deps Deps, opts Options) (*Pipeline, error) {
	if deps.Router == nil || deps.Streams == nil {
		return nil, eris.New("pipeline: router and streams are required")
	}
	for _, def := range deps.Router.Streams() {
		if _, ok := deps.Streams.Get(def.ID); !ok {
			return nil, eris.Errorf("pipeline: routed stream %q has no implementation", def.ID)
		}
	}

	d := DefaultOptions()
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = d.EventBuffer
	}
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = d.ClassifyTimeout
	}
	if opts.ClassifyRetry.MaxAttempts <= 0 {
		opts.ClassifyRetry = d.ClassifyRetry
	}
	if opts.ClassifyRetry.OnRetry == nil {
		opts.ClassifyRetry.OnRetry = resilience.RetryLogger("pipeline", "classify")
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = d.ArchiveTimeout
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(nil, ratelimit.DefaultBucketConfig())
	}

	p := &Pipeline{
		deps:     deps,
		opts:     opts,
		queue:    queue.New(),
		stats:    worker.NewStats(),
		cpEvents: make(chan model.Event, opts.EventBuffer),
		reports:  make(chan model.Event, opts.EventBuffer),
		active:   make(map[string]string),
		nowFunc:  time.Now,
	}

	var sink worker.RecordSink
	if deps.Store != nil {
		sink = deps.Store
	}
	pool, err := worker.New(opts.Worker, worker.Deps{
		Queue:        p.queue,
		Streams:      deps.Streams,
		Limiter:      deps.Limiter,
		Breakers:     deps.Breakers,
		Consolidator: deps.Consolidator,
		Sink:         sink,
		Emitter:      worker.EmitterFunc(p.dispatch),
		Stats:        p.stats,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: build pool")
	}
	p.pool = pool

	if deps.Checkpoints != nil {
		p.writer = checkpoint.NewWriter(deps.Checkpoints, p.cpEvents, checkpoint.WriterOptions{
			EveryN:   opts.CheckpointEveryN,
			Interval: opts.CheckpointInterval,
			Counters: p.stats.Counters,
			Buckets:  deps.Limiter.Buckets,
		})
		p.bg.Go(func() error {
			return p.writer.Run(context.Background())
		})
	}
	p.bg.Go(func() error {
		for ev := range p.reports {
			if deps.Reporter != nil {
				deps.Reporter.Report(ev)
			}
		}
		return nil
	})

	return p, nil
}

// Recover reloads the last checkpoint: unfinished items go back on the
// queue with their attempts intact and the counters resume where they
// stopped. It returns the number of recovered items. The checkpoint is read
// once; Submit and Run call Recover themselves, so later calls return 0.
// With Options.Fresh the unfinished items are logged and dropped.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	p.recoverMu.Lock()
	defer p.recoverMu.Unlock()
	if p.recovered || p.deps.Checkpoints == nil {
		p.recovered = true
		return 0, nil
	}
	cp, err := p.deps.Checkpoints.Load(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: load checkpoint")
	}

	items := checkpoint.Recover(cp, p.nowFunc())
	if p.opts.Fresh {
		p.recovered = true
		if len(items) > 0 {
			zap.L().Warn("pipeline: starting fresh, discarding unfinished checkpoint items",
				zap.Int("items", len(items)),
				zap.Time("checkpoint_at", cp.Timestamp),
			)
		}
		return 0, nil
	}
	if err := p.queue.Restore(items); err != nil {
		return 0, eris.Wrap(err, "pipeline: restore queue")
	}
	p.recovered = true
	p.stats.Restore(cp.Counters)

	p.activeMu.Lock()
	for _, it := range items {
		p.active[it.Document.ID] = it.ID
	}
	p.activeMu.Unlock()

	for _, it := range items {
		p.dispatch(model.Event{Type: model.EventRecovered, Item: it, At: p.nowFunc()})
	}
	zap.L().Info("pipeline: recovered checkpoint",
		zap.Int("items", len(items)),
		zap.Time("checkpoint_at", cp.Timestamp),
		zap.Int64("processed", cp.Counters.Processed),
	)
	return len(items), nil
}

// Submit classifies doc, routes it and enqueues the resulting work item.
// A non-empty override replaces the routed priority. A classifier error
// does not reject the document: it is routed to the default streams and
// flagged degraded. A document that is already queued or running is not
// submitted again; its existing item ID is returned.
func (p *Pipeline) Submit(ctx context.Context, doc model.DocumentRef, override model.Priority) (string, error) {
	if doc.ID == "" {
		return "", eris.New("pipeline: document has no id")
	}
	if override != "" && !override.Valid() {
		return "", eris.Errorf("pipeline: invalid priority override %q", override)
	}
	if p.isStopped() {
		return "", ErrStopped
	}
	if _, err := p.Recover(ctx); err != nil {
		return "", err
	}

	uid, err := uuid.NewV7()
	if err != nil {
		return "", eris.Wrap(err, "pipeline: generate item id")
	}
	id := uid.String()
	if existing, ok := p.claim(doc.ID, id); !ok {
		zap.L().Info("pipeline: document already in progress",
			zap.String("document_id", doc.ID),
			zap.String("item_id", existing),
		)
		return existing, nil
	}
	enqueued := false
	defer func() {
		if !enqueued {
			p.release(doc.ID, id)
		}
	}()

	cls, classifyErr := p.classify(ctx, doc)
	route := p.deps.Router.Route(doc, cls)

	now := p.nowFunc()
	item := model.WorkItem{
		ID:         id,
		Document:   doc,
		Priority:   route.Priority,
		Streams:    route.Streams,
		State:      model.StatePending,
		Degraded:   route.Degraded,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	if override != "" {
		item.Priority = override
	}
	if classifyErr != nil {
		item.ErrorKind = model.ErrorKindClassification
		item.LastError = classifyErr.Error()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return "", ErrStopped
	}
	if err := p.queue.Enqueue(item); err != nil {
		if eris.Is(err, queue.ErrClosed) {
			return "", ErrStopped
		}
		return "", eris.Wrap(err, "pipeline: enqueue")
	}
	enqueued = true
	p.stats.Submitted()
	p.dispatchLocked(model.Event{Type: model.EventEnqueued, Item: item.Clone(), At: now})

	zap.L().Debug("pipeline: submitted",
		zap.String("item_id", item.ID),
		zap.String("document_id", doc.ID),
		zap.String("priority", string(item.Priority)),
		zap.Strings("streams", item.Streams),
		zap.String("route", route.Reason),
	)
	return item.ID, nil
}

func (p *Pipeline) isStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

// claim marks docID as in progress under itemID. It fails with the holding
// item's ID when the document is already queued or running.
func (p *Pipeline) claim(docID, itemID string) (string, bool) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if existing, ok := p.active[docID]; ok {
		return existing, false
	}
	p.active[docID] = itemID
	return itemID, true
}

func (p *Pipeline) release(docID, itemID string) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if p.active[docID] == itemID {
		delete(p.active, docID)
	}
}

func (p *Pipeline) classify(ctx context.Context, doc model.DocumentRef) (*model.Classification, error) {
	if p.deps.Classifier == nil {
		return &model.Classification{Type: model.TypeUnknown}, nil
	}
	cls, err := resilience.DoVal(ctx, p.opts.ClassifyRetry, func(ctx context.Context) (*model.Classification, error) {
		cctx, cancel := context.WithTimeout(ctx, p.opts.ClassifyTimeout)
		defer cancel()
		return p.deps.Classifier.Classify(cctx, doc)
	})
	if err != nil {
		zap.L().Warn("pipeline: classification failed, routing to default streams",
			zap.String("document_id", doc.ID),
			zap.Error(err),
		)
		return nil, err
	}
	return cls, nil
}

// Run processes queued work until ctx is cancelled or the queue is closed,
// then waits for in-flight items (up to the shutdown grace), flushes the
// event consumers and writes the final checkpoint. A pipeline runs once.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return eris.New("pipeline: already started")
	}
	if _, err := p.Recover(ctx); err != nil {
		_ = p.Close()
		return err
	}
	zap.L().Info("pipeline: starting",
		zap.Int("queued", p.queue.Len()),
		zap.Strings("streams", p.deps.Streams.IDs()),
	)
	err := p.pool.Run(ctx)
	if cerr := p.Close(); err == nil {
		err = cerr
	}
	c := p.stats.Counters()
	fields := []zap.Field{
		zap.Int("remaining", p.queue.Len()),
		zap.Int64("succeeded", c.Succeeded),
		zap.Int64("failed", c.Failed),
		zap.Int64("retried", c.Retried),
		zap.Int64("dropped_reports", p.dropped.Load()),
	}
	if p.writer != nil {
		fields = append(fields, zap.Int64("checkpoints", p.writer.Saves()))
	}
	zap.L().Info("pipeline: stopped", fields...)
	return err
}

// RunUntilDrained runs until every submitted item has reached a terminal
// state, including pending retries, then shuts down. Cancelling ctx stops
// early with the remaining work checkpointed.
func (p *Pipeline) RunUntilDrained(ctx context.Context) error {
	// Restored work must be on the queue before idleness is judged.
	if _, err := p.Recover(ctx); err != nil {
		_ = p.Close()
		return err
	}
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	if err := p.queue.WaitIdle(ctx); err == nil {
		p.queue.Close()
	}
	return <-errc
}

// Close stops accepting submissions, closes the event channels and waits
// for the final checkpoint. It is safe to call more than once.
func (p *Pipeline) Close() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.queue.Close()
		close(p.cpEvents)
		close(p.reports)
		p.mu.Unlock()
		p.bgErr = p.bg.Wait()
	})
	return eris.Wrap(p.bgErr, "pipeline: final checkpoint")
}

// dispatch fans an event out. The checkpoint channel is reliable; the
// reporter channel drops events when full so reporting never slows the
// workers down. Terminal items are archived.
func (p *Pipeline) dispatch(ev model.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.dispatchLocked(ev)
}

func (p *Pipeline) dispatchLocked(ev model.Event) {
	if ev.Terminal() {
		p.archive(ev.Item)
		p.release(ev.Item.Document.ID, ev.Item.ID)
	}
	if p.stopped {
		zap.L().Warn("pipeline: event after shutdown", zap.String("event", string(ev.Type)), zap.String("item_id", ev.Item.ID))
		return
	}
	if p.writer != nil {
		p.cpEvents <- ev
	}
	select {
	case p.reports <- ev:
	default:
		p.dropped.Add(1)
		zap.L().Warn("pipeline: reporter backlog full, dropping event",
			zap.String("event", string(ev.Type)),
			zap.String("item_id", ev.Item.ID),
		)
	}
}

func (p *Pipeline) archive(item model.WorkItem) {
	if p.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ArchiveTimeout)
	defer cancel()
	if err := p.deps.Store.ArchiveItem(ctx, item); err != nil {
		zap.L().Error("pipeline: archive item failed", zap.String("item_id", item.ID), zap.Error(err))
	}
}

// Stats returns the live counters.
func (p *Pipeline) Stats() model.Counters { return p.stats.Counters() }

// Running returns the number of items being processed right now.
func (p *Pipeline) Running() int64 { return p.stats.Running() }

// Depths returns queued items per tier.
func (p *Pipeline) Depths() map[model.Priority]int { return p.queue.Depths() }
