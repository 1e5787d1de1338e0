package extract

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/model"
)

// LogReporter writes every event to the global zap logger.
type LogReporter struct{}

// Report implements Reporter.
func (LogReporter) Report(ev model.Event) {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.String("item_id", ev.Item.ID),
		zap.String("document_id", ev.Item.Document.ID),
		zap.String("priority", string(ev.Item.Priority)),
		zap.String("state", string(ev.Item.State)),
		zap.Int("attempts", ev.Item.Attempts),
	}
	if ev.Error != "" {
		fields = append(fields, zap.String("error", ev.Error))
	}
	if ev.Record != nil {
		fields = append(fields,
			zap.Int("fields", len(ev.Record.Fields)),
			zap.Int("verified", ev.Record.CountVerified()),
		)
	}
	switch ev.Type {
	case model.EventFailed:
		zap.L().Warn("item event", fields...)
	case model.EventSucceeded, model.EventRecovered, model.EventInterrupted:
		zap.L().Info("item event", fields...)
	default:
		zap.L().Debug("item event", fields...)
	}
}

// Tracker keeps the most recent event for every item it has seen.
type Tracker struct {
	mu     sync.RWMutex
	latest map[string]model.Event
	counts map[model.EventType]int
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		latest: make(map[string]model.Event),
		counts: make(map[model.EventType]int),
	}
}

// Report implements Reporter.
func (t *Tracker) Report(ev model.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[ev.Type]++
	if prev, ok := t.latest[ev.Item.ID]; ok && prev.Terminal() && !ev.Terminal() {
		return
	}
	t.latest[ev.Item.ID] = ev
}

// Get returns the latest event for an item.
func (t *Tracker) Get(itemID string) (model.Event, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ev, ok := t.latest[itemID]
	return ev, ok
}

// Count returns how many events of the given type were reported.
func (t *Tracker) Count(typ model.EventType) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[typ]
}

// Multi fans one event out to several reporters in order.
type Multi []Reporter

// Report implements Reporter.
func (m Multi) Report(ev model.Event) {
	for _, r := range m {
		r.Report(ev)
	}
}
