// Package extract defines the collaborators the processing core calls out
// to: extraction streams, the document classifier and the reporting sink.
package extract

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docflow/internal/model"
)

// Stream is one independent extraction method. Failures should be wrapped
// in resilience.TransientError when retrying can help and in
// resilience.PermanentError when it cannot.
type Stream interface {
	ID() string
	// Provider names the rate-limited upstream the stream calls.
	Provider() string
	Extract(ctx context.Context, doc model.DocumentRef) ([]model.StreamResult, error)
}

// Coster is implemented by streams whose calls consume more than one
// rate-limit token.
type Coster interface {
	Cost() int
}

// CostOf returns the rate-limit cost of one call to s.
func CostOf(s Stream) int {
	if c, ok := s.(Coster); ok && c.Cost() > 0 {
		return c.Cost()
	}
	return 1
}

// UsageRecorder accumulates what stream calls consumed.
type UsageRecorder interface {
	Record(stream string, pages, tokens int) float64
}

// Classifier labels a document before routing. It is called once per
// document.
type Classifier interface {
	Classify(ctx context.Context, doc model.DocumentRef) (*model.Classification, error)
}

// Reporter observes state-change events. Report must not block.
type Reporter interface {
	Report(ev model.Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ev model.Event)

// Report implements Reporter.
func (f ReporterFunc) Report(ev model.Event) { f(ev) }

// Registry indexes streams by ID.
type Registry struct {
	streams map[string]Stream
}

// NewRegistry builds a registry, rejecting duplicate or empty IDs.
func NewRegistry(streams ...Stream) (*Registry, error) {
	r := &Registry{streams: make(map[string]Stream, len(streams))}
	for _, s := range streams {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds s.
func (r *Registry) Register(s Stream) error {
	id := s.ID()
	if id == "" {
		return eris.New("extract: stream with empty id")
	}
	if _, dup := r.streams[id]; dup {
		return eris.Errorf("extract: duplicate stream %q", id)
	}
	r.streams[id] = s
	return nil
}

// Get returns the stream with the given ID.
func (r *Registry) Get(id string) (Stream, bool) {
	s, ok := r.streams[id]
	return s, ok
}

// IDs returns the registered stream IDs in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
