// Package router decides which extraction streams process a document and at
// what priority. Routing is a pure function of the classification signal
// and configuration.
package router

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docflow/internal/model"
)

// Wildcard in StreamDef.DocTypes matches every document type.
const Wildcard = "*"

// Route reasons.
const (
	ReasonSingle       = "single"
	ReasonFanout       = "fanout"
	ReasonUnclassified = "unclassified"
	ReasonDegraded     = "classification_failed"
)

// StreamDef is the routing view of a configured extraction stream.
// Provider, cost and endpoint live on the stream itself.
type StreamDef struct {
	ID string `yaml:"id" mapstructure:"id"`
	// Priority orders streams when fan-out is capped.
	Priority int      `yaml:"priority" mapstructure:"priority"`
	DocTypes []string `yaml:"doc_types" mapstructure:"doc_types"`
}

func (d StreamDef) handles(docType string) bool {
	for _, t := range d.DocTypes {
		t = normalizeType(t)
		if t == Wildcard || t == docType {
			return true
		}
	}
	return false
}

// Config is the routing configuration.
type Config struct {
	Streams []StreamDef `yaml:"streams" mapstructure:"streams"`
	// DefaultStreams handle unknown documents and top up thin fan-outs.
	DefaultStreams []string `yaml:"default_streams" mapstructure:"default_streams"`
	// HighConfidence is the classification confidence at or above which a
	// single matching stream is used.
	HighConfidence float64 `yaml:"high_confidence" mapstructure:"high_confidence"`
	// MaxFanout caps the number of streams for low-confidence documents.
	MaxFanout int `yaml:"max_fanout" mapstructure:"max_fanout"`
	// TypePriorities assigns a queue tier per document type. Types not
	// listed get medium.
	TypePriorities map[string]model.Priority `yaml:"type_priorities" mapstructure:"type_priorities"`
}

// Route is the routing decision for one document.
type Route struct {
	Priority model.Priority `json:"priority"`
	Streams  []string       `json:"streams"`
	Degraded bool           `json:"degraded,omitempty"`
	Reason   string         `json:"reason"`
}

// Router routes classified documents to streams.
type Router struct {
	cfg      Config
	streams  map[string]StreamDef
	ordered  []StreamDef
	defaults []string
	types    map[string]model.Priority
}

// New validates cfg and returns a Router.
func New(cfg Config) (*Router, error) {
	if cfg.HighConfidence <= 0 {
		cfg.HighConfidence = 0.85
	}
	if cfg.MaxFanout <= 0 {
		cfg.MaxFanout = 3
	}

	r := &Router{
		cfg:     cfg,
		streams: make(map[string]StreamDef, len(cfg.Streams)),
		types:   make(map[string]model.Priority, len(cfg.TypePriorities)),
	}
	for _, s := range cfg.Streams {
		if s.ID == "" {
			return nil, eris.New("router: stream with empty id")
		}
		if _, dup := r.streams[s.ID]; dup {
			return nil, eris.Errorf("router: duplicate stream %q", s.ID)
		}
		r.streams[s.ID] = s
		r.ordered = append(r.ordered, s)
	}
	// Static priority descending, then ID, so candidate order is stable.
	sort.SliceStable(r.ordered, func(i, j int) bool {
		if r.ordered[i].Priority != r.ordered[j].Priority {
			return r.ordered[i].Priority > r.ordered[j].Priority
		}
		return r.ordered[i].ID < r.ordered[j].ID
	})

	if len(cfg.DefaultStreams) == 0 {
		return nil, eris.New("router: at least one default stream is required")
	}
	for _, id := range cfg.DefaultStreams {
		if _, ok := r.streams[id]; !ok {
			return nil, eris.Errorf("router: default stream %q is not configured", id)
		}
		if !contains(r.defaults, id) {
			r.defaults = append(r.defaults, id)
		}
	}

	for t, p := range cfg.TypePriorities {
		if !p.Valid() {
			return nil, eris.Errorf("router: type %q has invalid priority %q", t, p)
		}
		r.types[normalizeType(t)] = p
	}
	return r, nil
}

// Stream returns the definition of a configured stream.
func (r *Router) Stream(id string) (StreamDef, bool) {
	d, ok := r.streams[id]
	return d, ok
}

// Streams returns every configured stream, highest static priority first.
func (r *Router) Streams() []StreamDef {
	return append([]StreamDef(nil), r.ordered...)
}

// Route selects the priority and streams for doc. A nil classification
// means the classifier failed; the document is routed like an unknown one
// and flagged degraded.
func (r *Router) Route(_ model.DocumentRef, c *model.Classification) Route {
	if c == nil {
		return r.fallback(true, ReasonDegraded)
	}
	if !c.Known() {
		return r.fallback(false, ReasonUnclassified)
	}

	docType := normalizeType(c.Type)
	candidates := r.candidates(docType)
	if len(candidates) == 0 {
		return r.fallback(false, ReasonUnclassified)
	}

	priority := model.PriorityMedium
	if p, ok := r.types[docType]; ok {
		priority = p
	}

	if c.Confidence >= r.cfg.HighConfidence {
		return Route{Priority: priority, Streams: candidates[:1], Reason: ReasonSingle}
	}

	streams := candidates
	if len(streams) > r.cfg.MaxFanout {
		streams = streams[:r.cfg.MaxFanout]
	}
	// Cross-verification needs at least two streams.
	for _, id := range r.defaults {
		if len(streams) >= 2 || len(streams) >= r.cfg.MaxFanout {
			break
		}
		if !contains(streams, id) {
			streams = append(streams, id)
		}
	}
	return Route{Priority: priority, Streams: streams, Reason: ReasonFanout}
}

func (r *Router) fallback(degraded bool, reason string) Route {
	return Route{
		Priority: model.PriorityLow,
		Streams:  append([]string(nil), r.defaults...),
		Degraded: degraded,
		Reason:   reason,
	}
}

func (r *Router) candidates(docType string) []string {
	var out []string
	for _, s := range r.ordered {
		if s.handles(docType) {
			out = append(out, s.ID)
		}
	}
	return out
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
