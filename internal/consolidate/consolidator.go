// Package consolidate merges per-field results from independent extraction
// streams into one record per document.
//
// For each field path the candidate with the highest score (stream weight
// times confidence) wins. Ties fall to the stream with the higher static
// priority, then the earliest timestamp, then stream ID and value, so the
// outcome never depends on input order. Values from other streams that
// agree with the winner within tolerance raise its confidence and mark the
// field cross-verified; disagreeing values are kept as conflicts.
package consolidate

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/model"
)

// StreamWeight is a stream's scoring configuration.
type StreamWeight struct {
	Weight   float64 `yaml:"weight" mapstructure:"weight"`
	Priority int     `yaml:"priority" mapstructure:"priority"`
}

// Config controls scoring and cross-verification.
type Config struct {
	Streams map[string]StreamWeight `yaml:"streams" mapstructure:"streams"`
	// DefaultWeight is used for streams missing from Streams.
	DefaultWeight float64    `yaml:"default_weight" mapstructure:"default_weight"`
	Tolerances    Tolerances `yaml:"tolerances" mapstructure:"tolerances"`
	// VerifyBoost is added to the winner's confidence per agreeing stream.
	VerifyBoost float64 `yaml:"verify_boost" mapstructure:"verify_boost"`
}

// DefaultConfig returns the stock tolerances and a 0.1 boost.
func DefaultConfig() Config {
	return Config{
		DefaultWeight: 1,
		Tolerances:    DefaultTolerances(),
		VerifyBoost:   0.1,
	}
}

// Consolidator merges stream results. It is safe for concurrent use.
type Consolidator struct {
	cfg Config
}

// New returns a Consolidator. Zero-valued tolerances fall back to the
// defaults.
func New(cfg Config) *Consolidator {
	d := DefaultConfig()
	if cfg.DefaultWeight <= 0 {
		cfg.DefaultWeight = d.DefaultWeight
	}
	if cfg.Tolerances == (Tolerances{}) {
		cfg.Tolerances = d.Tolerances
	}
	if cfg.VerifyBoost < 0 {
		cfg.VerifyBoost = 0
	}
	return &Consolidator{cfg: cfg}
}

// Tolerances returns the configured match tolerances.
func (c *Consolidator) Tolerances() Tolerances { return c.cfg.Tolerances }

func (c *Consolidator) weight(stream string) StreamWeight {
	w, ok := c.cfg.Streams[stream]
	if !ok {
		return StreamWeight{Weight: c.cfg.DefaultWeight}
	}
	if w.Weight <= 0 {
		w.Weight = float64(w.Priority)
	}
	return w
}

// Consolidate builds version 0 of a document's record. The store assigns
// the persisted version.
func (c *Consolidator) Consolidate(docID string, results []model.StreamResult) *model.ConsolidatedRecord {
	clean := c.prepare(docID, results)

	rec := &model.ConsolidatedRecord{
		DocumentID: docID,
		Fields:     make(map[string]model.ConsolidatedField),
		Results:    clean,
	}

	for start := 0; start < len(clean); {
		end := start
		for end < len(clean) && clean[end].FieldPath == clean[start].FieldPath {
			end++
		}
		f := c.consolidateField(clean[start:end])
		rec.Fields[f.Path] = f
		start = end
	}
	return rec
}

// Reconsolidate merges extra results into prev and returns the next
// version. prev is not modified.
func (c *Consolidator) Reconsolidate(prev *model.ConsolidatedRecord, extra []model.StreamResult) *model.ConsolidatedRecord {
	all := make([]model.StreamResult, 0, len(prev.Results)+len(extra))
	all = append(all, prev.Results...)
	all = append(all, extra...)
	rec := c.Consolidate(prev.DocumentID, all)
	rec.Version = prev.Version + 1
	rec.Metadata = prev.Metadata
	rec.Metadata.FailedStreams = append([]string(nil), prev.Metadata.FailedStreams...)
	return rec
}

// prepare drops results for other documents or without a path, clamps
// confidence into [0,1], removes exact duplicates and sorts.
func (c *Consolidator) prepare(docID string, results []model.StreamResult) []model.StreamResult {
	out := make([]model.StreamResult, 0, len(results))
	var rejected int
	for _, r := range results {
		if r.FieldPath == "" || (r.DocumentID != "" && r.DocumentID != docID) {
			rejected++
			continue
		}
		r.DocumentID = docID
		r.Confidence = clamp(r.Confidence)
		out = append(out, r)
	}
	if rejected > 0 {
		zap.L().Warn("consolidate: rejected results",
			zap.String("document_id", docID),
			zap.Int("rejected", rejected),
		)
	}

	sort.SliceStable(out, func(i, j int) bool { return resultLess(out[i], out[j]) })

	deduped := out[:0]
	for i, r := range out {
		if i > 0 && sameResult(out[i-1], r) {
			continue
		}
		deduped = append(deduped, r)
	}
	return deduped
}

func resultLess(a, b model.StreamResult) bool {
	if a.FieldPath != b.FieldPath {
		return a.FieldPath < b.FieldPath
	}
	if a.StreamID != b.StreamID {
		return a.StreamID < b.StreamID
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if va, vb := valueString(a.Value), valueString(b.Value); va != vb {
		return va < vb
	}
	return a.Confidence < b.Confidence
}

func sameResult(a, b model.StreamResult) bool {
	return a.FieldPath == b.FieldPath &&
		a.StreamID == b.StreamID &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.Confidence == b.Confidence &&
		valueString(a.Value) == valueString(b.Value)
}

type candidate struct {
	res      model.StreamResult
	score    float64
	priority int
}

// better is the total order used to pick a winner.
func better(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.res.Timestamp.Equal(b.res.Timestamp) {
		return a.res.Timestamp.Before(b.res.Timestamp)
	}
	if a.res.StreamID != b.res.StreamID {
		return a.res.StreamID < b.res.StreamID
	}
	return valueString(a.res.Value) < valueString(b.res.Value)
}

func (c *Consolidator) consolidateField(group []model.StreamResult) model.ConsolidatedField {
	cands := make([]candidate, len(group))
	for i, r := range group {
		w := c.weight(r.StreamID)
		cands[i] = candidate{res: r, score: w.Weight * r.Confidence, priority: w.Priority}
	}
	sort.SliceStable(cands, func(i, j int) bool { return better(cands[i], cands[j]) })

	win := cands[0].res
	f := model.ConsolidatedField{
		Path:          win.FieldPath,
		Value:         win.Value,
		SourceStream:  win.StreamID,
		RawConfidence: win.Confidence,
		Confidence:    win.Confidence,
		Score:         cands[0].score,
	}

	agreeing := make(map[string]bool)
	for _, cand := range cands[1:] {
		r := cand.res
		if c.cfg.Tolerances.Match(win.Value, r.Value) {
			if r.StreamID != win.StreamID && !agreeing[r.StreamID] {
				agreeing[r.StreamID] = true
				f.AgreeingStreams = append(f.AgreeingStreams, r.StreamID)
			}
			continue
		}
		f.Conflicts = append(f.Conflicts, r)
	}

	if len(f.AgreeingStreams) > 0 {
		sort.Strings(f.AgreeingStreams)
		f.CrossVerified = true
		f.Confidence = math.Min(1, win.Confidence+c.cfg.VerifyBoost*float64(len(f.AgreeingStreams)))
	}
	if len(f.Conflicts) > 0 {
		zap.L().Debug("consolidate: conflicting candidates",
			zap.String("field", f.Path),
			zap.String("winner", f.SourceStream),
			zap.Any("value", f.Value),
			zap.Int("conflicts", len(f.Conflicts)),
		)
	}
	return f
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
