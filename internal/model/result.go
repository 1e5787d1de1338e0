package model

import (
	"sort"
	"time"
)

// StreamResult is a single field value reported by one extraction stream
// invocation. It is never modified after it is recorded.
type StreamResult struct {
	StreamID   string    `json:"stream_id"`
	DocumentID string    `json:"document_id"`
	FieldPath  string    `json:"field_path"`
	Value      any       `json:"value"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// ConsolidatedField is the chosen value for one field path together with
// its provenance.
type ConsolidatedField struct {
	Path          string  `json:"path"`
	Value         any     `json:"value"`
	SourceStream  string  `json:"source_stream"`
	Confidence    float64 `json:"confidence"`
	RawConfidence float64 `json:"raw_confidence"`
	Score         float64 `json:"score"`
	CrossVerified bool    `json:"cross_verified"`

	// AgreeingStreams lists the other streams whose value matched the winner.
	AgreeingStreams []string `json:"agreeing_streams,omitempty"`
	// Conflicts keeps every candidate from another stream that disagreed
	// with the winner, for human review.
	Conflicts []StreamResult `json:"conflicts,omitempty"`
}

// RecordMetadata is document-level information surfaced with a record.
type RecordMetadata struct {
	Attempts      int      `json:"attempts"`
	ElapsedMs     int64    `json:"elapsed_ms"`
	FailedStreams []string `json:"failed_streams,omitempty"`
	Degraded      bool     `json:"degraded,omitempty"`
	ItemID        string   `json:"item_id,omitempty"`
}

// ConsolidatedRecord is the merged output for one document. A record is
// never mutated; consolidating new results produces a new version.
type ConsolidatedRecord struct {
	DocumentID string                       `json:"document_id"`
	Version    int                          `json:"version"`
	Fields     map[string]ConsolidatedField `json:"fields"`
	Results    []StreamResult               `json:"results"`
	Metadata   RecordMetadata               `json:"metadata"`
}

// Field returns the consolidated field at path.
func (r *ConsolidatedRecord) Field(path string) (ConsolidatedField, bool) {
	f, ok := r.Fields[path]
	return f, ok
}

// Paths returns the record's field paths in sorted order.
func (r *ConsolidatedRecord) Paths() []string {
	paths := make([]string, 0, len(r.Fields))
	for p := range r.Fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// CountVerified returns how many fields were confirmed by a second stream.
func (r *ConsolidatedRecord) CountVerified() int {
	var n int
	for _, f := range r.Fields {
		if f.CrossVerified {
			n++
		}
	}
	return n
}

// WithMetadata returns a copy of r carrying md. The field map and result
// slice are shared; both are treated as read-only.
func (r *ConsolidatedRecord) WithMetadata(md RecordMetadata) *ConsolidatedRecord {
	c := *r
	c.Metadata = md
	return &c
}

// WithVersion returns a copy of r with the given version.
func (r *ConsolidatedRecord) WithVersion(v int) *ConsolidatedRecord {
	c := *r
	c.Version = v
	return &c
}
