package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Priority is the scheduling tier of a work item.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priorities lists the tiers in dequeue order.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// Rank returns the tier index used by the queue: 0 for high, 1 for medium,
// 2 for low. Unknown priorities rank as low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Valid reports whether p is one of the three known tiers.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// ParsePriority parses a case-insensitive tier name. The empty string
// parses as "" with no error so callers can treat it as "no override".
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p == "" || p.Valid() {
		return p, nil
	}
	return "", eris.Errorf("model: unknown priority %q", s)
}

// ItemState is the lifecycle state of a work item.
type ItemState string

const (
	StatePending   ItemState = "pending"
	StateRunning   ItemState = "running"
	StateSucceeded ItemState = "succeeded"
	StateFailed    ItemState = "failed"
	StateRetrying  ItemState = "retrying"
)

// Terminal reports whether the state ends the item's lifecycle.
func (s ItemState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// transitions lists the allowed state changes. Running -> Pending covers
// crash recovery and work interrupted by shutdown.
var transitions = map[ItemState][]ItemState{
	StatePending:  {StateRunning},
	StateRetrying: {StateRunning, StatePending},
	StateRunning:  {StateSucceeded, StateFailed, StateRetrying, StatePending},
}

// CanTransition reports whether an item may move from one state to another.
func CanTransition(from, to ItemState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies the last error recorded on an item.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindTransient      ErrorKind = "transient"
	ErrorKindPermanent      ErrorKind = "permanent"
	ErrorKindClassification ErrorKind = "classification"
	ErrorKindSink           ErrorKind = "sink"
)

// DocumentRef points at a document to process. The core never reads the
// document itself; streams resolve URI on their own.
type DocumentRef struct {
	ID       string            `json:"id" yaml:"id"`
	URI      string            `json:"uri" yaml:"uri"`
	MimeType string            `json:"mime_type,omitempty" yaml:"mime_type"`
	Pages    []int             `json:"pages,omitempty" yaml:"pages"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// WorkItem is one document's unit of work. It is mutated only by the worker
// that dequeued it or by recovery logic.
type WorkItem struct {
	ID         string      `json:"id"`
	Document   DocumentRef `json:"document"`
	Priority   Priority    `json:"priority"`
	Streams    []string    `json:"streams"`
	State      ItemState   `json:"state"`
	Attempts   int         `json:"attempts"`
	LastError  string      `json:"last_error,omitempty"`
	ErrorKind  ErrorKind   `json:"error_kind,omitempty"`
	Degraded   bool        `json:"degraded,omitempty"`
	Seq        uint64      `json:"seq"`
	ReadyAt    time.Time   `json:"ready_at,omitzero"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	StartedAt  time.Time   `json:"started_at,omitzero"`
	UpdatedAt  time.Time   `json:"updated_at"`

	// Results collected by earlier attempts, kept so a retry only calls the
	// streams that have not produced output yet.
	Results       []StreamResult `json:"results,omitempty"`
	DoneStreams   []string       `json:"done_streams,omitempty"`
	FailedStreams []string       `json:"failed_streams,omitempty"`
}

// Transition moves the item to state "to", stamping UpdatedAt. Moving into
// Running counts a new attempt.
func (w *WorkItem) Transition(to ItemState, at time.Time) error {
	if !CanTransition(w.State, to) {
		return eris.Errorf("model: item %s: invalid transition %s -> %s", w.ID, w.State, to)
	}
	if to == StateRunning {
		w.Attempts++
		if w.StartedAt.IsZero() {
			w.StartedAt = at
		}
	}
	w.State = to
	w.UpdatedAt = at
	return nil
}

// PendingStreams returns the assigned streams that have neither produced
// results nor failed permanently.
func (w *WorkItem) PendingStreams() []string {
	skip := make(map[string]bool, len(w.DoneStreams)+len(w.FailedStreams))
	for _, s := range w.DoneStreams {
		skip[s] = true
	}
	for _, s := range w.FailedStreams {
		skip[s] = true
	}
	var out []string
	for _, s := range w.Streams {
		if !skip[s] {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy safe to hand to another goroutine.
func (w WorkItem) Clone() WorkItem {
	c := w
	c.Streams = append([]string(nil), w.Streams...)
	c.Results = append([]StreamResult(nil), w.Results...)
	c.DoneStreams = append([]string(nil), w.DoneStreams...)
	c.FailedStreams = append([]string(nil), w.FailedStreams...)
	c.Document.Pages = append([]int(nil), w.Document.Pages...)
	if w.Document.Metadata != nil {
		c.Document.Metadata = make(map[string]string, len(w.Document.Metadata))
		for k, v := range w.Document.Metadata {
			c.Document.Metadata[k] = v
		}
	}
	return c
}
