package model

import "time"

// EventType names a work item state change.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventStarted   EventType = "started"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
	EventRetried   EventType = "retried"
	EventRecovered EventType = "recovered"
	// EventInterrupted marks running work returned to Pending at shutdown.
	EventInterrupted EventType = "interrupted"
)

// Event is a state change published by the core. Item is a copy taken at
// the moment of the transition.
type Event struct {
	Type   EventType           `json:"type"`
	Item   WorkItem            `json:"item"`
	Record *ConsolidatedRecord `json:"record,omitempty"`
	Error  string              `json:"error,omitempty"`
	At     time.Time           `json:"at"`
}

// Terminal reports whether the event ends the item's lifecycle.
func (e Event) Terminal() bool {
	return e.Type == EventSucceeded || e.Type == EventFailed
}
