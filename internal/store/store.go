// Package store persists consolidated records and archives work items that
// reached a terminal state.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docflow/internal/model"
)

// ErrNotFound is returned when a record or version does not exist.
var ErrNotFound = eris.New("store: not found")

// ArchiveFilter specifies criteria for listing archived items.
type ArchiveFilter struct {
	State      model.ItemState `json:"state,omitempty"`
	DocumentID string          `json:"document_id,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for records and archived items.
type Store interface {
	// Records. SaveRecord assigns the next version for the document when
	// rec.Version is 0 and returns the version written.
	SaveRecord(ctx context.Context, rec *model.ConsolidatedRecord) (int, error)
	GetRecord(ctx context.Context, docID string) (*model.ConsolidatedRecord, error)
	GetRecordVersion(ctx context.Context, docID string, version int) (*model.ConsolidatedRecord, error)
	ListVersions(ctx context.Context, docID string) ([]int, error)

	// Archive
	ArchiveItem(ctx context.Context, item model.WorkItem) error
	ListArchived(ctx context.Context, filter ArchiveFilter) ([]model.WorkItem, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func marshalRecord(rec *model.ConsolidatedRecord, version int) ([]byte, error) {
	data, err := json.Marshal(rec.WithVersion(version))
	return data, eris.Wrap(err, "store: marshal record")
}

func unmarshalRecord(data []byte) (*model.ConsolidatedRecord, error) {
	var rec model.ConsolidatedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal record")
	}
	return &rec, nil
}

func validateRecord(rec *model.ConsolidatedRecord) error {
	if rec == nil {
		return eris.New("store: nil record")
	}
	if rec.DocumentID == "" {
		return eris.New("store: record without document id")
	}
	if rec.Version < 0 {
		return eris.Errorf("store: negative version %d", rec.Version)
	}
	return nil
}

func archivedAt(item model.WorkItem) time.Time {
	if item.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return item.UpdatedAt.UTC()
}
