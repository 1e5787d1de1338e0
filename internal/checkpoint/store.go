// Package checkpoint persists snapshots of non-terminal work so a restarted
// process can rebuild its queue.
//
// A Store never fails startup over a damaged snapshot: unreadable or foreign
// data is logged loudly and treated as an empty checkpoint.
package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/model"
)

// Store saves and loads checkpoints.
type Store interface {
	// Save durably replaces the previous checkpoint. A crash during Save
	// leaves the previous checkpoint readable.
	Save(ctx context.Context, cp *model.Checkpoint) error
	// Load returns the last durable checkpoint, or an empty one if none
	// exists or the stored data cannot be used.
	Load(ctx context.Context) (*model.Checkpoint, error)
}

// encode stamps the format tag and version and marshals cp.
func encode(cp *model.Checkpoint) ([]byte, error) {
	out := *cp
	out.Format = model.CheckpointFormat
	if out.Version == 0 {
		out.Version = model.CheckpointVersion
	}
	if out.Items == nil {
		out.Items = []model.WorkItem{}
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	return data, eris.Wrap(err, "checkpoint: marshal")
}

// decode parses data, applying the corruption policy. source names the
// origin for log messages. The returned checkpoint is never nil.
func decode(data []byte, source string, now time.Time) *model.Checkpoint {
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		zap.L().Error("checkpoint: corrupt snapshot, starting from empty state",
			zap.String("source", source),
			zap.Error(err),
		)
		return model.NewCheckpoint(now)
	}
	if cp.Format != model.CheckpointFormat {
		zap.L().Error("checkpoint: unrecognized format, starting from empty state",
			zap.String("source", source),
			zap.String("format", cp.Format),
		)
		return model.NewCheckpoint(now)
	}
	if cp.Version > model.CheckpointVersion {
		zap.L().Warn("checkpoint: written by a newer version, reading known fields",
			zap.String("source", source),
			zap.Int("version", cp.Version),
			zap.Int("supported", model.CheckpointVersion),
		)
	}
	return &cp
}
