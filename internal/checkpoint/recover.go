package checkpoint

import (
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/model"
)

// Recover turns a loaded checkpoint into the items to put back on the
// queue. Items caught Running are reset to Pending with their attempt count
// untouched. Retrying items keep their ReadyAt. Terminal items are dropped.
func Recover(cp *model.Checkpoint, now time.Time) []model.WorkItem {
	if cp == nil {
		return nil
	}
	out := make([]model.WorkItem, 0, len(cp.Items))
	seen := make(map[string]bool, len(cp.Items))
	for _, it := range cp.Items {
		if seen[it.ID] {
			zap.L().Warn("checkpoint: duplicate item in snapshot, keeping first",
				zap.String("item_id", it.ID),
			)
			continue
		}
		seen[it.ID] = true

		it = it.Clone()
		switch it.State {
		case model.StateSucceeded, model.StateFailed:
			continue
		case model.StateRunning:
			if err := it.Transition(model.StatePending, now); err != nil {
				zap.L().Error("checkpoint: reset running item", zap.String("item_id", it.ID), zap.Error(err))
				continue
			}
			it.ReadyAt = time.Time{}
		case model.StatePending, model.StateRetrying:
		default:
			zap.L().Warn("checkpoint: unknown item state, resetting to pending",
				zap.String("item_id", it.ID),
				zap.String("state", string(it.State)),
			)
			it.State = model.StatePending
			it.UpdatedAt = now
		}
		if !it.Priority.Valid() {
			it.Priority = model.PriorityLow
		}
		out = append(out, it)
	}
	return out
}
