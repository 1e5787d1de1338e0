package checkpoint

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/model"
)

// FileStore keeps the checkpoint as a single JSON file. Saves go to a temp
// file in the same directory which is synced and renamed over the old one.
type FileStore struct {
	path string

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewFileStore returns a store writing to path. The parent directory is
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, nowFunc: time.Now}
}

// Path returns the checkpoint file location.
func (s *FileStore) Path() string { return s.path }

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, cp *model.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "checkpoint: save")
	}
	data, err := encode(cp)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "checkpoint: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp file")
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()        //nolint:errcheck
			os.Remove(tmpName) //nolint:errcheck
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return eris.Wrap(err, "checkpoint: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		return eris.Wrap(err, "checkpoint: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "checkpoint: close temp file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return eris.Wrapf(err, "checkpoint: replace %s", s.path)
	}
	committed = true

	// Persist the rename itself. Not every platform supports syncing a
	// directory, so failures are only logged.
	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			zap.L().Debug("checkpoint: dir sync failed", zap.Error(err))
		}
		d.Close() //nolint:errcheck
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context) (*model.Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.NewCheckpoint(s.nowFunc()), nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "checkpoint: read %s", s.path)
	}
	return decode(data, s.path, s.nowFunc()), nil
}
