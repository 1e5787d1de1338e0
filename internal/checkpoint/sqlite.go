package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/docflow/internal/model"
)

// SQLiteStore keeps checkpoints as rows in a SQLite database. Each Save
// inserts a row and prunes old ones in the same transaction, so readers
// always see a complete snapshot.
type SQLiteStore struct {
	db   *sql.DB
	keep int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewSQLite opens a SQLite checkpoint database at dsn and retains the last
// keep snapshots (minimum 1).
func NewSQLite(dsn string, keep int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "checkpoint: exec %s", pragma)
		}
	}
	if keep < 1 {
		keep = 1
	}
	return &SQLiteStore{db: db, keep: keep, nowFunc: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	format     TEXT NOT NULL,
	version    INTEGER NOT NULL,
	items      INTEGER NOT NULL,
	data       TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`

// Migrate creates the checkpoint table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "checkpoint: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, cp *model.Checkpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "checkpoint: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (format, version, items, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		model.CheckpointFormat, model.CheckpointVersion, len(cp.Items), string(data), s.nowFunc().UTC(),
	); err != nil {
		return eris.Wrap(err, "checkpoint: insert")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE id NOT IN (SELECT id FROM checkpoints ORDER BY id DESC LIMIT ?)`,
		s.keep,
	); err != nil {
		return eris.Wrap(err, "checkpoint: prune")
	}
	return eris.Wrap(tx.Commit(), "checkpoint: commit")
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (*model.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints ORDER BY id DESC LIMIT 1`,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewCheckpoint(s.nowFunc()), nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: load")
	}
	return decode([]byte(data), "sqlite", s.nowFunc()), nil
}

// History returns the retained checkpoints' timestamps and item counts,
// newest first.
func (s *SQLiteStore) History(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, items, created_at FROM checkpoints ORDER BY id DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: history")
	}
	defer rows.Close() //nolint:errcheck

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Items, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "checkpoint: scan history")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "checkpoint: iterate history")
}

// Entry summarizes one retained checkpoint row.
type Entry struct {
	ID        int64     `json:"id"`
	Items     int       `json:"items"`
	CreatedAt time.Time `json:"created_at"`
}
