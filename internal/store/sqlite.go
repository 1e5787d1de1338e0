package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/docflow/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Version assignment reads then writes; one connection serialises it.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	document_id    TEXT NOT NULL,
	version        INTEGER NOT NULL,
	data           TEXT NOT NULL,
	field_count    INTEGER NOT NULL DEFAULT 0,
	verified_count INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (document_id, version)
);

CREATE TABLE IF NOT EXISTS archived_items (
	item_id     TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	state       TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	data        TEXT NOT NULL,
	archived_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_archived_items_state ON archived_items(state);
CREATE INDEX IF NOT EXISTS idx_archived_items_document ON archived_items(document_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *model.ConsolidatedRecord) (int, error) {
	if err := validateRecord(rec); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin save record")
	}
	defer tx.Rollback() //nolint:errcheck

	version := rec.Version
	if version == 0 {
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM records WHERE document_id = ?`,
			rec.DocumentID,
		).Scan(&version)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: next version for %s", rec.DocumentID)
		}
	}

	data, err := marshalRecord(rec, version)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (document_id, version, data, field_count, verified_count, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.DocumentID, version, string(data), len(rec.Fields), rec.CountVerified(), time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: insert record %s v%d", rec.DocumentID, version)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit record")
	}
	return version, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, docID string) (*model.ConsolidatedRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE document_id = ? ORDER BY version DESC LIMIT 1`,
		docID,
	)
	return scanSQLiteRecord(row, docID)
}

func (s *SQLiteStore) GetRecordVersion(ctx context.Context, docID string, version int) (*model.ConsolidatedRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE document_id = ? AND version = ?`,
		docID, version,
	)
	return scanSQLiteRecord(row, docID)
}

func scanSQLiteRecord(row *sql.Row, docID string) (*model.ConsolidatedRecord, error) {
	var data string
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", docID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", docID)
	}
	return unmarshalRecord([]byte(data))
}

func (s *SQLiteStore) ListVersions(ctx context.Context, docID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM records WHERE document_id = ? ORDER BY version`,
		docID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list versions %s", docID)
	}
	defer rows.Close() //nolint:errcheck

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan version")
		}
		versions = append(versions, v)
	}
	return versions, eris.Wrap(rows.Err(), "sqlite: iterate versions")
}

func (s *SQLiteStore) ArchiveItem(ctx context.Context, item model.WorkItem) error {
	if item.ID == "" {
		return eris.New("sqlite: archive item without id")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal item")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO archived_items (item_id, document_id, state, attempts, data, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET
			state = excluded.state, attempts = excluded.attempts,
			data = excluded.data, archived_at = excluded.archived_at`,
		item.ID, item.Document.ID, string(item.State), item.Attempts, string(data), archivedAt(item),
	)
	return eris.Wrapf(err, "sqlite: archive item %s", item.ID)
}

func (s *SQLiteStore) ListArchived(ctx context.Context, filter ArchiveFilter) ([]model.WorkItem, error) {
	query := `SELECT data FROM archived_items WHERE 1=1`
	var args []any

	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.DocumentID != "" {
		query += ` AND document_id = ?`
		args = append(args, filter.DocumentID)
	}
	query += ` ORDER BY archived_at DESC, item_id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list archived")
	}
	defer rows.Close() //nolint:errcheck

	var items []model.WorkItem
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan archived item")
		}
		var it model.WorkItem
		if err := json.Unmarshal([]byte(data), &it); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal archived item")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate archived")
}
