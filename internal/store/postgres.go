package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docflow/internal/db"
	"github.com/sells-group/docflow/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var recordFieldsTable = db.Table{
	Name:    "record_fields",
	Columns: []string{"document_id", "version", "path", "value", "source_stream", "confidence", "cross_verified", "conflicts"},
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	document_id    TEXT NOT NULL,
	version        INTEGER NOT NULL,
	data           JSONB NOT NULL,
	field_count    INTEGER NOT NULL DEFAULT 0,
	verified_count INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (document_id, version)
);

CREATE TABLE IF NOT EXISTS record_fields (
	document_id    TEXT NOT NULL,
	version        INTEGER NOT NULL,
	path           TEXT NOT NULL,
	value          JSONB,
	source_stream  TEXT NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL,
	cross_verified BOOLEAN NOT NULL DEFAULT false,
	conflicts      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (document_id, version, path),
	FOREIGN KEY (document_id, version) REFERENCES records(document_id, version)
);

CREATE TABLE IF NOT EXISTS archived_items (
	item_id     TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	state       TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	data        JSONB NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_record_fields_unverified ON record_fields(cross_verified) WHERE NOT cross_verified;
CREATE INDEX IF NOT EXISTS idx_archived_items_state ON archived_items(state);
CREATE INDEX IF NOT EXISTS idx_archived_items_document ON archived_items(document_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// SaveRecord writes the record and one row per field. Version assignment
// is serialised per document with a transaction-scoped advisory lock.
func (s *PostgresStore) SaveRecord(ctx context.Context, rec *model.ConsolidatedRecord) (int, error) {
	if err := validateRecord(rec); err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin save record")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	version := rec.Version
	if version == 0 {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.DocumentID); err != nil {
			return 0, eris.Wrapf(err, "postgres: lock %s", rec.DocumentID)
		}
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM records WHERE document_id = $1`,
			rec.DocumentID,
		).Scan(&version)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: next version for %s", rec.DocumentID)
		}
	}

	data, err := marshalRecord(rec, version)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO records (document_id, version, data, field_count, verified_count, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.DocumentID, version, data, len(rec.Fields), rec.CountVerified(), time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: insert record %s v%d", rec.DocumentID, version)
	}

	rows, err := fieldRows(rec, version)
	if err != nil {
		return 0, err
	}
	if _, err := recordFieldsTable.Copy(ctx, tx, rows); err != nil {
		return 0, eris.Wrap(err, "postgres: copy record fields")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit record")
	}
	return version, nil
}

func fieldRows(rec *model.ConsolidatedRecord, version int) ([][]any, error) {
	rows := make([][]any, 0, len(rec.Fields))
	for _, path := range rec.Paths() {
		f := rec.Fields[path]
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: marshal field %s", path)
		}
		rows = append(rows, []any{
			rec.DocumentID, version, path, value, f.SourceStream, f.Confidence, f.CrossVerified, len(f.Conflicts),
		})
	}
	return rows, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, docID string) (*model.ConsolidatedRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM records WHERE document_id = $1 ORDER BY version DESC LIMIT 1`,
		docID,
	).Scan(&data)
	return decodePostgresRecord(data, err, docID)
}

func (s *PostgresStore) GetRecordVersion(ctx context.Context, docID string, version int) (*model.ConsolidatedRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM records WHERE document_id = $1 AND version = $2`,
		docID, version,
	).Scan(&data)
	return decodePostgresRecord(data, err, docID)
}

func decodePostgresRecord(data []byte, err error, docID string) (*model.ConsolidatedRecord, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", docID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", docID)
	}
	return unmarshalRecord(data)
}

func (s *PostgresStore) ListVersions(ctx context.Context, docID string) ([]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT version FROM records WHERE document_id = $1 ORDER BY version`,
		docID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list versions %s", docID)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan version")
		}
		versions = append(versions, v)
	}
	return versions, eris.Wrap(rows.Err(), "postgres: iterate versions")
}

func (s *PostgresStore) ArchiveItem(ctx context.Context, item model.WorkItem) error {
	if item.ID == "" {
		return eris.New("postgres: archive item without id")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal item")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO archived_items (item_id, document_id, state, attempts, data, archived_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (item_id) DO UPDATE SET
			state = EXCLUDED.state, attempts = EXCLUDED.attempts,
			data = EXCLUDED.data, archived_at = EXCLUDED.archived_at`,
		item.ID, item.Document.ID, string(item.State), item.Attempts, data, archivedAt(item),
	)
	return eris.Wrapf(err, "postgres: archive item %s", item.ID)
}

func (s *PostgresStore) ListArchived(ctx context.Context, filter ArchiveFilter) ([]model.WorkItem, error) {
	query := `SELECT data FROM archived_items WHERE true`
	args := []any{}
	argIdx := 1

	if filter.State != "" {
		query += fmt.Sprintf(` AND state = $%d`, argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}
	if filter.DocumentID != "" {
		query += fmt.Sprintf(` AND document_id = $%d`, argIdx)
		args = append(args, filter.DocumentID)
		argIdx++
	}
	query += ` ORDER BY archived_at DESC, item_id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list archived")
	}
	defer rows.Close()

	var items []model.WorkItem
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan archived item")
		}
		var it model.WorkItem
		if err := json.Unmarshal(data, &it); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal archived item")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate archived")
}
