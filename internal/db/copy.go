package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Table names a COPY target and its column order.
type Table struct {
	Schema  string
	Name    string
	Columns []string
}

func (t Table) ident() pgx.Identifier {
	if t.Schema == "" {
		return pgx.Identifier{t.Name}
	}
	return pgx.Identifier{t.Schema, t.Name}
}

// Copy streams rows into t over the COPY protocol and returns the number
// loaded. Every row must have one value per column.
func (t Table) Copy(ctx context.Context, c Copier, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	for i, r := range rows {
		if len(r) != len(t.Columns) {
			return 0, eris.Errorf("db: row %d for %s has %d values, want %d", i, t.Name, len(r), len(t.Columns))
		}
	}
	n, err := c.CopyFrom(ctx, t.ident(), t.Columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy into %s", t.ident().Sanitize())
	}
	return n, nil
}
