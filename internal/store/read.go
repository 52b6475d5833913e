package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/pushdash/internal/query"
	"github.com/roach88/pushdash/internal/remote"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectDocuments = `SELECT collection, id, fields, version FROM documents`

// QueryTarget implements remote.Querier. Results are in arrival order.
func (s *Store) QueryTarget(ctx context.Context, target remote.Target) ([]remote.Document, error) {
	if target == nil {
		return nil, remote.ErrInvalidTarget
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return queryTarget(ctx, s.db, target)
}

func queryTarget(ctx context.Context, q queryer, target remote.Target) ([]remote.Document, error) {
	switch t := target.(type) {
	case remote.DocumentTarget:
		d, err := getDocument(ctx, q, t.Collection, t.ID)
		if errors.Is(err, remote.ErrNotFound) {
			return []remote.Document{}, nil
		}
		if err != nil {
			return nil, err
		}
		return []remote.Document{d}, nil

	case remote.CollectionTarget:
		where := compileWhere(t.Where)
		sql := selectDocuments + ` WHERE collection = ? AND ` + where.SQL +
			` ORDER BY seq ASC, id ASC COLLATE BINARY`
		return scanDocuments(ctx, q, where.Residual, sql, append([]any{t.Collection}, where.Params...)...)

	case remote.GroupTarget:
		where := compileWhere(t.Where)
		sql := selectDocuments + ` WHERE grp = ? AND ` + where.SQL +
			` ORDER BY seq ASC, collection ASC COLLATE BINARY, id ASC COLLATE BINARY`
		return scanDocuments(ctx, q, where.Residual, sql, append([]any{t.Group}, where.Params...)...)
	}
	return nil, fmt.Errorf("%w: %T", remote.ErrInvalidTarget, target)
}

func scanDocuments(ctx context.Context, q queryer, residual []query.Predicate, sql string, args ...any) ([]remote.Document, error) {
	rows, err := q.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := []remote.Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		if len(residual) > 0 && !query.Eval(residual, d.Fields) {
			continue
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (remote.Document, error) {
	var (
		d      remote.Document
		fields string
	)
	if err := row.Scan(&d.Collection, &d.ID, &fields, &d.Version); err != nil {
		return remote.Document{}, err
	}
	f, err := unmarshalFields(fields)
	if err != nil {
		return remote.Document{}, fmt.Errorf("document %s: %w", d.Path(), err)
	}
	d.Fields = f
	return d, nil
}

// Get implements remote.Adapter.
func (s *Store) Get(ctx context.Context, collection, id string) (remote.Document, error) {
	return getDocument(ctx, s.db, collection, id)
}

func getDocument(ctx context.Context, q queryer, collection, id string) (remote.Document, error) {
	row := q.QueryRowContext(ctx, selectDocuments+` WHERE collection = ? AND id = ?`, collection, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return remote.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, remote.ErrNotFound)
	}
	if err != nil {
		return remote.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return d, nil
}

func exists(ctx context.Context, q queryer, collection, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check %s/%s: %w", collection, id, err)
	}
	return n > 0, nil
}
