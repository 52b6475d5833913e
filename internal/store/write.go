package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/remote"
)

// Set implements remote.Adapter.
func (s *Store) Set(ctx context.Context, collection, id string, fields doc.Object) error {
	return s.single(ctx, remote.SetWrite{Collection: collection, ID: id, Fields: fields})
}

// Update implements remote.Adapter.
func (s *Store) Update(ctx context.Context, collection, id string, partial doc.Object) error {
	return s.single(ctx, remote.UpdateWrite{Collection: collection, ID: id, Fields: partial})
}

// Delete implements remote.Adapter.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.single(ctx, remote.DeleteWrite{Collection: collection, ID: id})
}

func (s *Store) single(ctx context.Context, w remote.Write) error {
	if err := remote.ValidateWrites([]remote.Write{w}); err != nil {
		return err
	}
	colls, err := s.commit(ctx, func(tx *sql.Tx) ([]remote.Write, error) {
		return []remote.Write{w}, nil
	})
	if err != nil {
		return err
	}
	s.hub.Notify(colls...)
	return nil
}

// RunBatch implements remote.Adapter.
func (s *Store) RunBatch(ctx context.Context, writes []remote.Write) error {
	if err := remote.ValidateWrites(writes); err != nil {
		return &remote.TransactionError{Op: "batch", Err: err}
	}
	colls, err := s.commit(ctx, func(tx *sql.Tx) ([]remote.Write, error) {
		return writes, nil
	})
	if err != nil {
		return &remote.TransactionError{Op: "batch", Err: err}
	}
	s.hub.Notify(colls...)
	return nil
}

// RunTransaction implements remote.Adapter. The transaction holds the only
// connection for the whole of fn: fn must only use tx, never the Store itself.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx remote.Tx) error) error {
	colls, err := s.commit(ctx, func(sqlTx *sql.Tx) ([]remote.Write, error) {
		tx := &docTx{ctx: ctx, tx: sqlTx, staged: make(map[string]bool)}
		if err := fn(ctx, tx); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return tx.writes, nil
	})
	if err != nil {
		return &remote.TransactionError{Op: "transaction", Err: err}
	}
	if len(colls) > 0 {
		s.hub.Notify(colls...)
	}
	return nil
}

// commit runs stage inside one SQL transaction and applies the writes it
// returns. It returns the collections written.
func (s *Store) commit(ctx context.Context, stage func(tx *sql.Tx) ([]remote.Write, error)) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	writes, err := stage(tx)
	if err != nil {
		return nil, err
	}

	var colls []string
	for _, w := range writes {
		if err := applyWrite(ctx, tx, w); err != nil {
			return nil, err
		}
		c, _ := w.Key()
		if !slices.Contains(colls, c) {
			colls = append(colls, c)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return colls, nil
}

func applyWrite(ctx context.Context, tx *sql.Tx, w remote.Write) error {
	switch ww := w.(type) {
	case remote.SetWrite:
		fields, err := marshalFields(ww.Fields)
		if err != nil {
			return err
		}
		// Overwrites keep the original seq so arrival order is stable.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, grp, fields, version, seq)
			VALUES (?, ?, ?, ?, 1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM documents))
			ON CONFLICT(collection, id) DO UPDATE SET
				fields = excluded.fields,
				version = documents.version + 1
		`, ww.Collection, ww.ID, remote.LastSegment(ww.Collection), fields)
		if err != nil {
			return fmt.Errorf("set %s/%s: %w", ww.Collection, ww.ID, err)
		}
		return nil

	case remote.UpdateWrite:
		current, err := getDocument(ctx, tx, ww.Collection, ww.ID)
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}
		fields, err := marshalFields(current.Fields.Merge(ww.Fields))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE documents SET fields = ?, version = version + 1
			WHERE collection = ? AND id = ?
		`, fields, ww.Collection, ww.ID)
		if err != nil {
			return fmt.Errorf("update %s/%s: %w", ww.Collection, ww.ID, err)
		}
		return nil

	case remote.DeleteWrite:
		_, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, ww.Collection, ww.ID)
		if err != nil {
			return fmt.Errorf("delete %s/%s: %w", ww.Collection, ww.ID, err)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown write %T", remote.ErrInvalidTarget, w)
}

// docTx is the remote.Tx view of an open SQL transaction. Writes are staged
// and applied at commit; staged tracks existence changes by path.
type docTx struct {
	ctx    context.Context
	tx     *sql.Tx
	writes []remote.Write
	staged map[string]bool
}

func (t *docTx) Get(ctx context.Context, collection, id string) (remote.Document, error) {
	if len(t.writes) > 0 {
		return remote.Document{}, remote.ErrReadAfterWrite
	}
	return getDocument(ctx, t.tx, collection, id)
}

func (t *docTx) Query(ctx context.Context, target remote.CollectionTarget) ([]remote.Document, error) {
	if len(t.writes) > 0 {
		return nil, remote.ErrReadAfterWrite
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return queryTarget(ctx, t.tx, target)
}

func (t *docTx) exists(collection, id string) (bool, error) {
	if e, ok := t.staged[collection+"/"+id]; ok {
		return e, nil
	}
	return exists(t.ctx, t.tx, collection, id)
}

func (t *docTx) stage(w remote.Write) error {
	if err := remote.ValidateWrites([]remote.Write{w}); err != nil {
		return err
	}
	coll, id := w.Key()
	path := coll + "/" + id
	switch w.(type) {
	case remote.SetWrite:
		t.staged[path] = true
	case remote.UpdateWrite:
		ok, err := t.exists(coll, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("update %s: %w", path, remote.ErrNotFound)
		}
		t.staged[path] = true
	case remote.DeleteWrite:
		t.staged[path] = false
	}
	t.writes = append(t.writes, w)
	return nil
}

func (t *docTx) Set(collection, id string, fields doc.Object) error {
	return t.stage(remote.SetWrite{Collection: collection, ID: id, Fields: fields})
}

func (t *docTx) Create(collection, id string, fields doc.Object) error {
	ok, err := t.exists(collection, id)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("create %s/%s: %w", collection, id, remote.ErrAlreadyExists)
	}
	return t.Set(collection, id, fields)
}

func (t *docTx) Update(collection, id string, partial doc.Object) error {
	return t.stage(remote.UpdateWrite{Collection: collection, ID: id, Fields: partial})
}

func (t *docTx) Delete(collection, id string) error {
	return t.stage(remote.DeleteWrite{Collection: collection, ID: id})
}
