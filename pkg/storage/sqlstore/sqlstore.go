// Package sqlstore keeps documents in relational tables: one table per
// collection with the normalized identifier as primary key and the JSON
// encoded document as body. Filters are evaluated in process after the
// rows are read, except identifier lookups which are pushed down.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage"
)

const sequenceTable = "odm_sequences"

var savepointCounter atomic.Uint64

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Option configures a Store
type Option func(*Store)

// WithTablePrefix prefixes every collection table
func WithTablePrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// Store is a DocumentStorage over database/sql
type Store struct {
	db      *sql.DB
	dialect Dialect
	prefix  string
	tables  sync.Map
	ownsDB  bool
}

// Open connects to dsn with the dialect's driver
func Open(dialect Dialect, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.Name, err)
	}
	s := New(db, dialect, opts...)
	s.ownsDB = true
	return s, nil
}

// New wraps an existing connection pool
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying connection pool
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect in use
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close implements storage.Closer. A pool passed to New is left open.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// BeginTx starts a transaction spanning several batches. Pass it to a
// commit so every write of the unit of work lands atomically.
func (s *Store) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{store: s, tx: tx}, nil
}

func (s *Store) table(coll string) string {
	return quote(s.prefix + coll)
}

func (s *Store) ensureTable(ctx context.Context, q querier, coll string) error {
	if _, ok := s.tables.Load(coll); ok {
		return nil
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, body %s NOT NULL)", s.table(coll), s.dialect.BodyType)
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create table for %s: %w", coll, err)
	}
	s.tables.Store(coll, true)
	return nil
}

// withTransaction runs one batch in its own transaction. The batch is
// committed only when every item succeeded.
func (s *Store) withTransaction(ctx context.Context, fn func(q querier) ([]storage.Result, error)) ([]storage.Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	results, err := fn(tx)
	if err == nil {
		if _, failed := storage.FirstError(results); failed == nil {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit transaction: %w", err)
			}
			return results, nil
		}
	}
	if rbErr := tx.Rollback(); rbErr != nil && err != nil {
		return nil, fmt.Errorf("transaction failed: %w, rollback failed: %v", err, rbErr)
	}
	return results, err
}

// Find implements storage.DocumentStorage
func (s *Store) Find(ctx context.Context, coll string, filter storage.Filter, opts storage.FindOptions) (storage.Cursor, error) {
	return s.find(ctx, s.db, coll, filter, opts)
}

// Count implements storage.Counter
func (s *Store) Count(ctx context.Context, coll string, filter storage.Filter) (int, error) {
	return s.count(ctx, s.db, coll, filter)
}

// Insert implements storage.DocumentStorage
func (s *Store) Insert(ctx context.Context, coll string, docs []document.Raw) ([]storage.Result, error) {
	if err := s.ensureTable(ctx, s.db, coll); err != nil {
		return nil, err
	}
	return s.withTransaction(ctx, func(q querier) ([]storage.Result, error) {
		return s.insert(ctx, q, coll, docs)
	})
}

// Update implements storage.DocumentStorage
func (s *Store) Update(ctx context.Context, coll string, updates []storage.Update) ([]storage.Result, error) {
	if err := s.ensureTable(ctx, s.db, coll); err != nil {
		return nil, err
	}
	return s.withTransaction(ctx, func(q querier) ([]storage.Result, error) {
		return s.update(ctx, q, coll, updates)
	})
}

// Delete implements storage.DocumentStorage
func (s *Store) Delete(ctx context.Context, coll string, ids []any) ([]storage.Result, error) {
	if err := s.ensureTable(ctx, s.db, coll); err != nil {
		return nil, err
	}
	return s.withTransaction(ctx, func(q querier) ([]storage.Result, error) {
		return s.delete(ctx, q, coll, ids)
	})
}

// NextSequence implements storage.Sequencer
func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	return s.nextSequence(ctx, s.db, name)
}

func (s *Store) find(ctx context.Context, q querier, coll string, filter storage.Filter, opts storage.FindOptions) (storage.Cursor, error) {
	docs, err := s.load(ctx, q, coll, filter)
	if err != nil {
		return nil, err
	}
	return storage.NewSliceCursor(storage.Select(docs, filter, opts)), nil
}

func (s *Store) count(ctx context.Context, q querier, coll string, filter storage.Filter) (int, error) {
	if len(filter) == 0 {
		if err := s.ensureTable(ctx, q, coll); err != nil {
			return 0, err
		}
		var n int
		if err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table(coll))).Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count %s: %w", coll, err)
		}
		return n, nil
	}
	docs, err := s.load(ctx, q, coll, filter)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range docs {
		if storage.Match(doc, filter) {
			n++
		}
	}
	return n, nil
}

// load reads candidate rows, narrowing by identifier when the filter has
// a plain _id condition
func (s *Store) load(ctx context.Context, q querier, coll string, filter storage.Filter) ([]document.Raw, error) {
	if err := s.ensureTable(ctx, q, coll); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT body FROM %s", s.table(coll))
	var args []any
	if keys, ok := idKeys(filter); ok {
		if len(keys) == 0 {
			return nil, nil
		}
		cond, condArgs := s.dialect.anyOf("id", 1, keys)
		query += " WHERE " + cond
		args = condArgs
	}
	query += " ORDER BY id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", coll, err)
	}
	defer rows.Close()

	var docs []document.Raw
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", coll, err)
		}
		doc, err := decode(body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s document: %w", coll, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", coll, err)
	}
	return docs, nil
}

func (s *Store) insert(ctx context.Context, q querier, coll string, docs []document.Raw) ([]storage.Result, error) {
	ids := make([]any, len(docs))
	for i, doc := range docs {
		if id, ok := doc[document.KeyID]; ok && id != nil {
			ids[i] = id
		}
	}

	stmt := fmt.Sprintf("INSERT INTO %s (id, body) VALUES (%s, %s)", s.table(coll), s.dialect.placeholder(1), s.dialect.placeholder(2))
	results := make([]storage.Result, len(docs))
	for i, doc := range docs {
		row := storage.CloneRaw(doc)
		if row == nil {
			row = document.Raw{}
		}
		if ids[i] == nil {
			ids[i] = storage.NewID()
			row[document.KeyID] = ids[i]
		}
		body, err := json.Marshal(row)
		if err != nil {
			return storage.AbortBatch(ids, i, fmt.Errorf("failed to encode document: %w", err)), nil
		}
		if _, err := q.ExecContext(ctx, stmt, storage.NormalizeID(ids[i]), string(body)); err != nil {
			return storage.AbortBatch(ids, i, s.convertError(coll, ids[i], err)), nil
		}
		results[i] = storage.Result{ID: ids[i]}
	}
	return results, nil
}

func (s *Store) update(ctx context.Context, q querier, coll string, updates []storage.Update) ([]storage.Result, error) {
	ids := make([]any, len(updates))
	for i, u := range updates {
		ids[i] = u.ID
	}

	selectStmt := fmt.Sprintf("SELECT body FROM %s WHERE id = %s", s.table(coll), s.dialect.placeholder(1))
	updateStmt := fmt.Sprintf("UPDATE %s SET body = %s WHERE id = %s", s.table(coll), s.dialect.placeholder(1), s.dialect.placeholder(2))
	results := make([]storage.Result, len(updates))
	for i, u := range updates {
		key := storage.NormalizeID(u.ID)

		var body []byte
		err := q.QueryRowContext(ctx, selectStmt, key).Scan(&body)
		if err == sql.ErrNoRows {
			return storage.AbortBatch(ids, i, fmt.Errorf("%w: %s %v", storage.ErrNotFound, coll, u.ID)), nil
		}
		if err != nil {
			return storage.AbortBatch(ids, i, fmt.Errorf("failed to read %s %v: %w", coll, u.ID, err)), nil
		}

		doc, err := decode(body)
		if err != nil {
			return storage.AbortBatch(ids, i, fmt.Errorf("failed to decode document: %w", err)), nil
		}
		if err := storage.Apply(doc, u); err != nil {
			return storage.AbortBatch(ids, i, err), nil
		}
		encoded, err := json.Marshal(doc)
		if err != nil {
			return storage.AbortBatch(ids, i, fmt.Errorf("failed to encode document: %w", err)), nil
		}
		if _, err := q.ExecContext(ctx, updateStmt, string(encoded), key); err != nil {
			return storage.AbortBatch(ids, i, s.convertError(coll, u.ID, err)), nil
		}
		results[i] = storage.Result{ID: u.ID}
	}
	return results, nil
}

func (s *Store) delete(ctx context.Context, q querier, coll string, ids []any) ([]storage.Result, error) {
	results := make([]storage.Result, len(ids))
	if len(ids) == 0 {
		return results, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = storage.NormalizeID(id)
		results[i] = storage.Result{ID: id}
	}

	cond, args := s.dialect.anyOf("id", 1, keys)
	if _, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", s.table(coll), cond), args...); err != nil {
		return storage.AbortBatch(ids, 0, fmt.Errorf("failed to delete from %s: %w", coll, err)), nil
	}
	return results, nil
}

func (s *Store) nextSequence(ctx context.Context, q querier, name string) (int64, error) {
	if err := s.ensureSequences(ctx, q); err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf(
		"INSERT INTO %[1]s (name, value) VALUES (%[2]s, 1) ON CONFLICT (name) DO UPDATE SET value = %[1]s.value + 1 RETURNING value",
		quote(s.prefix+sequenceTable), s.dialect.placeholder(1))

	var n int64
	if err := q.QueryRowContext(ctx, stmt, name).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to increment sequence %s: %w", name, err)
	}
	return n, nil
}

func (s *Store) ensureSequences(ctx context.Context, q querier) error {
	if _, ok := s.tables.Load(sequenceTable); ok {
		return nil
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, value BIGINT NOT NULL)", quote(s.prefix+sequenceTable))
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create sequence table: %w", err)
	}
	s.tables.Store(sequenceTable, true)
	return nil
}

func (s *Store) convertError(coll string, id any, err error) error {
	if s.dialect.duplicate != nil && s.dialect.duplicate(err) {
		return fmt.Errorf("%w: %s %v", storage.ErrDuplicateKey, coll, id)
	}
	return err
}

// idKeys returns the normalized identifiers of a filter whose _id
// condition is an equality or an $in list
func idKeys(filter storage.Filter) ([]string, bool) {
	cond, ok := filter[document.KeyID]
	if !ok || cond == nil {
		return nil, false
	}
	if m, isMap := cond.(map[string]any); isMap {
		if len(m) != 1 {
			return nil, false
		}
		in, ok := m["$in"].([]any)
		if !ok {
			return nil, false
		}
		keys := make([]string, len(in))
		for i, id := range in {
			keys[i] = storage.NormalizeID(id)
		}
		return keys, true
	}
	return []string{storage.NormalizeID(cond)}, true
}

func decode(body []byte) (document.Raw, error) {
	var doc document.Raw
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Tx runs batches inside one SQL transaction. Each batch is guarded by a
// savepoint so a failed batch leaves earlier batches intact.
type Tx struct {
	store *Store
	tx    *sql.Tx
}

// Commit commits the transaction
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the transaction
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

func (t *Tx) withSavepoint(ctx context.Context, fn func(q querier) ([]storage.Result, error)) ([]storage.Result, error) {
	name := fmt.Sprintf("odm_batch_%d", savepointCounter.Add(1))
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("failed to create savepoint: %w", err)
	}

	results, err := fn(t.tx)
	if err == nil {
		if _, failed := storage.FirstError(results); failed == nil {
			if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
				return nil, fmt.Errorf("failed to release savepoint: %w", err)
			}
			return results, nil
		}
	}
	if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
		return nil, fmt.Errorf("failed to rollback to savepoint: %w", rbErr)
	}
	return results, err
}

// Find implements storage.DocumentStorage
func (t *Tx) Find(ctx context.Context, coll string, filter storage.Filter, opts storage.FindOptions) (storage.Cursor, error) {
	return t.store.find(ctx, t.tx, coll, filter, opts)
}

// Count implements storage.Counter
func (t *Tx) Count(ctx context.Context, coll string, filter storage.Filter) (int, error) {
	return t.store.count(ctx, t.tx, coll, filter)
}

// Insert implements storage.DocumentStorage
func (t *Tx) Insert(ctx context.Context, coll string, docs []document.Raw) ([]storage.Result, error) {
	if err := t.store.ensureTable(ctx, t.tx, coll); err != nil {
		return nil, err
	}
	return t.withSavepoint(ctx, func(q querier) ([]storage.Result, error) {
		return t.store.insert(ctx, q, coll, docs)
	})
}

// Update implements storage.DocumentStorage
func (t *Tx) Update(ctx context.Context, coll string, updates []storage.Update) ([]storage.Result, error) {
	if err := t.store.ensureTable(ctx, t.tx, coll); err != nil {
		return nil, err
	}
	return t.withSavepoint(ctx, func(q querier) ([]storage.Result, error) {
		return t.store.update(ctx, q, coll, updates)
	})
}

// Delete implements storage.DocumentStorage
func (t *Tx) Delete(ctx context.Context, coll string, ids []any) ([]storage.Result, error) {
	if err := t.store.ensureTable(ctx, t.tx, coll); err != nil {
		return nil, err
	}
	return t.withSavepoint(ctx, func(q querier) ([]storage.Result, error) {
		return t.store.delete(ctx, q, coll, ids)
	})
}

// NextSequence implements storage.Sequencer
func (t *Tx) NextSequence(ctx context.Context, name string) (int64, error) {
	return t.store.nextSequence(ctx, t.tx, name)
}
