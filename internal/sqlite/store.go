// Package sqlite implements the store contract over a SQLite database.
// The schema is generated from a solidified model registry: one table per
// model, one column per stored property.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
	"github.com/loomstack/loom/pkg/store"
)

// maxRetries bounds how many times Transact re-runs a function that
// failed with a busy database.
const maxRetries = 3

// Compile-time interface check: Store must implement store.Store.
var _ store.Store = (*Store)(nil)

// Store is a store.Store backed by one SQLite database file. Safe for
// concurrent use; writes serialize through SQLite's own locking.
type Store struct {
	db  *sql.DB
	reg *meta.Registry
	log *zap.Logger
}

// Open opens (creating if needed) the database at path and ensures a
// table exists for every model in the registry. The registry must be
// solidified. A nil logger is replaced with a no-op logger.
func Open(path string, reg *meta.Registry, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}

	s := &Store{db: db, reg: reg, log: log}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	models, err := s.reg.Models()
	if err != nil {
		return err
	}
	for _, m := range models {
		ddl := createTableDDL(m)
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("create table for %s: %w", m.Name, err)
		}
	}
	s.log.Debug("schema ensured", zap.Int("models", len(models)))
	return nil
}

// querier is the common subset of *sql.DB and *sql.Tx used by reads.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Get implements store.Reader.
func (s *Store) Get(ctx context.Context, m *meta.Model, key any) (*model.Record, error) {
	return getRow(ctx, s.db, m, key)
}

// List implements store.Reader.
func (s *Store) List(ctx context.Context, m *meta.Model, q store.Query) ([]*model.Record, error) {
	return listRows(ctx, s.db, m, q)
}

// Count implements store.Reader.
func (s *Store) Count(ctx context.Context, m *meta.Model, q store.Query) (int, error) {
	return countRows(ctx, s.db, m, q)
}

// Transact implements store.Store. The function runs inside one
// transaction; a busy-database failure rolls back and re-runs it from
// scratch, up to maxRetries attempts.
func (s *Store) Transact(ctx context.Context, fn func(tx store.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
			s.log.Debug("retrying transaction", zap.Int("attempt", attempt+1))
		}

		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	tx := &storeTx{q: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// isBusy reports whether the error is SQLite contention worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// storeTx is the store.Tx over one open *sql.Tx.
type storeTx struct {
	q *sql.Tx
}

func (t *storeTx) Get(ctx context.Context, m *meta.Model, key any) (*model.Record, error) {
	return getRow(ctx, t.q, m, key)
}

func (t *storeTx) List(ctx context.Context, m *meta.Model, q store.Query) ([]*model.Record, error) {
	return listRows(ctx, t.q, m, q)
}

func (t *storeTx) Count(ctx context.Context, m *meta.Model, q store.Query) (int, error) {
	return countRows(ctx, t.q, m, q)
}

// Upsert inserts or updates rec by primary key. A record without a key
// gets one assigned: UUID v7 for string keys, the rowid for integer keys.
func (t *storeTx) Upsert(ctx context.Context, rec *model.Record) (any, error) {
	m := rec.Model()
	keyProp := m.KeyProp()
	key := rec.Key()

	if model.KeyAbsent(key) && keyProp.Type == meta.TypeString {
		key = newID()
		rec.SetKey(key)
	}

	cols := storedProps(m)
	if model.KeyAbsent(key) {
		// Integer key assigned by the database.
		names := make([]string, 0, len(cols))
		marks := make([]string, 0, len(cols))
		args := make([]any, 0, len(cols))
		for _, p := range cols {
			if p == keyProp {
				continue
			}
			names = append(names, quote(p.Name))
			marks = append(marks, "?")
			args = append(args, toColumn(p, rec.Get(p.Name)))
		}
		res, err := t.q.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)",
			quote(tableName(m)), strings.Join(names, ", "), strings.Join(marks, ", ")), args...)
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", m.Name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", m.Name, err)
		}
		rec.SetKey(id)
		return id, nil
	}

	// Explicit key: insert or update in place.
	var exists int
	err := t.q.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT 1 FROM %s WHERE %s = ?", quote(tableName(m)), quote(keyProp.Name)),
		toColumn(keyProp, key)).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("probe %s %v: %w", m.Name, key, err)
	}

	if err == sql.ErrNoRows {
		names := make([]string, 0, len(cols))
		marks := make([]string, 0, len(cols))
		args := make([]any, 0, len(cols))
		for _, p := range cols {
			names = append(names, quote(p.Name))
			marks = append(marks, "?")
			args = append(args, toColumn(p, rec.Get(p.Name)))
		}
		_, err = t.q.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)",
			quote(tableName(m)), strings.Join(names, ", "), strings.Join(marks, ", ")), args...)
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", m.Name, err)
		}
		return key, nil
	}

	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for _, p := range cols {
		if p == keyProp {
			continue
		}
		sets = append(sets, quote(p.Name)+" = ?")
		args = append(args, toColumn(p, rec.Get(p.Name)))
	}
	args = append(args, toColumn(keyProp, key))
	_, err = t.q.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = ?",
		quote(tableName(m)), strings.Join(sets, ", "), quote(keyProp.Name)), args...)
	if err != nil {
		return nil, fmt.Errorf("update %s %v: %w", m.Name, key, err)
	}
	return key, nil
}

// Delete removes the row with the given key.
func (t *storeTx) Delete(ctx context.Context, m *meta.Model, key any) error {
	res, err := t.q.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE %s = ?", quote(tableName(m)), quote(m.KeyProp().Name)),
		toColumn(m.KeyProp(), key))
	if err != nil {
		return fmt.Errorf("delete %s %v: %w", m.Name, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s %v: %w", m.Name, key, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// newID generates a UUID v7 for string primary keys, falling back to v4
// if v7 generation fails.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func getRow(ctx context.Context, q querier, m *meta.Model, key any) (*model.Record, error) {
	cols := storedProps(m)
	names := make([]string, 0, len(cols))
	for _, p := range cols {
		names = append(names, quote(p.Name))
	}
	row := q.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ?",
		strings.Join(names, ", "), quote(tableName(m)), quote(m.KeyProp().Name)),
		toColumn(m.KeyProp(), key))

	rec, err := scanRecord(row, m, cols)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %v: %w", m.Name, key, err)
	}
	return rec, nil
}

func listRows(ctx context.Context, q querier, m *meta.Model, query store.Query) ([]*model.Record, error) {
	cols := storedProps(m)
	names := make([]string, 0, len(cols))
	for _, p := range cols {
		names = append(names, quote(p.Name))
	}

	where, args, err := buildWhere(m, query)
	if err != nil {
		return nil, err
	}

	sqlText := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(names, ", "), quote(tableName(m)), where)
	if query.OrderBy != "" {
		p := m.Prop(query.OrderBy)
		if p == nil {
			return nil, fmt.Errorf("order by %q: %w", query.OrderBy, meta.ErrPropNotFound)
		}
		sqlText += " ORDER BY " + quote(p.Name)
		if query.Descending {
			sqlText += " DESC"
		}
	} else {
		sqlText += " ORDER BY " + quote(m.KeyProp().Name)
	}
	if query.Limit > 0 {
		sqlText += fmt.Sprintf(" LIMIT %d", query.Limit)
		if query.Offset > 0 {
			sqlText += fmt.Sprintf(" OFFSET %d", query.Offset)
		}
	}

	rows, err := q.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", m.Name, err)
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows, m, cols)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", m.Name, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func countRows(ctx context.Context, q querier, m *meta.Model, query store.Query) (int, error) {
	where, args, err := buildWhere(m, query)
	if err != nil {
		return 0, err
	}
	var n int
	err = q.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s%s", quote(tableName(m)), where), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", m.Name, err)
	}
	return n, nil
}

// buildWhere assembles the WHERE clause for the query's equality filters
// and substring search. Filter names must be declared properties.
func buildWhere(m *meta.Model, query store.Query) (string, []any, error) {
	var clauses []string
	var args []any

	for _, p := range m.Props {
		want, ok := query.Filter[p.Name]
		if !ok {
			continue
		}
		if want == nil {
			clauses = append(clauses, quote(p.Name)+" IS NULL")
			continue
		}
		clauses = append(clauses, quote(p.Name)+" = ?")
		args = append(args, toColumn(p, want))
	}
	for name := range query.Filter {
		if m.Prop(name) == nil {
			return "", nil, fmt.Errorf("filter %q: %w", name, meta.ErrPropNotFound)
		}
	}

	if query.Search != "" {
		var likes []string
		for _, p := range m.Props {
			if p.Role == meta.RoleValue && p.Type == meta.TypeString {
				likes = append(likes, quote(p.Name)+" LIKE ?")
				args = append(args, "%"+query.Search+"%")
			}
		}
		if len(likes) > 0 {
			clauses = append(clauses, "("+strings.Join(likes, " OR ")+")")
		}
	}

	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, m *meta.Model, cols []*meta.Property) (*model.Record, error) {
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		return nil, err
	}
	rec := model.NewRecord(m)
	for i, p := range cols {
		v, err := fromColumn(p, raw[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", p.Name, err)
		}
		if v != nil {
			_ = rec.Set(p.Name, v)
		}
	}
	return rec, nil
}
