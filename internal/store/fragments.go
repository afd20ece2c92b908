package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/docstore/internal/row"
)

// identRe matches table and column names that are safe to interpolate.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// posColumn orders the elements of a collection fragment.
const posColumn = "pos"

func checkIdent(op, name string) error {
	if !identRe.MatchString(name) {
		return wrap(op, fmt.Errorf("invalid identifier %q", name))
	}
	return nil
}

func quote(name string) string {
	return `"` + name + `"`
}

// CreateFragmentTable creates a fragment table if it does not exist.
// Single-row tables get (id PRIMARY KEY, columns...); collection tables get
// (id, pos, columns..., PRIMARY KEY(id, pos)).
func (m *Mapper) CreateFragmentTable(ctx context.Context, table string, columns []string, collection bool) error {
	const op = "create fragment table"
	if err := checkIdent(op, table); err != nil {
		return err
	}
	defs := make([]string, 0, len(columns)+3)
	if collection {
		defs = append(defs, quote(row.MainKey)+" NOT NULL", quote(posColumn)+" INTEGER NOT NULL")
	} else {
		defs = append(defs, quote(row.MainKey)+" PRIMARY KEY NOT NULL")
	}
	for _, c := range columns {
		if err := checkIdent(op, c); err != nil {
			return err
		}
		defs = append(defs, quote(c))
	}
	if collection {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s, %s)", quote(row.MainKey), quote(posColumn)))
	}
	q, err := m.q(op)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(table), strings.Join(defs, ", "))
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return m.fail(op, err)
	}
	return nil
}

// ReadSimpleRow reads one single-row fragment. It returns (nil, nil) when
// the row does not exist.
func (m *Mapper) ReadSimpleRow(ctx context.Context, id row.RowId) (*row.Row, error) {
	const op = "read simple row"
	if r, ok := m.cacheGet(id); ok {
		return r, nil
	}
	if err := checkIdent(op, id.Table); err != nil {
		return nil, err
	}
	q, err := m.q(op)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", quote(id.Table), quote(row.MainKey)),
		id.ID,
	)
	if err != nil {
		return nil, m.fail(op, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, m.fail(op, err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, m.fail(op, err)
		}
		return nil, nil
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, m.fail(op, err)
	}

	r := row.New(id.Table, id.ID)
	for i, c := range cols {
		if c == row.MainKey {
			continue
		}
		r.PutNew(c, normalize(vals[i]))
	}
	m.cachePut(r)
	return r, nil
}

// InsertSimpleRows inserts single-row fragments into table.
// A duplicate id fails with ErrCodeConcurrentUpdate.
func (m *Mapper) InsertSimpleRows(ctx context.Context, table string, rows []*row.Row) error {
	const op = "insert simple rows"
	if err := checkIdent(op, table); err != nil {
		return err
	}
	q, err := m.q(op)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if r.IsCollection() {
			return wrap(op, fmt.Errorf("collection row %s", r.RowId))
		}
		if r.Table != table {
			return wrap(op, fmt.Errorf("row %s does not belong to table %s", r.RowId, table))
		}
		keys, values := r.Keys(), r.Values()
		cols := make([]string, 0, len(keys)+1)
		cols = append(cols, quote(row.MainKey))
		args := make([]any, 0, len(keys)+1)
		args = append(args, r.ID)
		for i, k := range keys {
			if err := checkIdent(op, k); err != nil {
				return err
			}
			cols = append(cols, quote(k))
			args = append(args, values[i])
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quote(table), strings.Join(cols, ", "), placeholders(len(cols)))
		if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
			return m.fail(op, err)
		}
		m.cachePut(r)
	}
	return nil
}

// UpdateSimpleRow writes the stored columns of r over an existing row.
// It returns false if no row matched.
func (m *Mapper) UpdateSimpleRow(ctx context.Context, r *row.Row) (bool, error) {
	const op = "update simple row"
	if err := checkIdent(op, r.Table); err != nil {
		return false, err
	}
	keys := r.Keys()
	if len(keys) == 0 {
		return false, nil
	}
	q, err := m.q(op)
	if err != nil {
		return false, err
	}
	sets := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	values := r.Values()
	for i, k := range keys {
		if err := checkIdent(op, k); err != nil {
			return false, err
		}
		sets[i] = quote(k) + " = ?"
		args = append(args, values[i])
	}
	args = append(args, r.ID)
	res, err := q.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", quote(r.Table), strings.Join(sets, ", "), quote(row.MainKey)),
		args...,
	)
	if err != nil {
		return false, m.fail(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, m.fail(op, err)
	}
	// Partial rows must not shadow the full stored row.
	m.cacheDelete(r.RowId)
	return n > 0, nil
}

// DeleteSimpleRows deletes the rows of table with the given ids.
func (m *Mapper) DeleteSimpleRows(ctx context.Context, table string, ids []any) error {
	const op = "delete simple rows"
	if len(ids) == 0 {
		return nil
	}
	if err := checkIdent(op, table); err != nil {
		return err
	}
	q, err := m.q(op)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
		quote(table), quote(row.MainKey), placeholders(len(ids)))
	if _, err := q.ExecContext(ctx, stmt, ids...); err != nil {
		return m.fail(op, err)
	}
	for _, id := range ids {
		m.cacheDelete(row.RowId{Table: table, ID: id})
	}
	return nil
}

// ReadCollectionRow reads the elements of a collection fragment stored in
// column, in position order. A missing collection reads as empty.
func (m *Mapper) ReadCollectionRow(ctx context.Context, id row.RowId, column string) (*row.Row, error) {
	const op = "read collection row"
	if r, ok := m.cacheGet(id); ok && r.IsCollection() {
		return r, nil
	}
	if err := errors.Join(checkIdent(op, id.Table), checkIdent(op, column)); err != nil {
		return nil, err
	}
	q, err := m.q(op)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY %s",
			quote(column), quote(id.Table), quote(row.MainKey), quote(posColumn)),
		id.ID,
	)
	if err != nil {
		return nil, m.fail(op, err)
	}
	defer rows.Close()

	var values []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, m.fail(op, err)
		}
		values = append(values, normalize(v))
	}
	if err := rows.Err(); err != nil {
		return nil, m.fail(op, err)
	}
	r := row.NewCollection(id.Table, id.ID, values)
	m.cachePut(r)
	return r, nil
}

// WriteCollectionRow replaces every element of a collection fragment.
func (m *Mapper) WriteCollectionRow(ctx context.Context, r *row.Row, column string) error {
	const op = "write collection row"
	if !r.IsCollection() {
		return wrap(op, fmt.Errorf("row %s is not a collection", r.RowId))
	}
	if err := errors.Join(checkIdent(op, r.Table), checkIdent(op, column)); err != nil {
		return err
	}
	q, err := m.q(op)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(r.Table), quote(row.MainKey)),
		r.ID,
	); err != nil {
		return m.fail(op, err)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s, %s, %s) VALUES (?, ?, ?)",
		quote(r.Table), quote(row.MainKey), quote(posColumn), quote(column))
	for pos, v := range r.Values() {
		if _, err := q.ExecContext(ctx, stmt, r.ID, pos, v); err != nil {
			return m.fail(op, err)
		}
	}
	m.cachePut(r)
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// normalize turns driver byte slices into strings; fragment values are
// scalar.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
