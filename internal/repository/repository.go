// Package repository provides a thin generic CRUD layer over
// database/sql. Column mapping comes from `db` struct tags, resolved
// once per entity type; every query parameter is bound, never
// interpolated into SQL text. WithTx delimits scoped transactions
// with rollback guaranteed on every non-commit path.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/sndwch/cliffracer-sub001/internal/errz"
)

// Queryer is the querying surface shared by *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Filters narrows a query by column equality. Keys must name mapped
// columns; values travel as bound parameters.
type Filters map[string]any

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type column struct {
	name  string
	index []int
}

// mapping is the resolved db-tag layout of one entity type.
type mapping struct {
	columns []column
	byName  map[string]int
	id      int
	created int
	updated int
}

var mappingCache sync.Map

func mappingFor(t reflect.Type) (*mapping, error) {
	if cached, ok := mappingCache.Load(t); ok {
		return cached.(*mapping), nil
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: entity type %s is not a struct", errz.ErrConfiguration, t)
	}

	m := &mapping{byName: make(map[string]int), id: -1, created: -1, updated: -1}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		if !f.IsExported() {
			return nil, fmt.Errorf("%w: db tag on unexported field %s.%s", errz.ErrConfiguration, t, f.Name)
		}
		if !identPattern.MatchString(tag) {
			return nil, fmt.Errorf("%w: invalid column name %q on %s.%s", errz.ErrConfiguration, tag, t, f.Name)
		}
		if _, dup := m.byName[tag]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q on %s", errz.ErrConfiguration, tag, t)
		}
		idx := len(m.columns)
		m.byName[tag] = idx
		m.columns = append(m.columns, column{name: tag, index: f.Index})
		switch tag {
		case "id":
			m.id = idx
		case "created_at":
			m.created = idx
		case "updated_at":
			m.updated = idx
		}
	}
	if len(m.columns) == 0 {
		return nil, fmt.Errorf("%w: entity type %s has no db-tagged fields", errz.ErrConfiguration, t)
	}
	mappingCache.Store(t, m)
	return m, nil
}

// Repository provides typed CRUD for one table.
type Repository[T any] struct {
	q          Queryer
	table      string
	m          *mapping
	selectList string
	now        func() time.Time
	newID      func() string
}

// Option configures a Repository.
type Option[T any] func(*Repository[T])

// WithClock overrides the timestamp source used by Create and Update.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(r *Repository[T]) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDFunc overrides how Create mints IDs for entities without one.
func WithIDFunc[T any](newID func() string) Option[T] {
	return func(r *Repository[T]) {
		if newID != nil {
			r.newID = newID
		}
	}
}

// New builds a repository for entity type T stored in table.
func New[T any](db *sql.DB, table string, opts ...Option[T]) (*Repository[T], error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database handle", errz.ErrConfiguration)
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("%w: invalid table name %q", errz.ErrConfiguration, table)
	}
	m, err := mappingFor(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}

	names := make([]string, len(m.columns))
	for i, c := range m.columns {
		names[i] = c.name
	}
	r := &Repository[T]{
		q:          db,
		table:      table,
		m:          m,
		selectList: strings.Join(names, ", "),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.Must(uuid.NewV4()).String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Tx returns a view of the repository whose operations run on tx.
func (r *Repository[T]) Tx(tx *sql.Tx) *Repository[T] {
	cp := *r
	cp.q = tx
	return &cp
}

// Create inserts entity, first assigning a fresh ID and timestamps to
// unset fields. The entity is updated in place.
func (r *Repository[T]) Create(ctx context.Context, entity *T) error {
	if entity == nil {
		return fmt.Errorf("%w: nil entity", errz.ErrConfiguration)
	}
	v := reflect.ValueOf(entity).Elem()

	if r.m.id >= 0 {
		field := v.FieldByIndex(r.m.columns[r.m.id].index)
		if field.Kind() == reflect.String && field.String() == "" {
			field.SetString(r.newID())
		}
	}
	stamp := r.now()
	for _, idx := range []int{r.m.created, r.m.updated} {
		if idx < 0 {
			continue
		}
		field := v.FieldByIndex(r.m.columns[idx].index)
		if ts, ok := field.Interface().(time.Time); ok && ts.IsZero() {
			field.Set(reflect.ValueOf(stamp))
		}
	}

	holders := make([]string, len(r.m.columns))
	args := make([]any, len(r.m.columns))
	for i, c := range r.m.columns {
		holders[i] = "?"
		args[i] = v.FieldByIndex(c.index).Interface()
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		r.table, r.selectList, strings.Join(holders, ", "))
	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: insert into %s: %w", errz.ErrConnection, r.table, err)
	}
	return nil
}

// Get fetches the entity with id. A missing row is NotFound.
func (r *Repository[T]) Get(ctx context.Context, id any) (*T, error) {
	if r.m.id < 0 {
		return nil, fmt.Errorf("%w: entity for %s has no id column", errz.ErrConfiguration, r.table)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", r.selectList, r.table)
	entity, err := r.queryOne(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, fmt.Errorf("%w: %s id %v", errz.ErrNotFound, r.table, id)
	}
	return entity, nil
}

// FindOne returns the first match in id order, or nil when nothing
// matches.
func (r *Repository[T]) FindOne(ctx context.Context, filters Filters) (*T, error) {
	where, args, err := r.where(filters)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s%s LIMIT 1",
		r.selectList, r.table, where, r.orderByID())
	return r.queryOne(ctx, query, args...)
}

// FindBy returns every match in id order.
func (r *Repository[T]) FindBy(ctx context.Context, filters Filters) ([]T, error) {
	where, args, err := r.where(filters)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s%s",
		r.selectList, r.table, where, r.orderByID())
	return r.queryAll(ctx, query, args...)
}

// Update applies changes to the row with id and returns the updated
// entity. updated_at is refreshed unless the changes set it
// explicitly.
func (r *Repository[T]) Update(ctx context.Context, id any, changes map[string]any) (*T, error) {
	if r.m.id < 0 {
		return nil, fmt.Errorf("%w: entity for %s has no id column", errz.ErrConfiguration, r.table)
	}
	if len(changes) == 0 {
		return nil, fmt.Errorf("%w: update of %s with no changes", errz.ErrValidation, r.table)
	}

	cols := make([]string, 0, len(changes))
	for col := range changes {
		if col == "id" {
			return nil, fmt.Errorf("%w: cannot change id of %s", errz.ErrValidation, r.table)
		}
		if _, ok := r.m.byName[col]; !ok {
			return nil, fmt.Errorf("%w: unknown column %q for %s", errz.ErrConfiguration, col, r.table)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	for _, col := range cols {
		sets = append(sets, col+" = ?")
		args = append(args, changes[col])
	}
	if _, explicit := changes["updated_at"]; !explicit && r.m.updated >= 0 {
		sets = append(sets, "updated_at = ?")
		args = append(args, r.now())
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", r.table, strings.Join(sets, ", "))
	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: update %s: %w", errz.ErrConnection, r.table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: update %s: %w", errz.ErrConnection, r.table, err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s id %v", errz.ErrNotFound, r.table, id)
	}
	return r.Get(ctx, id)
}

// Delete removes the row with id and reports whether one existed.
func (r *Repository[T]) Delete(ctx context.Context, id any) (bool, error) {
	if r.m.id < 0 {
		return false, fmt.Errorf("%w: entity for %s has no id column", errz.ErrConfiguration, r.table)
	}
	result, err := r.q.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", r.table), id)
	if err != nil {
		return false, fmt.Errorf("%w: delete from %s: %w", errz.ErrConnection, r.table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: delete from %s: %w", errz.ErrConnection, r.table, err)
	}
	return affected > 0, nil
}

// Count reports how many rows match the filters.
func (r *Repository[T]) Count(ctx context.Context, filters Filters) (int64, error) {
	where, args, err := r.where(filters)
	if err != nil {
		return 0, err
	}
	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", r.table, where)
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count %s: %w", errz.ErrConnection, r.table, err)
	}
	return n, nil
}

// Exists reports whether any row matches the filters.
func (r *Repository[T]) Exists(ctx context.Context, filters Filters) (bool, error) {
	where, args, err := r.where(filters)
	if err != nil {
		return false, err
	}
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s%s)", r.table, where)
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("%w: exists %s: %w", errz.ErrConnection, r.table, err)
	}
	return exists, nil
}

// List returns one page of rows in id order.
func (r *Repository[T]) List(ctx context.Context, limit, offset int) ([]T, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: list limit must be positive", errz.ErrValidation)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: list offset cannot be negative", errz.ErrValidation)
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s LIMIT ? OFFSET ?",
		r.selectList, r.table, r.orderByID())
	return r.queryAll(ctx, query, limit, offset)
}

func (r *Repository[T]) where(filters Filters) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	cols := make([]string, 0, len(filters))
	for col := range filters {
		if _, ok := r.m.byName[col]; !ok {
			return "", nil, fmt.Errorf("%w: unknown filter column %q for %s", errz.ErrConfiguration, col, r.table)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	clauses := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		clauses[i] = col + " = ?"
		args[i] = filters[col]
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (r *Repository[T]) orderByID() string {
	if r.m.id < 0 {
		return ""
	}
	return " ORDER BY id"
}

func (r *Repository[T]) queryOne(ctx context.Context, query string, args ...any) (*T, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %w", errz.ErrConnection, r.table, err)
	}
	defer rows.Close()

	if rows.Next() {
		return r.scan(rows)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query %s: %w", errz.ErrConnection, r.table, err)
	}
	return nil, nil
}

func (r *Repository[T]) queryAll(ctx context.Context, query string, args ...any) ([]T, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %w", errz.ErrConnection, r.table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		entity, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query %s: %w", errz.ErrConnection, r.table, err)
	}
	return out, nil
}

func (r *Repository[T]) scan(rows *sql.Rows) (*T, error) {
	entity := new(T)
	v := reflect.ValueOf(entity).Elem()
	dest := make([]any, len(r.m.columns))
	for i, c := range r.m.columns {
		dest[i] = v.FieldByIndex(c.index).Addr().Interface()
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("%w: scan %s row: %w", errz.ErrConnection, r.table, err)
	}
	return entity, nil
}

// WithTx runs fn inside a transaction. The transaction commits only
// when fn returns nil; any error, or a panic unwinding through here,
// rolls it back.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", errz.ErrConnection, err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit transaction: %w", errz.ErrConnection, err)
	}
	committed = true
	return nil
}
