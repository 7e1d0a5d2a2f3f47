package migration

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/jackc/pgx/v5"
)

// Row is a record read by a TableMover, keyed by column name.
type Row map[string]any

// TableMover moves rows of one table between nodes.
type TableMover struct {
	sources      *DataSources
	table        string
	idColumn     string
	columns      []string
	dependencies []Dependency
}

var _ Mover = (*TableMover)(nil)

// NewTableMover creates a mover for table. columns lists every column to move;
// idColumn is added when missing.
func NewTableMover(sources *DataSources, table, idColumn string, columns ...string) *TableMover {
	cols := []string{idColumn}
	for _, c := range columns {
		if c != idColumn {
			cols = append(cols, c)
		}
	}
	return &TableMover{
		sources:  sources,
		table:    table,
		idColumn: idColumn,
		columns:  cols,
	}
}

// DependsOn registers child rows that move with this table's rows.
func (t *TableMover) DependsOn(mover Mover, locator KeyLocator) *TableMover {
	t.dependencies = append(t.dependencies, Dependency{Mover: mover, Locator: locator})
	return t
}

// Dependencies returns the registered child record types in copy order
func (t *TableMover) Dependencies() []Dependency {
	return t.dependencies
}

func (t *TableMover) Get(ctx context.Context, id any, node *model.Node) (any, error) {
	pool, err := t.sources.Get(ctx, node)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, t.selectSQL(), id)
	if err != nil {
		return nil, hiveerrors.Storage(fmt.Sprintf("read %s", t.table), err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToMap)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, hiveerrors.KeyNotFound(t.table, id)
		}
		return nil, hiveerrors.Storage(fmt.Sprintf("read %s", t.table), err)
	}
	return Row(row), nil
}

func (t *TableMover) Copy(ctx context.Context, item any, node *model.Node) error {
	row, err := t.row(item)
	if err != nil {
		return err
	}
	pool, err := t.sources.Get(ctx, node)
	if err != nil {
		return err
	}
	args := make([]any, len(t.columns))
	for i, c := range t.columns {
		args[i] = row[c]
	}
	if _, err := pool.Exec(ctx, t.upsertSQL(), args...); err != nil {
		return hiveerrors.Storage(fmt.Sprintf("copy %s", t.table), err)
	}
	return nil
}

func (t *TableMover) Delete(ctx context.Context, item any, node *model.Node) error {
	row, err := t.row(item)
	if err != nil {
		return err
	}
	pool, err := t.sources.Get(ctx, node)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, t.deleteSQL(), row[t.idColumn]); err != nil {
		return hiveerrors.Storage(fmt.Sprintf("delete %s", t.table), err)
	}
	return nil
}

func (t *TableMover) row(item any) (Row, error) {
	switch r := item.(type) {
	case Row:
		return r, nil
	case map[string]any:
		return Row(r), nil
	}
	return nil, hiveerrors.InvalidArgument(fmt.Sprintf("%s mover cannot handle %T", t.table, item), nil)
}

func (t *TableMover) selectSQL() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		quoteAll(t.columns), quote(t.table), quote(t.idColumn))
}

func (t *TableMover) upsertSQL() string {
	placeholders := make([]string, len(t.columns))
	for i := range t.columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	conflict := "DO NOTHING"
	if len(t.columns) > 1 {
		sets := make([]string, 0, len(t.columns)-1)
		for _, c := range t.columns[1:] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quote(c), quote(c)))
		}
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		quote(t.table), quoteAll(t.columns), strings.Join(placeholders, ", "), quote(t.idColumn), conflict)
}

func (t *TableMover) deleteSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = $1", quote(t.table), quote(t.idColumn))
}

// ColumnLocator finds child keys by a parent-key column of the child table.
type ColumnLocator struct {
	sources      *DataSources
	table        string
	keyColumn    string
	parentColumn string
}

var _ KeyLocator = (*ColumnLocator)(nil)

// NewColumnLocator creates a locator returning keyColumn of every row of table
// whose parentColumn equals the parent key.
func NewColumnLocator(sources *DataSources, table, keyColumn, parentColumn string) *ColumnLocator {
	return &ColumnLocator{
		sources:      sources,
		table:        table,
		keyColumn:    keyColumn,
		parentColumn: parentColumn,
	}
}

func (l *ColumnLocator) FindAll(ctx context.Context, parentKey any, node *model.Node) ([]any, error) {
	pool, err := l.sources.Get(ctx, node)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, l.findSQL(), parentKey)
	if err != nil {
		return nil, hiveerrors.Storage(fmt.Sprintf("locate %s", l.table), err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[any])
	if err != nil {
		return nil, hiveerrors.Storage(fmt.Sprintf("locate %s", l.table), err)
	}
	return keys, nil
}

func (l *ColumnLocator) findSQL() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 ORDER BY %s",
		quote(l.keyColumn), quote(l.table), quote(l.parentColumn), quote(l.keyColumn))
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quote(n)
	}
	return strings.Join(quoted, ", ")
}
