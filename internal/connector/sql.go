package connector

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/kiranshivaraju/factoryetl/internal/frame"
)

// SQLConnector implements Connector over database/sql for every relational kind.
type SQLConnector struct {
	kind    Kind
	driver  string
	dsn     string
	dialect Dialect
	db      *sql.DB
}

// NewSQLConnector builds a connector for an explicit driver and DSN.
func NewSQLConnector(kind Kind, driver, dsn string) *SQLConnector {
	return &SQLConnector{kind: kind, driver: driver, dsn: dsn, dialect: kind.Dialect()}
}

func (c *SQLConnector) Kind() Kind        { return c.kind }
func (c *SQLConnector) Dialect() Dialect { return c.dialect }

func (c *SQLConnector) Connect(ctx context.Context) error {
	if c.db != nil {
		return nil
	}
	db, err := sql.Open(c.driver, c.dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", c.driver, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping %s: %w", c.driver, err)
	}
	c.db = db
	return nil
}

func (c *SQLConnector) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func (c *SQLConnector) RunQuery(ctx context.Context, query string, args ...any) (*frame.Frame, error) {
	if c.db == nil {
		return nil, ErrNotConnected
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	out := frame.Empty(cols...)
	for rows.Next() {
		vals, err := scanRow(rows, len(cols))
		if err != nil {
			return nil, err
		}
		out.Append(vals...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func (c *SQLConnector) FetchMany(ctx context.Context, query string, pageSize int, args ...any) iter.Seq2[*frame.Frame, error] {
	return once(func(yield func(*frame.Frame, error) bool) {
		if c.db == nil {
			yield(nil, ErrNotConnected)
			return
		}
		if pageSize <= 0 {
			pageSize = 1
		}
		rows, err := c.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("fetch many: %w", err))
			return
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			yield(nil, fmt.Errorf("read columns: %w", err))
			return
		}

		page := frame.Empty(cols...)
		for rows.Next() {
			vals, err := scanRow(rows, len(cols))
			if err != nil {
				yield(nil, err)
				return
			}
			page.Append(vals...)
			if page.Len() >= pageSize {
				if !yield(page, nil) {
					return
				}
				page = frame.Empty(cols...)
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("iterate rows: %w", err))
			return
		}
		if page.Len() > 0 {
			yield(page, nil)
		}
	})
}

func (c *SQLConnector) MinMax(ctx context.Context, q MinMaxQuery) (any, any, error) {
	col := c.dialect.Quote(q.Column)
	query := fmt.Sprintf("SELECT MIN(%s) AS min_value, MAX(%s) AS max_value FROM %s", col, col, c.dialect.Quote(q.Table))
	if strings.TrimSpace(q.Where) != "" {
		query += " WHERE " + q.Where
	}
	f, err := c.RunQuery(ctx, query, q.Args...)
	if err != nil {
		return nil, nil, fmt.Errorf("min/max of %s: %w", q.Column, err)
	}
	if f.Len() == 0 {
		return nil, nil, nil
	}
	cols := f.Columns()
	return f.Value(0, cols[0]), f.Value(0, cols[1]), nil
}

func (c *SQLConnector) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if c.db == nil {
		return 0, ErrNotConnected
	}
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func scanRow(rows *sql.Rows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	for i, v := range vals {
		vals[i] = frame.Normalize(v)
	}
	return vals, nil
}
