// Package mysqltest 提供按脚本回放的 database/sql 驱动，用于在没有 MySQL
// 的环境下校验仓库层发出的 SQL 顺序。
package mysqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type opType int

const (
	opExec opType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (o opType) String() string {
	switch o {
	case opExec:
		return "exec"
	case opQuery:
		return "query"
	case opBegin:
		return "begin"
	case opCommit:
		return "commit"
	case opRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Op is one expected driver call.
type Op struct {
	typ    opType
	query  string
	result Result
	rows   Rows
	err    error
	check  func(args []driver.NamedValue) error
}

// WithErr makes the operation fail with err.
func (o Op) WithErr(err error) Op {
	o.err = err
	return o
}

// WithArgs asserts the positional arguments the statement receives.
func (o Op) WithArgs(want ...any) Op {
	o.check = func(args []driver.NamedValue) error {
		if len(args) != len(want) {
			return fmt.Errorf("want %d args, got %d", len(want), len(args))
		}
		for i, w := range want {
			if fmt.Sprint(args[i].Value) != fmt.Sprint(w) {
				return fmt.Errorf("arg %d: want %v, got %v", i+1, w, args[i].Value)
			}
		}
		return nil
	}
	return o
}

// Result is returned for exec operations.
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

// execResult adapts Result to driver.Result.
type execResult struct{ r Result }

func (e execResult) LastInsertId() (int64, error) { return e.r.LastInsertID, nil }
func (e execResult) RowsAffected() (int64, error) { return e.r.RowsAffected, nil }

// Rows is returned for query operations.
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

func Exec(query string, result Result) Op { return Op{typ: opExec, query: query, result: result} }
func Query(query string, rows Rows) Op    { return Op{typ: opQuery, query: query, rows: rows} }
func Begin() Op                           { return Op{typ: opBegin} }
func Commit() Op                          { return Op{typ: opCommit} }
func Rollback() Op                        { return Op{typ: opRollback} }

// Driver replays a fixed operation script.
type Driver struct {
	mu  sync.Mutex
	ops []Op
	idx int
}

var driverSeq atomic.Int32

// NewDB registers a fresh driver and opens a single-connection pool on it.
func NewDB(t *testing.T, ops ...Op) (*sql.DB, *Driver) {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("mysqltest-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { db.Close() })
	return db, drv
}

// AssertConsumed fails the test when part of the script was not replayed.
func (d *Driver) AssertConsumed(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", d.idx, len(d.ops))
	}
}

func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected opType, query string, args []driver.NamedValue) (*Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %s: %s", expected, normalize(query))
	}
	op := &d.ops[d.idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %s, got %s (%s)", op.typ, expected, normalize(query))
	}
	d.idx++
	if op.query != "" {
		if want, got := normalize(op.query), normalize(query); want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	if op.check != nil {
		if err := op.check(args); err != nil {
			return nil, fmt.Errorf("%s: %w", normalize(query), err)
		}
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return execResult{r: op.result}, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.rows.Columns, values: op.rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(opCommit, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(opRollback, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
