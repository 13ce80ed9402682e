package database

import (
	"context"
	"database/sql/driver"
	"math/rand"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// busyRetry retries statements that fail because another process holds the
// SQLite write lock. The syncd CLI and daemon may share one database file,
// and busy_timeout alone does not cover BEGIN IMMEDIATE upgrades.
type busyRetry struct {
	retries  int
	base     time.Duration
	maxDelay time.Duration
}

func newBusyRetry(retries int) busyRetry {
	return busyRetry{retries: max(retries, 0), base: 50 * time.Millisecond, maxDelay: 2 * time.Second}
}

func (r busyRetry) delay(attempt int) time.Duration {
	d := min(r.base<<min(attempt, 16), r.maxDelay)
	// up to 25% jitter so competing writers spread out
	return d + time.Duration(rand.Int63n(int64(d/4)+1))
}

func (r busyRetry) do(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isBusy(err) || attempt >= r.retries {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(r.delay(attempt)):
		}
	}
}

var busyMarkers = []string{
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"sqlite_locked",
}

// isBusy matches the lock errors of both mattn/go-sqlite3 and
// modernc.org/sqlite, whichever sqliteshim picked.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range busyMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// busyConnector hands out connections whose context-aware entry points go
// through busyRetry. bun formats its own queries, so ExecContext,
// QueryContext and BeginTx are the paths that matter.
type busyConnector struct {
	driver.Connector
	retry busyRetry
}

func (c *busyConnector) Connect(ctx context.Context) (driver.Conn, error) {
	var conn driver.Conn
	err := c.retry.do(ctx, func() error {
		var err error
		conn, err = c.Connector.Connect(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &busyConn{Conn: conn, retry: c.retry}, nil
}

type busyConn struct {
	driver.Conn
	retry busyRetry
}

func (c *busyConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	var tx driver.Tx
	err := c.retry.do(ctx, func() error {
		var err error
		if b, ok := c.Conn.(driver.ConnBeginTx); ok {
			tx, err = b.BeginTx(ctx, opts)
		} else {
			tx, err = c.Conn.Begin() //nolint:staticcheck // fallback for drivers without BeginTx
		}
		return err
	})
	return tx, err
}

func (c *busyConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	execer, ok := c.Conn.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	var res driver.Result
	err := c.retry.do(ctx, func() error {
		var err error
		res, err = execer.ExecContext(ctx, query, args)
		return err
	})
	return res, err
}

func (c *busyConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	queryer, ok := c.Conn.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	var rows driver.Rows
	err := c.retry.do(ctx, func() error {
		var err error
		rows, err = queryer.QueryContext(ctx, query, args)
		return err
	})
	return rows, err
}

func (c *busyConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if p, ok := c.Conn.(driver.ConnPrepareContext); ok {
		return p.PrepareContext(ctx, query)
	}
	return c.Conn.Prepare(query)
}

func (c *busyConn) Ping(ctx context.Context) error {
	if p, ok := c.Conn.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *busyConn) ResetSession(ctx context.Context) error {
	if r, ok := c.Conn.(driver.SessionResetter); ok {
		return r.ResetSession(ctx)
	}
	return nil
}

func (c *busyConn) IsValid() bool {
	if v, ok := c.Conn.(driver.Validator); ok {
		return v.IsValid()
	}
	return true
}

func (c *busyConn) CheckNamedValue(nv *driver.NamedValue) error {
	if chk, ok := c.Conn.(driver.NamedValueChecker); ok {
		return chk.CheckNamedValue(nv)
	}
	return driver.ErrSkip
}
