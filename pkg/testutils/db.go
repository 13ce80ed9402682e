package testutils

import (
	"context"
	"database/sql"
	"testing"

	"github.com/pezware/mirubato-sub008/pkg/migrations"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/migrate"
)

// NewDB opens an in-memory SQLite database with the given migrations
// applied. It is closed when the test ends.
func NewDB(t testing.TB, ms *migrate.Migrations) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is its own database.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() {
		_ = db.Close()
	})

	_, err = migrations.BringUpToDate(context.Background(), db, ms)
	require.NoError(t, err)

	return db
}

// NewClientDB is NewDB with the device-local schema.
func NewClientDB(t testing.TB) *bun.DB {
	t.Helper()
	return NewDB(t, migrations.Client)
}

// NewServerDB is NewDB with the sync API schema.
func NewServerDB(t testing.TB) *bun.DB {
	t.Helper()
	return NewDB(t, migrations.Server)
}
