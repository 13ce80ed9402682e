package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// Client holds the schema of a device-local database. Server holds the
// schema of the sync API's database.
var (
	Client = migrate.NewMigrations()
	Server = migrate.NewMigrations()
)

// Target names a migration set.
type Target string

const (
	TargetClient Target = "client"
	TargetServer Target = "server"
)

// For returns the migration set for a target.
func For(target Target) (*migrate.Migrations, error) {
	switch target {
	case TargetClient:
		return Client, nil
	case TargetServer:
		return Server, nil
	}
	return nil, errors.Errorf("unknown migration target %q", target)
}

func BringUpToDate(ctx context.Context, db *bun.DB, ms *migrate.Migrations) (*migrate.MigrationGroup, error) {
	migrator := migrate.NewMigrator(db, ms)
	err := migrator.Init(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	group, err := migrator.Migrate(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return group, nil
}
