package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/pezware/mirubato-sub008/pkg/config"
	"github.com/pezware/mirubato-sub008/pkg/database"
	"github.com/pezware/mirubato-sub008/pkg/migrations"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun/migrate"
	"github.com/urfave/cli/v2"
)

func main() {
	log := logger.New()

	cfg, err := config.New()
	if err != nil {
		log.Err(err).Fatal("config error")
	}

	var (
		migrator *migrate.Migrator
		target   migrations.Target
	)

	app := &cli.App{
		Name:        "migrations",
		Usage:       "CLI to interact with migrations",
		Description: "CLI to interact with the migrations of the device database (client) or the sync API database (server)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "target",
				Aliases: []string{"t"},
				Value:   string(migrations.TargetServer),
				Usage:   "migration set to use: client or server",
				EnvVars: []string{"MIGRATIONS_TARGET"},
			},
		},
		Before: func(c *cli.Context) error {
			target = migrations.Target(c.String("target"))
			ms, err := migrations.For(target)
			if err != nil {
				return err
			}
			db, err := database.New(cfg)
			if err != nil {
				return err
			}
			migrator = migrate.NewMigrator(db, ms)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "create migration tables",
				Action: func(c *cli.Context) error {
					return migrator.Init(c.Context)
				},
			},
			{
				Name:  "migrate",
				Usage: "migrate database",
				Action: func(c *cli.Context) error {
					if err := migrator.Init(c.Context); err != nil {
						return err
					}

					group, err := migrator.Migrate(c.Context)
					if err != nil {
						return err
					}

					if group.IsZero() {
						fmt.Printf("There are no new %s migrations to run\n", target)
						return nil
					}

					fmt.Printf("Migrated %s to %s\n", target, group)
					return nil
				},
			},
			{
				Name:  "rollback",
				Usage: "rollback the last migration group",
				Action: func(c *cli.Context) error {
					group, err := migrator.Rollback(c.Context)
					if err != nil {
						return err
					}

					if group.IsZero() {
						fmt.Printf("There are no %s groups to roll back\n", target)
						return nil
					}

					fmt.Printf("Rolled back %s\n", group)
					return nil
				},
			},
			{
				Name:  "create",
				Usage: "create Go migration",
				Action: func(c *cli.Context) error {
					name := strings.Join(c.Args().Slice(), "_")
					mf, err := migrator.CreateGoMigration(
						c.Context,
						name,
						migrate.WithGoTemplate(templateFor(target)),
					)
					if err != nil {
						return err
					}
					fmt.Printf("Created migration %s (%s)\n", mf.Name, mf.Path)

					return nil
				},
			},
			{
				Name:  "status",
				Usage: "print migrations status",
				Action: func(c *cli.Context) error {
					ms, err := migrator.MigrationsWithStatus(c.Context)
					if err != nil {
						return err
					}
					fmt.Printf("Migrations: %s\n", ms)
					fmt.Printf("Unapplied migrations: %s\n", ms.Unapplied())
					fmt.Printf("Last migration group: %s\n", ms.LastGroup())

					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Err(err).Fatal("app run error")
	}
}

// templateFor returns the Go migration template registering on the
// migration set of target.
func templateFor(target migrations.Target) string {
	set := "Server"
	if target == migrations.TargetClient {
		set = "Client"
	}
	return strings.ReplaceAll(migrationTemplate, "{{set}}", set)
}

const migrationTemplate = `package %s

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec("")
		return errors.WithStack(err)
	}

	down := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec("")
		return errors.WithStack(err)
	}

	{{set}}.MustRegister(up, down)
}
`
