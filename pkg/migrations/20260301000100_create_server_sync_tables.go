package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		// seq is a per-user change counter; the latest seq a client has seen
		// is its sync token.
		_, err := db.Exec(`
			CREATE TABLE server_entities (
				id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				local_id TEXT,
				remote_id TEXT,
				entity_type TEXT NOT NULL,
				data TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				sync_version INTEGER NOT NULL DEFAULT 0,
				checksum TEXT NOT NULL,
				sync_status TEXT NOT NULL DEFAULT 'synced',
				device_id TEXT,
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				conflict_strategy TEXT,
				conflict_resolved_at TIMESTAMPTZ,
				seq INTEGER NOT NULL,
				PRIMARY KEY (user_id, id)
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`CREATE INDEX ix_server_entities_user_seq ON server_entities(user_id, seq)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE server_sync_metadata (
				user_id TEXT PRIMARY KEY,
				last_sync_timestamp TIMESTAMPTZ,
				sync_token TEXT,
				pending_sync_count INTEGER NOT NULL DEFAULT 0,
				last_sync_status TEXT,
				last_sync_error TEXT
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		return nil
	}

	down := func(_ context.Context, db *bun.DB) error {
		for _, table := range []string{"server_sync_metadata", "server_entities"} {
			_, err := db.Exec("DROP TABLE IF EXISTS " + table)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	Server.MustRegister(up, down)
}
