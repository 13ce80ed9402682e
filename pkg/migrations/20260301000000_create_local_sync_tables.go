package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`
			CREATE TABLE entities (
				id TEXT PRIMARY KEY,
				local_id TEXT,
				remote_id TEXT,
				user_id TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				data TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				sync_version INTEGER NOT NULL DEFAULT 0,
				checksum TEXT NOT NULL,
				sync_status TEXT NOT NULL DEFAULT 'pending',
				device_id TEXT,
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				conflict_strategy TEXT,
				conflict_resolved_at TIMESTAMPTZ,
				merged_ids TEXT
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`CREATE INDEX ix_entities_sync_status ON entities(sync_status)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`CREATE INDEX ix_entities_user_type ON entities(user_id, entity_type)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE sync_metadata (
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

		// Durable key-value storage, used for the serialized sync queue.
		_, err = db.Exec(`
			CREATE TABLE kv_store (
				key TEXT PRIMARY KEY,
				value BLOB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		return nil
	}

	down := func(_ context.Context, db *bun.DB) error {
		for _, table := range []string{"kv_store", "sync_metadata", "entities"} {
			_, err := db.Exec("DROP TABLE IF EXISTS " + table)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	Client.MustRegister(up, down)
}
