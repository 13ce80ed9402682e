// Package localstore persists a device's entities and sync metadata in its
// local SQLite database.
package localstore

import (
	"context"
	"database/sql"

	"github.com/pezware/mirubato-sub008/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db: db}
}

// GetSyncMetadata returns the cursor for userID, or nil if the device has
// never synced for that user.
func (svc *Service) GetSyncMetadata(ctx context.Context, userID string) (*models.SyncMetadata, error) {
	meta := &models.SyncMetadata{}
	err := svc.db.NewSelect().
		Model(meta).
		Where("user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	return meta, nil
}

func (svc *Service) SaveSyncMetadata(ctx context.Context, meta *models.SyncMetadata) error {
	_, err := svc.db.NewInsert().
		Model(meta).
		On("CONFLICT (user_id) DO UPDATE").
		Set("last_sync_timestamp = EXCLUDED.last_sync_timestamp").
		Set("sync_token = EXCLUDED.sync_token").
		Set("pending_sync_count = EXCLUDED.pending_sync_count").
		Set("last_sync_status = EXCLUDED.last_sync_status").
		Set("last_sync_error = EXCLUDED.last_sync_error").
		Exec(ctx)
	return errors.WithStack(err)
}

// GetUnsyncedEntries returns every entity that is not synced, deletions
// included, oldest first.
func (svc *Service) GetUnsyncedEntries(ctx context.Context) ([]*models.Entity, error) {
	var recs []*models.EntityRecord
	err := svc.db.NewSelect().
		Model(&recs).
		Where("sync_status != ?", string(models.SyncStatusSynced)).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return models.DecodeEntities(recs)
}

func (svc *Service) GetAllEntities(ctx context.Context) ([]*models.Entity, error) {
	var recs []*models.EntityRecord
	err := svc.db.NewSelect().
		Model(&recs).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return models.DecodeEntities(recs)
}

// GetEntity returns a single entity, or nil if it does not exist.
func (svc *Service) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	rec := &models.EntityRecord{}
	err := svc.db.NewSelect().
		Model(rec).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	return models.DecodeEntity(rec)
}

// SaveRemoteChanges upserts entities by id.
func (svc *Service) SaveRemoteChanges(ctx context.Context, entities []*models.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	recs, err := models.EncodeEntities(entities)
	if err != nil {
		return err
	}
	return upsert(ctx, svc.db, recs)
}

// ReplaceAllEntities swaps the whole entity table for the given set in one
// transaction.
func (svc *Service) ReplaceAllEntities(ctx context.Context, entities []*models.Entity) error {
	recs, err := models.EncodeEntities(entities)
	if err != nil {
		return err
	}
	return svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewDelete().
			Model((*models.EntityRecord)(nil)).
			Where("1 = 1").
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if len(recs) == 0 {
			return nil
		}
		return upsert(ctx, tx, recs)
	})
}

// MarkAsSynced flags entities as synced. Merge bookkeeping is cleared since
// the server has absorbed it.
func (svc *Service) MarkAsSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := svc.db.NewUpdate().
		Model((*models.EntityRecord)(nil)).
		Set("sync_status = ?", string(models.SyncStatusSynced)).
		Set("merged_ids = NULL").
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	return errors.WithStack(err)
}

func (svc *Service) DeleteEntities(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := svc.db.NewDelete().
		Model((*models.EntityRecord)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	return errors.WithStack(err)
}

// CountByStatus returns how many entities are in each sync status.
func (svc *Service) CountByStatus(ctx context.Context) (map[models.SyncStatus]int, error) {
	var rows []struct {
		SyncStatus string `bun:"sync_status"`
		Count      int    `bun:"count"`
	}
	err := svc.db.NewSelect().
		Model((*models.EntityRecord)(nil)).
		Column("sync_status").
		ColumnExpr("COUNT(*) AS count").
		Group("sync_status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	counts := make(map[models.SyncStatus]int, len(rows))
	for _, r := range rows {
		counts[models.SyncStatus(r.SyncStatus)] = r.Count
	}
	return counts, nil
}

func upsert(ctx context.Context, db bun.IDB, recs []*models.EntityRecord) error {
	_, err := db.NewInsert().
		Model(&recs).
		On("CONFLICT (id) DO UPDATE").
		Set("local_id = EXCLUDED.local_id").
		Set("remote_id = EXCLUDED.remote_id").
		Set("user_id = EXCLUDED.user_id").
		Set("entity_type = EXCLUDED.entity_type").
		Set("data = EXCLUDED.data").
		Set("created_at = EXCLUDED.created_at").
		Set("updated_at = EXCLUDED.updated_at").
		Set("sync_version = EXCLUDED.sync_version").
		Set("checksum = EXCLUDED.checksum").
		Set("sync_status = EXCLUDED.sync_status").
		Set("device_id = EXCLUDED.device_id").
		Set("deleted = EXCLUDED.deleted").
		Set("conflict_strategy = EXCLUDED.conflict_strategy").
		Set("conflict_resolved_at = EXCLUDED.conflict_resolved_at").
		Set("merged_ids = EXCLUDED.merged_ids").
		Exec(ctx)
	return errors.WithStack(err)
}
