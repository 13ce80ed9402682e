// Package syncapi is the server side of synchronization: it stores every
// user's entities with a per-user change sequence and serves snapshots,
// change feeds and batch uploads over HTTP.
package syncapi

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/pezware/mirubato-sub008/pkg/conflicts"
	"github.com/pezware/mirubato-sub008/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// ErrTokenAhead is returned when a client presents a sync token the server
// has never issued, e.g. after the server data was reset.
var ErrTokenAhead = errors.New("sync token is ahead of the server")

type Service struct {
	db       *bun.DB
	resolver *conflicts.Resolver
	now      func() time.Time
}

func NewService(db *bun.DB, resolver *conflicts.Resolver) *Service {
	return &Service{db: db, resolver: resolver, now: time.Now}
}

type Snapshot struct {
	Entities []*models.EntityRecord
	Token    int64
}

type Changes struct {
	Entities   []*models.EntityRecord
	DeletedIDs []string
	Token      int64
}

type UploadResult struct {
	Uploaded []string
	Failed   []EntityError
	Token    int64
}

// FormatToken renders a sequence number as a sync token.
func FormatToken(seq int64) string {
	return strconv.FormatInt(seq, 10)
}

// ParseToken reads a sync token. The empty token is zero.
func ParseToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(token, 10, 64)
	if err != nil || seq < 0 {
		return 0, errors.Errorf("invalid sync token %q", token)
	}
	return seq, nil
}

// Metadata returns the server's record of the user's last upload, or nil if
// the user has never synced.
func (svc *Service) Metadata(ctx context.Context, userID string) (*models.SyncMetadata, error) {
	m := &serverSyncMetadata{}
	err := svc.db.NewSelect().
		Model(m).
		Where("user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	return m.metadata(), nil
}

// Snapshot returns every live entity of the user and the current token.
func (svc *Service) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	snap := &Snapshot{}
	err := svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var rows []*serverEntity
		err := tx.NewSelect().
			Model(&rows).
			Where("user_id = ?", userID).
			Where("deleted = ?", false).
			Order("created_at ASC", "id ASC").
			Scan(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		for _, row := range rows {
			snap.Entities = append(snap.Entities, row.record())
		}
		snap.Token, err = maxSeq(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ChangesSince returns everything written after the given token, with
// deletions reported by id.
func (svc *Service) ChangesSince(ctx context.Context, userID string, since int64) (*Changes, error) {
	changes := &Changes{}
	err := svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		current, err := maxSeq(ctx, tx, userID)
		if err != nil {
			return err
		}
		if since > current {
			return errors.Wrapf(ErrTokenAhead, "token %d, server at %d", since, current)
		}
		changes.Token = current

		var rows []*serverEntity
		err = tx.NewSelect().
			Model(&rows).
			Where("user_id = ?", userID).
			Where("seq > ?", since).
			Order("seq ASC").
			Scan(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		for _, row := range rows {
			if row.Deleted {
				changes.DeletedIDs = append(changes.DeletedIDs, row.ID)
				continue
			}
			changes.Entities = append(changes.Entities, row.record())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// Upload applies a batch from a client. Every accepted write gets a fresh
// seq. The returned token only moves past the client's token when the client
// had seen every earlier write and the batch was taken as-is; otherwise the
// client keeps its token and picks up the difference on its next fetch.
func (svc *Service) Upload(ctx context.Context, userID string, token int64, entities []*models.Entity, rejected []EntityError) (*UploadResult, error) {
	res := &UploadResult{Failed: rejected}
	now := svc.now().UTC()

	err := svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		before, err := maxSeq(ctx, tx, userID)
		if err != nil {
			return err
		}
		seq := before
		clean := true

		for _, incoming := range entities {
			existing, err := getEntity(ctx, tx, userID, incoming.ID)
			if err != nil {
				return err
			}

			next, kept, err := svc.apply(existing, incoming)
			if err != nil {
				res.Failed = append(res.Failed, EntityError{EntityID: incoming.ID, Error: err.Error()})
				continue
			}
			if kept {
				clean = false
			}
			if next != nil {
				seq++
				if err := putEntity(ctx, tx, next, seq); err != nil {
					return err
				}
			}

			for _, absorbed := range incoming.MergedIDs {
				if absorbed == incoming.ID {
					continue
				}
				gone, err := getEntity(ctx, tx, userID, absorbed)
				if err != nil {
					return err
				}
				if gone == nil || gone.Deleted {
					continue
				}
				gone.Deleted = true
				gone.UpdatedAt = now
				seq++
				if err := putEntity(ctx, tx, gone, seq); err != nil {
					return err
				}
			}
			res.Uploaded = append(res.Uploaded, incoming.ID)
		}

		res.Token = token
		if token == before && clean {
			res.Token = seq
		}

		meta := &serverSyncMetadata{
			UserID:            userID,
			LastSyncTimestamp: now,
			SyncToken:         FormatToken(seq),
			PendingSyncCount:  len(res.Failed),
			LastSyncStatus:    string(models.SyncOutcomeSuccess),
		}
		if len(res.Failed) > 0 {
			meta.LastSyncStatus = string(models.SyncOutcomePartial)
			meta.LastSyncError = strconv.Itoa(len(res.Failed)) + " entities rejected"
		}
		_, err = tx.NewInsert().
			Model(meta).
			On("CONFLICT (user_id) DO UPDATE").
			Set("last_sync_timestamp = EXCLUDED.last_sync_timestamp").
			Set("sync_token = EXCLUDED.sync_token").
			Set("pending_sync_count = EXCLUDED.pending_sync_count").
			Set("last_sync_status = EXCLUDED.last_sync_status").
			Set("last_sync_error = EXCLUDED.last_sync_error").
			Exec(ctx)
		return errors.WithStack(err)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// apply decides what to store for an incoming entity. It returns nil when
// nothing needs to be written, and kept when the stored version beat the
// incoming one and was rewritten so the client fetches it.
func (svc *Service) apply(existing, incoming *models.Entity) (*models.Entity, bool, error) {
	next := incoming.Clone()
	next.SyncStatus = models.SyncStatusSynced
	next.MergedIDs = nil
	if err := next.Refresh(); err != nil {
		return nil, false, err
	}

	switch {
	case existing == nil:
		next.SyncVersion = incoming.SyncVersion + 1
		return next, false, nil
	case existing.Checksum == next.Checksum && existing.Deleted == next.Deleted:
		return nil, false, nil
	case next.Deleted || existing.Deleted:
		// deletions and resurrections are taken as sent
		next.SyncVersion = max(existing.SyncVersion, incoming.SyncVersion) + 1
		return next, false, nil
	}

	resolved, err := svc.resolver.Resolve(next, existing)
	if err != nil {
		return nil, false, err
	}
	resolved.SyncStatus = models.SyncStatusSynced
	resolved.SyncVersion = max(existing.SyncVersion, incoming.SyncVersion) + 1
	return resolved, resolved.Checksum == existing.Checksum, nil
}

func maxSeq(ctx context.Context, db bun.IDB, userID string) (int64, error) {
	var seq int64
	err := db.NewSelect().
		Model((*serverEntity)(nil)).
		ColumnExpr("COALESCE(MAX(seq), 0)").
		Where("user_id = ?", userID).
		Scan(ctx, &seq)
	return seq, errors.WithStack(err)
}

func getEntity(ctx context.Context, db bun.IDB, userID, id string) (*models.Entity, error) {
	row := &serverEntity{}
	err := db.NewSelect().
		Model(row).
		Where("user_id = ?", userID).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	return models.DecodeEntity(row.record())
}

func putEntity(ctx context.Context, db bun.IDB, e *models.Entity, seq int64) error {
	rec, err := models.EncodeEntity(e)
	if err != nil {
		return err
	}
	row := newServerEntity(rec, seq)
	_, err = db.NewInsert().
		Model(row).
		On("CONFLICT (user_id, id) DO UPDATE").
		Set("local_id = EXCLUDED.local_id").
		Set("remote_id = EXCLUDED.remote_id").
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
		Set("seq = EXCLUDED.seq").
		Exec(ctx)
	return errors.WithStack(err)
}
