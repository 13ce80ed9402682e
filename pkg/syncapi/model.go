package syncapi

import (
	"time"

	"github.com/pezware/mirubato-sub008/pkg/models"
	"github.com/uptrace/bun"
)

// serverEntity is the server's copy of an entity. Seq orders every write
// for a user; the highest seq a client has seen is its sync token.
type serverEntity struct {
	bun.BaseModel `bun:"table:server_entities,alias:se"`

	ID                 string     `bun:",pk"`
	UserID             string     `bun:",pk"`
	LocalID            string     `bun:",nullzero"`
	RemoteID           string     `bun:",nullzero"`
	EntityType         string     `bun:",notnull"`
	Data               string     `bun:",notnull"`
	CreatedAt          time.Time  `bun:",notnull"`
	UpdatedAt          time.Time  `bun:",notnull"`
	SyncVersion        int64      `bun:",notnull"`
	Checksum           string     `bun:",notnull"`
	SyncStatus         string     `bun:",notnull"`
	DeviceID           string     `bun:",nullzero"`
	Deleted            bool       `bun:",notnull"`
	ConflictStrategy   string     `bun:",nullzero"`
	ConflictResolvedAt *time.Time
	Seq                int64 `bun:",notnull"`
}

func newServerEntity(rec *models.EntityRecord, seq int64) *serverEntity {
	return &serverEntity{
		ID:                 rec.ID,
		UserID:             rec.UserID,
		LocalID:            rec.LocalID,
		RemoteID:           rec.RemoteID,
		EntityType:         rec.EntityType,
		Data:               rec.Data,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
		SyncVersion:        rec.SyncVersion,
		Checksum:           rec.Checksum,
		SyncStatus:         rec.SyncStatus,
		DeviceID:           rec.DeviceID,
		Deleted:            rec.Deleted,
		ConflictStrategy:   rec.ConflictStrategy,
		ConflictResolvedAt: rec.ConflictResolvedAt,
		Seq:                seq,
	}
}

func (se *serverEntity) record() *models.EntityRecord {
	return &models.EntityRecord{
		ID:                 se.ID,
		LocalID:            se.LocalID,
		RemoteID:           se.RemoteID,
		UserID:             se.UserID,
		EntityType:         se.EntityType,
		Data:               se.Data,
		CreatedAt:          se.CreatedAt,
		UpdatedAt:          se.UpdatedAt,
		SyncVersion:        se.SyncVersion,
		Checksum:           se.Checksum,
		SyncStatus:         se.SyncStatus,
		DeviceID:           se.DeviceID,
		Deleted:            se.Deleted,
		ConflictStrategy:   se.ConflictStrategy,
		ConflictResolvedAt: se.ConflictResolvedAt,
	}
}

type serverSyncMetadata struct {
	bun.BaseModel `bun:"table:server_sync_metadata,alias:ssm"`

	UserID            string    `bun:",pk"`
	LastSyncTimestamp time.Time `bun:",nullzero"`
	SyncToken         string    `bun:",nullzero"`
	PendingSyncCount  int       `bun:",notnull"`
	LastSyncStatus    string    `bun:",nullzero"`
	LastSyncError     string    `bun:",nullzero"`
}

func (m *serverSyncMetadata) metadata() *models.SyncMetadata {
	return &models.SyncMetadata{
		UserID:            m.UserID,
		LastSyncTimestamp: m.LastSyncTimestamp,
		SyncToken:         m.SyncToken,
		PendingSyncCount:  m.PendingSyncCount,
		LastSyncStatus:    models.SyncOutcome(m.LastSyncStatus),
		LastSyncError:     m.LastSyncError,
	}
}
