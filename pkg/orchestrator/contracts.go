package orchestrator

import (
	"context"

	"github.com/pezware/mirubato-sub008/pkg/models"
)

// LocalStore is the device-local copy of a user's data.
type LocalStore interface {
	// GetSyncMetadata returns nil, nil when the user has never synced.
	GetSyncMetadata(ctx context.Context, userID string) (*models.SyncMetadata, error)
	SaveSyncMetadata(ctx context.Context, meta *models.SyncMetadata) error
	// GetUnsyncedEntries returns every entity that is not synced, including
	// pending deletions.
	GetUnsyncedEntries(ctx context.Context) ([]*models.Entity, error)
	// GetAllEntities returns every stored entity, including pending
	// deletions.
	GetAllEntities(ctx context.Context) ([]*models.Entity, error)
	// SaveRemoteChanges upserts entities by id exactly as given.
	SaveRemoteChanges(ctx context.Context, entities []*models.Entity) error
	ReplaceAllEntities(ctx context.Context, entities []*models.Entity) error
	MarkAsSynced(ctx context.Context, ids []string) error
	DeleteEntities(ctx context.Context, ids []string) error
}

// RemoteStore is the server-held copy of a user's data.
type RemoteStore interface {
	// FetchSyncMetadata returns nil, nil when the server has no record of
	// the user syncing.
	FetchSyncMetadata(ctx context.Context, userID string) (*models.SyncMetadata, error)
	FetchInitialData(ctx context.Context, userID string) (*Snapshot, error)
	FetchChangesSince(ctx context.Context, userID, token string) (*ChangeSet, error)
	FetchAllData(ctx context.Context, userID string) (*Snapshot, error)
	UploadBatch(ctx context.Context, req *UploadRequest) (*UploadResponse, error)
}

type Snapshot struct {
	Entities  []*models.Entity
	SyncToken string
}

type ChangeSet struct {
	Entities     []*models.Entity
	DeletedIDs   []string
	NewSyncToken string
}

type UploadRequest struct {
	UserID string
	// SyncToken is the newest token the client has seen. The server only
	// advances the returned token past it when nothing else was written in
	// between.
	SyncToken string
	Entities  []*models.Entity
}

type UploadResponse struct {
	Uploaded     []string
	Failed       []EntityError
	NewSyncToken string
}

// EntityError reports a failure that concerns a single entity.
type EntityError struct {
	EntityID string
	Error    string
}
