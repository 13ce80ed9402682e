package syncapi

import (
	"github.com/pezware/mirubato-sub008/pkg/models"
)

// MaxBatchSize is the most entities one upload may carry. It has to match
// the max rule on UploadPayload.Entities.
const MaxBatchSize = 500

type ChangesQuery struct {
	Since string `query:"since" json:"since" validate:"required,synctoken"`
}

type UploadPayload struct {
	SyncToken string                 `json:"sync_token,omitempty" validate:"synctoken"`
	Entities  []*models.EntityRecord `json:"entities" validate:"required,min=1,max=500"`
}

type MetadataResponse struct {
	Metadata *models.SyncMetadata `json:"metadata"`
}

type SnapshotResponse struct {
	Entities  []*models.EntityRecord `json:"entities"`
	SyncToken string                 `json:"sync_token"`
}

type ChangesResponse struct {
	Entities     []*models.EntityRecord `json:"entities"`
	DeletedIDs   []string               `json:"deleted_ids"`
	NewSyncToken string                 `json:"new_sync_token"`
}

type EntityError struct {
	EntityID string `json:"entity_id"`
	Error    string `json:"error"`
}

type UploadResponse struct {
	Uploaded     []string      `json:"uploaded"`
	Failed       []EntityError `json:"failed"`
	NewSyncToken string        `json:"new_sync_token"`
}
