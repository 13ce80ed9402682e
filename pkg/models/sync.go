package models

import (
	"time"

	"github.com/uptrace/bun"
)

type SyncOutcome string

const (
	SyncOutcomeSuccess SyncOutcome = "success"
	SyncOutcomePartial SyncOutcome = "partial"
	SyncOutcomeFailed  SyncOutcome = "failed"
)

// SyncMetadata is the per-user sync cursor. Each side keeps its own copy.
type SyncMetadata struct {
	bun.BaseModel `bun:"table:sync_metadata,alias:sm"`

	UserID            string      `bun:",pk" json:"user_id"`
	LastSyncTimestamp time.Time   `bun:",nullzero" json:"last_sync_timestamp"`
	SyncToken         string      `bun:",nullzero" json:"sync_token,omitempty"`
	PendingSyncCount  int         `bun:",notnull" json:"pending_sync_count"`
	LastSyncStatus    SyncOutcome `bun:",nullzero" json:"last_sync_status,omitempty"`
	LastSyncError     string      `bun:",nullzero" json:"last_sync_error,omitempty"`
}

type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusSyncing   OperationStatus = "syncing"
	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusFailed    OperationStatus = "failed"
)

// SyncOperation is a queued local mutation awaiting upload.
type SyncOperation struct {
	ID         string
	Type       OperationType
	Resource   EntityType
	DataID     string
	Data       *Entity
	Timestamp  time.Time
	UpdatedAt  time.Time
	Status     OperationStatus
	RetryCount int
	LastError  string
}

// Key identifies the logical target of an operation for deduplication.
func (op *SyncOperation) Key() string {
	return string(op.Resource) + "|" + string(op.Type) + "|" + op.DataID
}
