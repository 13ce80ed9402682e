package models

import (
	"time"
)

type EntityType string

const (
	EntityTypePracticeSession EntityType = "practice_session"
	EntityTypePracticeLog     EntityType = "practice_log"
	EntityTypeGoal            EntityType = "goal"
	EntityTypeLogbookEntry    EntityType = "logbook_entry"
)

// EntityTypes lists every syncable entity type in a stable order.
var EntityTypes = []EntityType{
	EntityTypePracticeSession,
	EntityTypePracticeLog,
	EntityTypeGoal,
	EntityTypeLogbookEntry,
}

func (t EntityType) Valid() bool {
	switch t {
	case EntityTypePracticeSession, EntityTypePracticeLog, EntityTypeGoal, EntityTypeLogbookEntry:
		return true
	}
	return false
}

type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusSyncing  SyncStatus = "syncing"
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusConflict SyncStatus = "conflict"
)

// ConflictResolution records how a same-id conflict was settled. It is
// informational only and is never part of an entity's checksum.
type ConflictResolution struct {
	Strategy   string
	ResolvedAt time.Time
}

// Entity is the unit of synchronization. It carries no serialization tags;
// EncodeEntity and DecodeEntity are the only way in and out of storage or
// the wire.
type Entity struct {
	ID          string
	LocalID     string
	RemoteID    string
	UserID      string
	Type        EntityType
	Data        Payload
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SyncVersion int64
	Checksum    string
	SyncStatus  SyncStatus
	DeviceID    string
	Deleted     bool

	ConflictResolution *ConflictResolution
	// MergedIDs holds the ids of duplicates that were folded into this
	// entity by the duplicate detector.
	MergedIDs []string
}

// Clone returns a copy of the entity that shares nothing mutable with the
// original.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	if e.Data != nil {
		c.Data = e.Data.clone()
	}
	if e.ConflictResolution != nil {
		cr := *e.ConflictResolution
		c.ConflictResolution = &cr
	}
	if e.MergedIDs != nil {
		c.MergedIDs = append([]string(nil), e.MergedIDs...)
	}
	return &c
}

// IsPending reports whether the entity still needs to be uploaded.
func (e *Entity) IsPending() bool {
	return e.SyncStatus == SyncStatusPending
}

// Refresh recomputes the checksum over the payload.
func (e *Entity) Refresh() error {
	sum, err := PayloadChecksum(e.Data)
	if err != nil {
		return err
	}
	e.Checksum = sum
	return nil
}

// IDs returns the ids of the given entities in order.
func IDs(entities []*Entity) []string {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	return ids
}
