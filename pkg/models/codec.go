package models

import (
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

var (
	ErrMissingPayload  = errors.New("entity has no payload")
	ErrUnknownType     = errors.New("unknown entity type")
	ErrPayloadMismatch = errors.New("payload does not match entity type")
)

// EntityRecord is the encoded form of an Entity. It is the row stored in the
// local entities table and the document exchanged with the sync API.
type EntityRecord struct {
	bun.BaseModel `bun:"table:entities,alias:e"`

	ID                 string     `bun:",pk" json:"id"`
	LocalID            string     `bun:",nullzero" json:"local_id,omitempty"`
	RemoteID           string     `bun:",nullzero" json:"remote_id,omitempty"`
	UserID             string     `bun:",notnull" json:"user_id"`
	EntityType         string     `bun:",notnull" json:"entity_type"`
	Data               string     `bun:",notnull" json:"data"`
	CreatedAt          time.Time  `bun:",notnull" json:"created_at"`
	UpdatedAt          time.Time  `bun:",notnull" json:"updated_at"`
	SyncVersion        int64      `bun:",notnull" json:"sync_version"`
	Checksum           string     `bun:",notnull" json:"checksum"`
	SyncStatus         string     `bun:",notnull" json:"sync_status"`
	DeviceID           string     `bun:",nullzero" json:"device_id,omitempty"`
	Deleted            bool       `bun:",notnull" json:"deleted"`
	ConflictStrategy   string     `bun:",nullzero" json:"conflict_strategy,omitempty"`
	ConflictResolvedAt *time.Time `json:"conflict_resolved_at,omitempty"`
	MergedIDs          []string   `bun:",nullzero" json:"merged_ids,omitempty"`
}

// EncodeEntity converts an entity into its record form. The payload is
// encoded as JSON and the checksum is carried as-is.
func EncodeEntity(e *Entity) (*EntityRecord, error) {
	if e.Data == nil {
		return nil, errors.Wrapf(ErrMissingPayload, "entity %s", e.ID)
	}
	if e.Data.EntityType() != e.Type {
		return nil, errors.Wrapf(ErrPayloadMismatch, "entity %s: %s payload for %s", e.ID, e.Data.EntityType(), e.Type)
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	rec := &EntityRecord{
		ID:          e.ID,
		LocalID:     e.LocalID,
		RemoteID:    e.RemoteID,
		UserID:      e.UserID,
		EntityType:  string(e.Type),
		Data:        string(data),
		CreatedAt:   e.CreatedAt.UTC(),
		UpdatedAt:   e.UpdatedAt.UTC(),
		SyncVersion: e.SyncVersion,
		Checksum:    e.Checksum,
		SyncStatus:  string(e.SyncStatus),
		DeviceID:    e.DeviceID,
		Deleted:     e.Deleted,
	}
	if e.ConflictResolution != nil {
		rec.ConflictStrategy = e.ConflictResolution.Strategy
		resolvedAt := e.ConflictResolution.ResolvedAt.UTC()
		rec.ConflictResolvedAt = &resolvedAt
	}
	if len(e.MergedIDs) > 0 {
		rec.MergedIDs = append([]string(nil), e.MergedIDs...)
	}
	return rec, nil
}

// DecodeEntity converts a record back into an entity, parsing the payload
// according to the record's entity type.
func DecodeEntity(rec *EntityRecord) (*Entity, error) {
	t := EntityType(rec.EntityType)
	payload := NewPayload(t)
	if payload == nil {
		return nil, errors.Wrapf(ErrUnknownType, "entity %s: %q", rec.ID, rec.EntityType)
	}
	if err := json.Unmarshal([]byte(rec.Data), payload); err != nil {
		return nil, errors.Wrapf(err, "entity %s: malformed %s payload", rec.ID, t)
	}

	e := &Entity{
		ID:          rec.ID,
		LocalID:     rec.LocalID,
		RemoteID:    rec.RemoteID,
		UserID:      rec.UserID,
		Type:        t,
		Data:        payload,
		CreatedAt:   rec.CreatedAt.UTC(),
		UpdatedAt:   rec.UpdatedAt.UTC(),
		SyncVersion: rec.SyncVersion,
		Checksum:    rec.Checksum,
		SyncStatus:  SyncStatus(rec.SyncStatus),
		DeviceID:    rec.DeviceID,
		Deleted:     rec.Deleted,
	}
	if e.SyncStatus == "" {
		e.SyncStatus = SyncStatusPending
	}
	if rec.ConflictStrategy != "" {
		e.ConflictResolution = &ConflictResolution{Strategy: rec.ConflictStrategy}
		if rec.ConflictResolvedAt != nil {
			e.ConflictResolution.ResolvedAt = rec.ConflictResolvedAt.UTC()
		}
	}
	if len(rec.MergedIDs) > 0 {
		e.MergedIDs = append([]string(nil), rec.MergedIDs...)
	}
	if e.Checksum == "" {
		if err := e.Refresh(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// EncodeEntities encodes a batch, failing on the first bad entity.
func EncodeEntities(entities []*Entity) ([]*EntityRecord, error) {
	recs := make([]*EntityRecord, 0, len(entities))
	for _, e := range entities {
		rec, err := EncodeEntity(e)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// DecodeEntities decodes a batch, failing on the first bad record.
func DecodeEntities(recs []*EntityRecord) ([]*Entity, error) {
	entities := make([]*Entity, 0, len(recs))
	for _, rec := range recs {
		e, err := DecodeEntity(rec)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, nil
}
