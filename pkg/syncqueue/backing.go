package syncqueue

import (
	"context"
	"sync"
	"time"

	"github.com/pezware/mirubato-sub008/pkg/models"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// Backing is durable storage for the serialized queue.
type Backing interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// MemoryBacking keeps the serialized queue in memory. It survives a Queue
// being rebuilt but not the process.
type MemoryBacking struct {
	mu   sync.Mutex
	data []byte
}

func (m *MemoryBacking) Load(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...), nil
}

func (m *MemoryBacking) Save(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}

type operationDocument struct {
	ID         string               `json:"id"`
	Type       string               `json:"type"`
	Resource   string               `json:"resource"`
	DataID     string               `json:"data_id"`
	Data       *models.EntityRecord `json:"data,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
	UpdatedAt  time.Time            `json:"updated_at"`
	Status     string               `json:"status"`
	RetryCount int                  `json:"retry_count"`
	LastError  string               `json:"last_error,omitempty"`
}

type queueDocument struct {
	Version    int                  `json:"version"`
	Operations []*operationDocument `json:"operations"`
}

const queueFormatVersion = 1

func encodeOperations(ops []*models.SyncOperation) ([]byte, error) {
	doc := queueDocument{Version: queueFormatVersion, Operations: make([]*operationDocument, 0, len(ops))}
	for _, op := range ops {
		od := &operationDocument{
			ID:         op.ID,
			Type:       string(op.Type),
			Resource:   string(op.Resource),
			DataID:     op.DataID,
			Timestamp:  op.Timestamp,
			UpdatedAt:  op.UpdatedAt,
			Status:     string(op.Status),
			RetryCount: op.RetryCount,
			LastError:  op.LastError,
		}
		if op.Data != nil {
			rec, err := models.EncodeEntity(op.Data)
			if err != nil {
				return nil, errors.Wrapf(err, "operation %s", op.ID)
			}
			od.Data = rec
		}
		doc.Operations = append(doc.Operations, od)
	}
	b, err := json.Marshal(doc)
	return b, errors.WithStack(err)
}

func decodeOperations(raw []byte) ([]*models.SyncOperation, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc queueDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "malformed sync queue")
	}
	if doc.Version > queueFormatVersion {
		return nil, errors.Errorf("sync queue format %d is newer than supported %d", doc.Version, queueFormatVersion)
	}

	ops := make([]*models.SyncOperation, 0, len(doc.Operations))
	for _, od := range doc.Operations {
		op := &models.SyncOperation{
			ID:         od.ID,
			Type:       models.OperationType(od.Type),
			Resource:   models.EntityType(od.Resource),
			DataID:     od.DataID,
			Timestamp:  od.Timestamp,
			UpdatedAt:  od.UpdatedAt,
			Status:     models.OperationStatus(od.Status),
			RetryCount: od.RetryCount,
			LastError:  od.LastError,
		}
		if od.Data != nil {
			e, err := models.DecodeEntity(od.Data)
			if err != nil {
				return nil, errors.Wrapf(err, "operation %s", od.ID)
			}
			op.Data = e
		}
		ops = append(ops, op)
	}
	return ops, nil
}
