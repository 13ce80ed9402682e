// Package kvstore holds small durable values for the sync client, such as
// the serialized sync queue. Values live either in the local database or in
// a separate badger directory.
package kvstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

type entry struct {
	bun.BaseModel `bun:"table:kv_store,alias:kv"`

	Key       string    `bun:",pk"`
	Value     []byte    `bun:",notnull"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db: db}
}

// Get returns the value stored under key, or nil if there is none.
func (svc *Service) Get(ctx context.Context, key string) ([]byte, error) {
	e := &entry{}
	err := svc.db.NewSelect().
		Model(e).
		Where("key = ?", key).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	return e.Value, nil
}

// Set stores value under key, replacing any previous value.
func (svc *Service) Set(ctx context.Context, key string, value []byte) error {
	e := &entry{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	_, err := svc.db.NewInsert().
		Model(e).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return errors.WithStack(err)
}

func (svc *Service) Delete(ctx context.Context, key string) error {
	_, err := svc.db.NewDelete().
		Model((*entry)(nil)).
		Where("key = ?", key).
		Exec(ctx)
	return errors.WithStack(err)
}

// Store is what a Backing needs from a key-value store. Get returns nil
// without an error for a missing key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

const QueueKey = "sync_queue"

// Backing binds a single key of a Store so it can hold a serialized sync
// queue.
type Backing struct {
	store Store
	key   string
}

func NewBacking(store Store, key string) *Backing {
	return &Backing{store: store, key: key}
}

func (svc *Service) Backing(key string) *Backing {
	return NewBacking(svc, key)
}

func (b *Backing) Load(ctx context.Context) ([]byte, error) {
	return b.store.Get(ctx, b.key)
}

func (b *Backing) Save(ctx context.Context, data []byte) error {
	return b.store.Set(ctx, b.key, data)
}
