// Package conflicts settles same-id divergence between a local and a remote
// version of an entity.
package conflicts

import (
	"sync"
	"time"

	"github.com/pezware/mirubato-sub008/pkg/models"
	"github.com/pkg/errors"
)

const (
	LastWriteWins = "lastWriteWins"
)

var ErrUnknownStrategy = errors.New("unknown conflict resolution strategy")

// StrategyFunc picks or builds the accepted version of a conflicting pair.
// It must not modify its arguments.
type StrategyFunc func(local, remote *models.Entity) *models.Entity

type Resolver struct {
	mu         sync.RWMutex
	strategy   string
	strategies map[string]StrategyFunc
	now        func() time.Time
}

type Option func(*Resolver)

// WithClock overrides the clock used to stamp resolutions.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver returns a resolver using the named strategy. An empty name
// selects last-write-wins.
func NewResolver(strategy string, opts ...Option) (*Resolver, error) {
	if strategy == "" {
		strategy = LastWriteWins
	}
	r := &Resolver{
		strategy: strategy,
		strategies: map[string]StrategyFunc{
			LastWriteWins: lastWriteWins,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if _, ok := r.strategies[strategy]; !ok {
		return nil, errors.Wrapf(ErrUnknownStrategy, "%q", strategy)
	}
	return r, nil
}

// Register adds or replaces a named strategy.
func (r *Resolver) Register(name string, fn StrategyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = fn
}

// Use switches the active strategy.
func (r *Resolver) Use(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[name]; !ok {
		return errors.Wrapf(ErrUnknownStrategy, "%q", name)
	}
	r.strategy = name
	return nil
}

func (r *Resolver) Strategy() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy
}

// IsConflict reports whether two versions of the same record diverge.
func IsConflict(local, remote *models.Entity) bool {
	return local != nil && remote != nil && local.ID == remote.ID && local.Checksum != remote.Checksum
}

// Resolve settles a single conflicting pair with the active strategy. The
// result is a new entity annotated with the strategy and resolution time;
// its version is the higher of the two and its creation time the earlier.
func (r *Resolver) Resolve(local, remote *models.Entity) (*models.Entity, error) {
	if local == nil || remote == nil || local.ID != remote.ID {
		return nil, errors.New("conflict resolution needs two versions of the same entity")
	}

	r.mu.RLock()
	name := r.strategy
	fn := r.strategies[name]
	r.mu.RUnlock()
	if fn == nil {
		return nil, errors.Wrapf(ErrUnknownStrategy, "%q", name)
	}

	chosen := fn(local, remote)
	if chosen == nil {
		return nil, errors.Errorf("strategy %q returned no entity for %s", name, local.ID)
	}
	resolved := chosen.Clone()
	resolved.SyncVersion = max(local.SyncVersion, remote.SyncVersion)
	if remote.CreatedAt.Before(local.CreatedAt) {
		resolved.CreatedAt = remote.CreatedAt
	} else {
		resolved.CreatedAt = local.CreatedAt
	}
	if resolved.RemoteID == "" {
		other := remote
		if chosen == remote {
			other = local
		}
		resolved.RemoteID = other.RemoteID
	}
	resolved.ConflictResolution = &models.ConflictResolution{
		Strategy:   name,
		ResolvedAt: r.now().UTC(),
	}
	return resolved, nil
}

// lastWriteWins accepts the later update in full. Ties fall through version,
// device and checksum so both sides always pick the same winner.
func lastWriteWins(local, remote *models.Entity) *models.Entity {
	if newer(local, remote) {
		return local
	}
	return remote
}

func newer(a, b *models.Entity) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if a.SyncVersion != b.SyncVersion {
		return a.SyncVersion > b.SyncVersion
	}
	if a.DeviceID != b.DeviceID {
		return a.DeviceID > b.DeviceID
	}
	return a.Checksum > b.Checksum
}
