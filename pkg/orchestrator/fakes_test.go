package orchestrator

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pezware/mirubato-sub008/pkg/models"
	"github.com/pkg/errors"
)

type fakeLocal struct {
	mu       sync.Mutex
	entities map[string]*models.Entity
	meta     map[string]*models.SyncMetadata

	failUnsynced error
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{
		entities: make(map[string]*models.Entity),
		meta:     make(map[string]*models.SyncMetadata),
	}
}

func (l *fakeLocal) put(entities ...*models.Entity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entities {
		l.entities[e.ID] = e.Clone()
	}
}

func (l *fakeLocal) get(id string) *models.Entity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entities[id].Clone()
}

func (l *fakeLocal) ids() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.entities))
	for id := range l.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *fakeLocal) GetSyncMetadata(_ context.Context, userID string) (*models.SyncMetadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.meta[userID]
	if !ok {
		return nil, nil
	}
	c := *m
	return &c, nil
}

func (l *fakeLocal) SaveSyncMetadata(_ context.Context, meta *models.SyncMetadata) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := *meta
	l.meta[meta.UserID] = &c
	return nil
}

func (l *fakeLocal) sorted(filter func(*models.Entity) bool) []*models.Entity {
	var out []*models.Entity
	for _, e := range l.entities {
		if filter(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *fakeLocal) GetUnsyncedEntries(_ context.Context) ([]*models.Entity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failUnsynced != nil {
		return nil, l.failUnsynced
	}
	return l.sorted(func(e *models.Entity) bool { return e.SyncStatus != models.SyncStatusSynced }), nil
}

func (l *fakeLocal) GetAllEntities(_ context.Context) ([]*models.Entity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sorted(func(*models.Entity) bool { return true }), nil
}

func (l *fakeLocal) SaveRemoteChanges(_ context.Context, entities []*models.Entity) error {
	l.put(entities...)
	return nil
}

func (l *fakeLocal) ReplaceAllEntities(_ context.Context, entities []*models.Entity) error {
	l.mu.Lock()
	l.entities = make(map[string]*models.Entity)
	l.mu.Unlock()
	l.put(entities...)
	return nil
}

func (l *fakeLocal) MarkAsSynced(_ context.Context, ids []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		if e, ok := l.entities[id]; ok {
			e.SyncStatus = models.SyncStatusSynced
			e.MergedIDs = nil
		}
	}
	return nil
}

func (l *fakeLocal) DeleteEntities(_ context.Context, ids []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		delete(l.entities, id)
	}
	return nil
}

// fakeRemote keeps a change log where the sync token is the log position.
type fakeRemote struct {
	mu       sync.Mutex
	entities map[string]*models.Entity
	seq      map[string]int
	counter  int
	meta     *models.SyncMetadata

	delay       time.Duration
	reject      map[string]string
	failMeta    error
	failFetch   error
	failUpload  error
	uploadCalls int
	uploaded    [][]string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		entities: make(map[string]*models.Entity),
		seq:      make(map[string]int),
		reject:   make(map[string]string),
	}
}

func (r *fakeRemote) seed(entities ...*models.Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entities {
		c := e.Clone()
		c.SyncStatus = models.SyncStatusSynced
		r.counter++
		r.entities[c.ID] = c
		r.seq[c.ID] = r.counter
	}
	if r.meta == nil {
		r.meta = &models.SyncMetadata{UserID: "u1", LastSyncStatus: models.SyncOutcomeSuccess}
	}
}

func (r *fakeRemote) get(id string) *models.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entities[id].Clone()
}

func (r *fakeRemote) token() string {
	return strconv.Itoa(r.counter)
}

func (r *fakeRemote) wait(ctx context.Context) {
	if r.delay == 0 {
		return
	}
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
	}
}

func (r *fakeRemote) FetchSyncMetadata(ctx context.Context, _ string) (*models.SyncMetadata, error) {
	r.wait(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failMeta != nil {
		return nil, r.failMeta
	}
	if r.meta == nil {
		return nil, nil
	}
	c := *r.meta
	return &c, nil
}

func (r *fakeRemote) snapshot() *Snapshot {
	snap := &Snapshot{SyncToken: r.token()}
	for _, e := range r.entities {
		if !e.Deleted {
			snap.Entities = append(snap.Entities, e.Clone())
		}
	}
	sort.Slice(snap.Entities, func(i, j int) bool { return snap.Entities[i].ID < snap.Entities[j].ID })
	return snap
}

func (r *fakeRemote) FetchInitialData(ctx context.Context, _ string) (*Snapshot, error) {
	r.wait(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFetch != nil {
		return nil, r.failFetch
	}
	return r.snapshot(), nil
}

func (r *fakeRemote) FetchAllData(ctx context.Context, userID string) (*Snapshot, error) {
	return r.FetchInitialData(ctx, userID)
}

func (r *fakeRemote) FetchChangesSince(ctx context.Context, _, token string) (*ChangeSet, error) {
	r.wait(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFetch != nil {
		return nil, r.failFetch
	}
	since, _ := strconv.Atoi(token)
	if since > r.counter {
		return nil, errors.Wrapf(ErrUnknownSyncToken, "token %s", token)
	}
	cs := &ChangeSet{NewSyncToken: r.token()}
	for id, e := range r.entities {
		if r.seq[id] <= since {
			continue
		}
		if e.Deleted {
			cs.DeletedIDs = append(cs.DeletedIDs, id)
			continue
		}
		cs.Entities = append(cs.Entities, e.Clone())
	}
	sort.Slice(cs.Entities, func(i, j int) bool { return cs.Entities[i].ID < cs.Entities[j].ID })
	sort.Strings(cs.DeletedIDs)
	return cs, nil
}

func (r *fakeRemote) UploadBatch(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	r.wait(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploadCalls++
	if r.failUpload != nil {
		return nil, r.failUpload
	}

	resp := &UploadResponse{}
	var ids []string
	for _, e := range req.Entities {
		ids = append(ids, e.ID)
		if msg, ok := r.reject[e.ID]; ok {
			resp.Failed = append(resp.Failed, EntityError{EntityID: e.ID, Error: msg})
			continue
		}
		c := e.Clone()
		c.SyncStatus = models.SyncStatusSynced
		c.MergedIDs = nil
		r.counter++
		r.entities[c.ID] = c
		r.seq[c.ID] = r.counter
		for _, absorbed := range e.MergedIDs {
			if old, ok := r.entities[absorbed]; ok {
				old.Deleted = true
				r.counter++
				r.seq[absorbed] = r.counter
			}
		}
		resp.Uploaded = append(resp.Uploaded, e.ID)
	}
	r.uploaded = append(r.uploaded, ids)
	if r.meta == nil {
		r.meta = &models.SyncMetadata{UserID: req.UserID}
	}
	r.meta.LastSyncStatus = models.SyncOutcomeSuccess
	resp.NewSyncToken = r.token()
	return resp, nil
}
