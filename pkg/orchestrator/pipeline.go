package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/pezware/mirubato-sub008/pkg/dedupe"
	"github.com/pezware/mirubato-sub008/pkg/events"
	"github.com/pezware/mirubato-sub008/pkg/models"
	"github.com/pezware/mirubato-sub008/pkg/syncqueue"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// plan is the outcome of reconciling a local and a remote entity set.
type plan struct {
	// entities are the live, reconciled entities.
	entities []*models.Entity
	// tombstones are local deletions that still need to be uploaded.
	tombstones []*models.Entity
	// absorbed are ids folded into another entity by duplicate merging.
	absorbed []string
	// removed are ids deleted on the server.
	removed []string
}

// uploads returns what still has to go up in this pass. Entities with an
// operation in the queue are left to the queue, which owns their retry
// budget.
func (p *plan) uploads(queued map[string]models.OperationStatus) []*models.Entity {
	var batch []*models.Entity
	for _, e := range p.entities {
		// Merges that absorbed other records are uploaded even when every
		// member was synced, so the server drops the absorbed copies too.
		if (e.IsPending() || len(e.MergedIDs) > 0) && uploadable(e, queued) {
			batch = append(batch, e)
		}
	}
	for _, e := range p.tombstones {
		if uploadable(e, queued) {
			batch = append(batch, e)
		}
	}
	return batch
}

// uploadable reports whether e may be uploaded outside the queue. A merge
// carries content no queued operation has, so it goes up unless the entity
// has already exhausted its retries.
func uploadable(e *models.Entity, queued map[string]models.OperationStatus) bool {
	switch queued[e.ID] {
	case models.OperationStatusFailed:
		return false
	case models.OperationStatusPending:
		return len(e.MergedIDs) > 0
	default:
		return true
	}
}

func (o *Orchestrator) incremental(ctx context.Context, userID string) (*Result, error) {
	res := &Result{Status: StatusSuccess}

	meta, err := o.local.GetSyncMetadata(ctx, userID)
	if err != nil {
		return nil, o.fail(ctx, userID, nil, CodeSyncFailed, errors.Wrap(err, "failed to read local sync metadata"))
	}
	if meta == nil {
		meta = &models.SyncMetadata{UserID: userID}
	}

	token, err := o.drainQueue(ctx, userID, meta.SyncToken, res)
	if err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, errors.Wrap(err, "failed to drain sync queue"))
	}

	locals, err := o.local.GetUnsyncedEntries(ctx)
	if err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, errors.Wrap(err, "failed to read unsynced entities"))
	}

	var remotes []*models.Entity
	var removed []string
	if token != "" {
		cs, err := o.remote.FetchChangesSince(ctx, userID, token)
		switch {
		case errors.Is(err, ErrUnknownSyncToken):
			logger.FromContext(ctx).Warn("server rejected sync token, fetching all data", logger.Data{"token": token})
			token = ""
		case err != nil:
			return nil, o.fail(ctx, userID, meta, CodeSyncFailed, errors.Wrap(err, "failed to fetch remote changes"))
		default:
			remotes, removed = cs.Entities, cs.DeletedIDs
			if cs.NewSyncToken != "" {
				token = cs.NewSyncToken
			}
		}
	}
	if token == "" {
		snap, err := o.remote.FetchAllData(ctx, userID)
		if err != nil {
			return nil, o.fail(ctx, userID, meta, CodeSyncFailed, errors.Wrap(err, "failed to fetch remote data"))
		}
		remotes = snap.Entities
		if snap.SyncToken != "" {
			token = snap.SyncToken
		}
	}
	res.Downloaded = len(remotes)

	p, err := o.reconcile(ctx, locals, remotes, removed, false, res)
	if err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, err)
	}
	token, err = o.applyPlan(ctx, userID, token, p, res)
	if err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, err)
	}

	if err := o.advance(ctx, meta, token, res); err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, err)
	}
	return res, nil
}

func (o *Orchestrator) full(ctx context.Context, userID string) (*Result, error) {
	res := &Result{Status: StatusSuccess}

	meta, err := o.local.GetSyncMetadata(ctx, userID)
	if err != nil {
		return nil, o.fail(ctx, userID, nil, CodeSyncFailed, errors.Wrap(err, "failed to read local sync metadata"))
	}
	if meta == nil {
		meta = &models.SyncMetadata{UserID: userID}
	}

	token, err := o.drainQueue(ctx, userID, meta.SyncToken, res)
	if err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, errors.Wrap(err, "failed to drain sync queue"))
	}

	locals, err := o.local.GetAllEntities(ctx)
	if err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, errors.Wrap(err, "failed to read local entities"))
	}
	snap, err := o.remote.FetchAllData(ctx, userID)
	if err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, errors.Wrap(err, "failed to fetch remote data"))
	}
	if snap.SyncToken != "" {
		token = snap.SyncToken
	}
	res.Downloaded = len(snap.Entities)

	p, err := o.reconcile(ctx, locals, snap.Entities, nil, true, res)
	if err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, err)
	}
	if err := o.discardQueued(ctx, p.absorbed); err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, err)
	}

	batch := p.uploads(o.queued())
	acked, token, err := o.uploadBatch(ctx, userID, token, batch, res)
	if err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, err)
	}

	final := make([]*models.Entity, 0, len(p.entities)+len(p.tombstones))
	for _, e := range p.entities {
		if _, ok := acked[e.ID]; ok {
			e.SyncStatus = models.SyncStatusSynced
			e.MergedIDs = nil
		}
		final = append(final, e)
	}
	for _, e := range p.tombstones {
		if _, ok := acked[e.ID]; !ok {
			final = append(final, e)
		}
	}
	if err := o.local.ReplaceAllEntities(ctx, final); err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, errors.Wrap(err, "failed to replace local entities"))
	}

	if err := o.advance(ctx, meta, token, res); err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, err)
	}
	return res, nil
}

func (o *Orchestrator) uploadOnly(ctx context.Context, userID string, meta *models.SyncMetadata) (*Result, error) {
	res := &Result{Status: StatusSuccess}

	token, err := o.drainQueue(ctx, userID, meta.SyncToken, res)
	if err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, errors.Wrap(err, "failed to drain sync queue"))
	}

	unsynced, err := o.local.GetUnsyncedEntries(ctx)
	if err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, errors.Wrap(err, "failed to read unsynced entities"))
	}
	queued := o.queued()
	batch := make([]*models.Entity, 0, len(unsynced))
	for _, e := range unsynced {
		if uploadable(e, queued) {
			batch = append(batch, e)
		}
	}
	acked, token, err := o.uploadBatch(ctx, userID, token, batch, res)
	if err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, err)
	}
	if err := o.applyAcks(ctx, batch, acked); err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, err)
	}

	if err := o.advance(ctx, meta, token, res); err != nil {
		return nil, o.fail(ctx, userID, meta, CodeSyncFailed, err)
	}
	res.Message = fmt.Sprintf("Uploaded %d entities", res.Uploaded)
	return res, nil
}

// downloadOnly is the first sync of a device against existing server data.
// Anything recorded on the device before then is reconciled against the
// snapshot, so an entry logged both offline and in the cloud ends up once.
func (o *Orchestrator) downloadOnly(ctx context.Context, userID string) (*Result, error) {
	res := &Result{Status: StatusSuccess}
	meta := &models.SyncMetadata{UserID: userID}

	snap, err := o.remote.FetchInitialData(ctx, userID)
	if err != nil {
		return nil, o.fail(ctx, userID, nil, CodeSyncFailed, errors.Wrap(err, "failed to fetch initial data"))
	}
	for _, e := range snap.Entities {
		if !e.Deleted {
			res.Downloaded++
		}
	}

	locals, err := o.local.GetUnsyncedEntries(ctx)
	if err != nil {
		return nil, o.fail(ctx, userID, nil, CodeSyncFailed, errors.Wrap(err, "failed to read unsynced entities"))
	}
	p, err := o.reconcile(ctx, locals, snap.Entities, nil, false, res)
	if err != nil {
		return nil, o.fail(ctx, userID, nil, CodeSyncFailed, err)
	}
	token, err := o.applyPlan(ctx, userID, snap.SyncToken, p, res)
	if err != nil {
		return nil, o.fail(ctx, userID, nil, CodeSyncFailed, err)
	}

	if err := o.advance(ctx, meta, token, res); err != nil {
		return nil, o.fail(ctx, userID, nil, CodeSyncFailed, err)
	}
	res.Message = fmt.Sprintf("Downloaded %d entities", res.Downloaded)
	return res, nil
}

// reconcile resolves same-id conflicts and then folds duplicates across the
// combined set. With dropStaleSynced, synced local entities missing from the
// remote set are treated as deleted remotely.
func (o *Orchestrator) reconcile(ctx context.Context, locals, remotes []*models.Entity, removedIDs []string, dropStaleSynced bool, res *Result) (*plan, error) {
	p := &plan{}

	removed := make(map[string]struct{}, len(removedIDs))
	for _, id := range removedIDs {
		removed[id] = struct{}{}
	}

	pendingDeletes := make(map[string]struct{})
	for _, e := range locals {
		if e.Deleted && e.IsPending() {
			p.tombstones = append(p.tombstones, e)
			pendingDeletes[e.ID] = struct{}{}
		}
	}

	incoming := make([]*models.Entity, 0, len(remotes))
	for _, e := range remotes {
		if _, ok := pendingDeletes[e.ID]; ok {
			continue
		}
		if e.Deleted {
			removed[e.ID] = struct{}{}
			continue
		}
		e.SyncStatus = models.SyncStatusSynced
		incoming = append(incoming, e)
	}

	// A pending local edit outlives a remote deletion and is uploaded again.
	live := make([]*models.Entity, 0, len(locals))
	revived := make(map[string]struct{})
	for _, e := range locals {
		if e.Deleted {
			continue
		}
		if _, gone := removed[e.ID]; gone {
			if !e.IsPending() {
				continue
			}
			revived[e.ID] = struct{}{}
		}
		live = append(live, e)
	}

	rc, err := o.resolver.ResolveAll(live, incoming)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve conflicts")
	}
	res.Conflicts += len(rc.Resolved)
	if len(rc.Resolved) > 0 {
		logger.FromContext(ctx).Info("resolved conflicts", logger.Data{"count": len(rc.Resolved), "ids": models.IDs(rc.Resolved)})
	}

	if dropStaleSynced {
		kept := rc.LocalOnly[:0]
		for _, e := range rc.LocalOnly {
			if e.IsPending() {
				kept = append(kept, e)
			}
		}
		rc.LocalOnly = kept
	}

	dd := dedupe.DetectAndMerge(rc.Entities())
	res.Merged += dd.Merged
	for _, f := range dd.Failures {
		res.addErrors(EntityError{EntityID: f.EntityID, Error: "merge: " + f.Err.Error()})
	}
	for _, e := range dd.Entities {
		for _, id := range e.MergedIDs {
			if id != e.ID {
				p.absorbed = append(p.absorbed, id)
			}
		}
	}
	p.entities = dd.Entities

	for id := range removed {
		_, deleting := pendingDeletes[id]
		_, kept := revived[id]
		if !deleting && !kept {
			p.removed = append(p.removed, id)
		}
	}
	sort.Strings(p.removed)
	return p, nil
}

// uploadBatch sends entities to the server and returns the acknowledged ids
// and the newest sync token.
func (o *Orchestrator) uploadBatch(ctx context.Context, userID, token string, batch []*models.Entity, res *Result) (map[string]struct{}, string, error) {
	acked := make(map[string]struct{})
	if len(batch) == 0 {
		return acked, token, nil
	}

	resp, err := o.remote.UploadBatch(ctx, &UploadRequest{UserID: userID, SyncToken: token, Entities: batch})
	if err != nil {
		return nil, token, errors.Wrap(err, "failed to upload entities")
	}
	for _, id := range resp.Uploaded {
		acked[id] = struct{}{}
	}
	res.addUploaded(resp.Uploaded)
	res.addErrors(resp.Failed...)
	if len(resp.Failed) > 0 {
		logger.FromContext(ctx).Warn("server rejected entities", logger.Data{"count": len(resp.Failed)})
	}
	if resp.NewSyncToken != "" {
		token = resp.NewSyncToken
	}
	return acked, token, nil
}

// applyPlan stores a reconciled plan, uploads what it leaves pending and
// returns the newest sync token.
func (o *Orchestrator) applyPlan(ctx context.Context, userID, token string, p *plan, res *Result) (string, error) {
	if len(p.entities) > 0 {
		if err := o.local.SaveRemoteChanges(ctx, p.entities); err != nil {
			return token, errors.Wrap(err, "failed to save reconciled entities")
		}
	}
	if drop := append(append([]string(nil), p.absorbed...), p.removed...); len(drop) > 0 {
		if err := o.local.DeleteEntities(ctx, drop); err != nil {
			return token, errors.Wrap(err, "failed to delete entities")
		}
	}
	if err := o.discardQueued(ctx, p.absorbed); err != nil {
		return token, err
	}
	res.Deleted = len(p.removed)

	batch := p.uploads(o.queued())
	acked, token, err := o.uploadBatch(ctx, userID, token, batch, res)
	if err != nil {
		return token, err
	}
	if err := o.applyAcks(ctx, batch, acked); err != nil {
		return token, err
	}

	// An acknowledged merge supersedes whatever the queue still holds for it.
	var merged []string
	for _, e := range batch {
		if _, ok := acked[e.ID]; ok && len(e.MergedIDs) > 0 {
			merged = append(merged, e.ID)
		}
	}
	return token, o.discardQueued(ctx, merged)
}

func (o *Orchestrator) queued() map[string]models.OperationStatus {
	if o.queue == nil {
		return nil
	}
	return o.queue.Queued()
}

func (o *Orchestrator) discardQueued(ctx context.Context, ids []string) error {
	if o.queue == nil || len(ids) == 0 {
		return nil
	}
	n, err := o.queue.Discard(ctx, ids)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.FromContext(ctx).Info("dropped queued operations for merged entities", logger.Data{"count": n, "ids": ids})
	}
	return nil
}

// applyAcks marks acknowledged entities synced and drops acknowledged
// deletions from the local store.
func (o *Orchestrator) applyAcks(ctx context.Context, batch []*models.Entity, acked map[string]struct{}) error {
	var synced, deleted []string
	for _, e := range batch {
		if _, ok := acked[e.ID]; !ok {
			continue
		}
		if e.Deleted {
			deleted = append(deleted, e.ID)
		} else {
			synced = append(synced, e.ID)
		}
	}
	if len(synced) > 0 {
		if err := o.local.MarkAsSynced(ctx, synced); err != nil {
			return errors.Wrap(err, "failed to mark entities synced")
		}
	}
	if len(deleted) > 0 {
		if err := o.local.DeleteEntities(ctx, deleted); err != nil {
			return errors.Wrap(err, "failed to delete entities")
		}
	}
	return nil
}

// drainQueue uploads queued mutations batch by batch until the queue is
// empty, a batch fails or another drain is running.
func (o *Orchestrator) drainQueue(ctx context.Context, userID, token string, res *Result) (string, error) {
	if o.queue == nil {
		return token, nil
	}

	uploader := syncqueue.UploaderFunc(func(ctx context.Context, ops []*models.SyncOperation) (*syncqueue.UploadResult, error) {
		// The newest operation for an entity carries its current state.
		opsByEntity := make(map[string][]string)
		latest := make(map[string]*models.Entity)
		var order []string
		for _, op := range ops {
			if op.Data == nil {
				continue
			}
			if _, ok := latest[op.DataID]; !ok {
				order = append(order, op.DataID)
			}
			data := op.Data
			if op.Type == models.OperationDelete {
				data.Deleted = true
			}
			latest[op.DataID] = data
			opsByEntity[op.DataID] = append(opsByEntity[op.DataID], op.ID)
		}
		batch := make([]*models.Entity, 0, len(order))
		for _, id := range order {
			batch = append(batch, latest[id])
		}

		resp, err := o.remote.UploadBatch(ctx, &UploadRequest{UserID: userID, SyncToken: token, Entities: batch})
		if err != nil {
			// the queue retries these on a later pass
			for _, id := range order {
				res.addErrors(EntityError{EntityID: id, Error: err.Error()})
			}
			return nil, errors.WithStack(err)
		}
		if resp.NewSyncToken != "" {
			token = resp.NewSyncToken
		}

		res.addErrors(resp.Failed...)
		failed := make(map[string]error)
		for _, f := range resp.Failed {
			for _, opID := range opsByEntity[f.EntityID] {
				failed[opID] = errors.New(f.Error)
			}
		}
		acked := make(map[string]struct{}, len(resp.Uploaded))
		for _, id := range resp.Uploaded {
			acked[id] = struct{}{}
		}
		res.addUploaded(resp.Uploaded)
		if err := o.applyAcks(ctx, batch, acked); err != nil {
			return nil, err
		}
		return &syncqueue.UploadResult{Failed: failed}, nil
	})

	for {
		pr, err := o.queue.ProcessQueue(ctx, o.cfg.BatchSize, uploader)
		if err != nil {
			return token, err
		}
		if pr.Skipped {
			return token, nil
		}
		for _, op := range pr.PermanentlyFailed {
			res.QueueFailed++
			res.addErrors(EntityError{EntityID: op.DataID, Error: op.LastError})
			o.publish(events.QueueOperationFailed, userID, map[string]any{
				"operation_id": op.ID,
				"entity_id":    op.DataID,
				"error":        op.LastError,
			})
		}
		if pr.Processed == 0 || pr.Failed > 0 || !o.queue.HasWork() {
			return token, nil
		}
	}
}

// advance records a finished pass in the local metadata.
func (o *Orchestrator) advance(ctx context.Context, meta *models.SyncMetadata, token string, res *Result) error {
	next := *meta
	next.LastSyncTimestamp = o.now().UTC()
	if token != "" {
		next.SyncToken = token
	}
	next.LastSyncStatus = models.SyncOutcomeSuccess
	next.LastSyncError = ""
	if res.hasFailures() {
		next.LastSyncStatus = models.SyncOutcomePartial
		next.LastSyncError = fmt.Sprintf("%d entities failed to sync", len(res.Errors))
	}
	// Queued entities are counted by the queue; permanently failed ones are
	// not pending anymore.
	queued := o.queued()
	next.PendingSyncCount = 0
	for _, e := range res.Errors {
		if _, ok := queued[e.EntityID]; !ok {
			next.PendingSyncCount++
		}
	}
	if o.queue != nil {
		next.PendingSyncCount += o.queue.PendingCount()
	}
	return errors.Wrap(o.local.SaveSyncMetadata(ctx, &next), "failed to save sync metadata")
}
