// Package syncqueue is a durable, retryable queue of local mutations waiting
// to be uploaded. It computes backoff delays but never sleeps; callers decide
// when to process it again.
package syncqueue

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pezware/mirubato-sub008/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

type Config struct {
	MaxRetries        int           `default:"3"`
	BaseDelay         time.Duration `default:"1s"`
	BackoffMultiplier float64       `default:"2"`
	MaxBackoff        time.Duration `default:"30s"`
}

// Uploader delivers a batch of operations. A returned error fails the whole
// batch; otherwise the operations listed in the result's Failed map fail and
// the rest succeed.
type Uploader interface {
	Upload(ctx context.Context, ops []*models.SyncOperation) (*UploadResult, error)
}

type UploaderFunc func(ctx context.Context, ops []*models.SyncOperation) (*UploadResult, error)

func (f UploaderFunc) Upload(ctx context.Context, ops []*models.SyncOperation) (*UploadResult, error) {
	return f(ctx, ops)
}

type UploadResult struct {
	// Failed maps operation ids to the error that failed them.
	Failed map[string]error
}

type ProcessResult struct {
	Skipped   bool
	Processed int
	Succeeded int
	Failed    int
	// Pending is the number of operations still waiting after this run.
	Pending int
	// PermanentlyFailed are operations that exhausted their retries in this
	// run. They stay in the queue in the failed state.
	PermanentlyFailed []*models.SyncOperation
	// NextRetryDelay is the suggested wait before processing again. It is
	// zero when nothing failed.
	NextRetryDelay time.Duration
}

type Queue struct {
	cfg     Config
	backing Backing
	now     func() time.Time

	mu         sync.Mutex
	ops        []*models.SyncOperation
	processing bool
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

func New(backing Backing, cfg Config, opts ...Option) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	q := &Queue{
		cfg:     cfg,
		backing: backing,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load replaces the in-memory queue with the persisted one. Operations that
// were syncing when the process stopped are reset to pending.
func (q *Queue) Load(ctx context.Context) error {
	raw, err := q.backing.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load sync queue")
	}
	ops, err := decodeOperations(raw)
	if err != nil {
		return err
	}

	recovered := 0
	for _, op := range ops {
		if op.Status == models.OperationStatusSyncing {
			op.Status = models.OperationStatusPending
			recovered++
		}
	}
	sortByTimestamp(ops)

	q.mu.Lock()
	q.ops = ops
	q.mu.Unlock()

	if recovered > 0 {
		logger.FromContext(ctx).Info("recovered interrupted sync operations", logger.Data{"count": recovered})
		return q.persist(ctx)
	}
	return nil
}

// AddOperation enqueues a mutation. A pending operation for the same
// resource, type and data id is replaced in place, keeping its original
// timestamp.
func (q *Queue) AddOperation(ctx context.Context, op *models.SyncOperation) (*models.SyncOperation, error) {
	if op.DataID == "" && op.Data != nil {
		op.DataID = op.Data.ID
	}
	if op.DataID == "" {
		return nil, errors.New("sync operation has no data id")
	}
	if op.Resource == "" && op.Data != nil {
		op.Resource = op.Data.Type
	}

	now := q.now().UTC()
	q.mu.Lock()
	var stored *models.SyncOperation
	for _, existing := range q.ops {
		if existing.Status != models.OperationStatusPending || existing.Key() != op.Key() {
			continue
		}
		existing.Data = op.Data.Clone()
		existing.UpdatedAt = now
		existing.RetryCount = 0
		existing.LastError = ""
		stored = existing
		break
	}
	if stored == nil {
		stored = &models.SyncOperation{
			ID:        op.ID,
			Type:      op.Type,
			Resource:  op.Resource,
			DataID:    op.DataID,
			Data:      op.Data.Clone(),
			Timestamp: op.Timestamp,
			UpdatedAt: now,
			Status:    models.OperationStatusPending,
		}
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		if stored.Timestamp.IsZero() {
			stored.Timestamp = now
		}
		q.ops = append(q.ops, stored)
		sortByTimestamp(q.ops)
	}
	out := cloneOperation(stored)
	q.mu.Unlock()

	return out, q.persist(ctx)
}

// ProcessQueue uploads up to batchSize operations, oldest first. Only one
// call runs at a time; a concurrent call returns immediately with Skipped
// set and the current pending count.
func (q *Queue) ProcessQueue(ctx context.Context, batchSize int, uploader Uploader) (*ProcessResult, error) {
	log := logger.FromContext(ctx)

	q.mu.Lock()
	if q.processing {
		pending := q.pendingLocked()
		q.mu.Unlock()
		return &ProcessResult{Skipped: true, Pending: pending}, nil
	}
	q.processing = true
	batch := q.selectLocked(batchSize)
	for _, op := range batch {
		op.Status = models.OperationStatusSyncing
		op.UpdatedAt = q.now().UTC()
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	res := &ProcessResult{Processed: len(batch)}
	if len(batch) == 0 {
		res.Pending = q.PendingCount()
		return res, nil
	}
	if err := q.persist(ctx); err != nil {
		q.revert(batch)
		return nil, err
	}

	uploads := make([]*models.SyncOperation, 0, len(batch))
	for _, op := range batch {
		uploads = append(uploads, cloneOperation(op))
	}
	result, uploadErr := uploader.Upload(ctx, uploads)

	q.mu.Lock()
	now := q.now().UTC()
	maxRetry := 0
	done := make(map[string]struct{})
	for _, op := range batch {
		var opErr error
		if uploadErr != nil {
			opErr = uploadErr
		} else if result != nil {
			opErr = result.Failed[op.ID]
		}
		if opErr == nil {
			done[op.ID] = struct{}{}
			res.Succeeded++
			continue
		}

		res.Failed++
		op.RetryCount++
		op.LastError = opErr.Error()
		op.UpdatedAt = now
		if op.RetryCount < q.cfg.MaxRetries {
			op.Status = models.OperationStatusPending
		} else {
			op.Status = models.OperationStatusFailed
			res.PermanentlyFailed = append(res.PermanentlyFailed, cloneOperation(op))
		}
		maxRetry = max(maxRetry, op.RetryCount)
	}
	kept := q.ops[:0]
	for _, op := range q.ops {
		if _, ok := done[op.ID]; !ok {
			kept = append(kept, op)
		}
	}
	q.ops = kept
	res.Pending = q.pendingLocked()
	q.mu.Unlock()

	if res.Failed > 0 {
		res.NextRetryDelay = q.Backoff(maxRetry)
		log.Warn("sync operations failed", logger.Data{
			"failed":             res.Failed,
			"permanently_failed": len(res.PermanentlyFailed),
			"next_retry":         res.NextRetryDelay.String(),
		})
	}

	if err := q.persist(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// Backoff returns min(BaseDelay * BackoffMultiplier^retryCount, MaxBackoff).
func (q *Queue) Backoff(retryCount int) time.Duration {
	delay := float64(q.cfg.BaseDelay) * math.Pow(q.cfg.BackoffMultiplier, float64(retryCount))
	if delay >= float64(q.cfg.MaxBackoff) || math.IsInf(delay, 0) {
		return q.cfg.MaxBackoff
	}
	return time.Duration(delay)
}

// RetryFailed moves every permanently failed operation back to pending with
// a fresh retry budget. It returns how many were moved.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	n := 0
	for _, op := range q.ops {
		if op.Status != models.OperationStatusFailed {
			continue
		}
		op.Status = models.OperationStatusPending
		op.RetryCount = 0
		op.UpdatedAt = q.now().UTC()
		n++
	}
	q.mu.Unlock()

	if n == 0 {
		return 0, nil
	}
	return n, q.persist(ctx)
}

// Remove drops an operation by id.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	found := false
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			found = true
			break
		}
	}
	q.mu.Unlock()

	if !found {
		return nil
	}
	return q.persist(ctx)
}

// Clear empties the queue.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	q.ops = nil
	q.mu.Unlock()
	return q.persist(ctx)
}

// PendingCount is the number of operations that are not permanently failed.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

func (q *Queue) FailedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, op := range q.ops {
		if op.Status == models.OperationStatusFailed {
			n++
		}
	}
	return n
}

// Operations returns a snapshot of the queue in processing order.
func (q *Queue) Operations() []*models.SyncOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.SyncOperation, 0, len(q.ops))
	for _, op := range q.ops {
		out = append(out, cloneOperation(op))
	}
	return out
}

// HasWork reports whether a ProcessQueue call would pick anything up.
func (q *Queue) HasWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.selectLocked(1)) > 0
}

// Queued maps every entity with an operation in the queue to that
// operation's status. An entity with a live operation is reported pending
// even if an older operation for it has failed permanently.
func (q *Queue) Queued() map[string]models.OperationStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]models.OperationStatus, len(q.ops))
	for _, op := range q.ops {
		if op.Status == models.OperationStatusFailed {
			if _, ok := out[op.DataID]; !ok {
				out[op.DataID] = models.OperationStatusFailed
			}
			continue
		}
		out[op.DataID] = models.OperationStatusPending
	}
	return out
}

// Discard drops every operation for the given entities, whatever its status.
// It returns how many were dropped.
func (q *Queue) Discard(ctx context.Context, dataIDs []string) (int, error) {
	drop := make(map[string]struct{}, len(dataIDs))
	for _, id := range dataIDs {
		drop[id] = struct{}{}
	}

	q.mu.Lock()
	kept := q.ops[:0]
	for _, op := range q.ops {
		if _, ok := drop[op.DataID]; !ok {
			kept = append(kept, op)
		}
	}
	n := len(q.ops) - len(kept)
	q.ops = kept
	q.mu.Unlock()

	if n == 0 {
		return 0, nil
	}
	return n, q.persist(ctx)
}

func (q *Queue) pendingLocked() int {
	n := 0
	for _, op := range q.ops {
		if op.Status != models.OperationStatusFailed {
			n++
		}
	}
	return n
}

func (q *Queue) selectLocked(batchSize int) []*models.SyncOperation {
	if batchSize <= 0 {
		batchSize = len(q.ops)
	}
	var batch []*models.SyncOperation
	for _, op := range q.ops {
		if len(batch) >= batchSize {
			break
		}
		switch {
		case op.Status == models.OperationStatusPending:
		case op.Status == models.OperationStatusFailed && op.RetryCount < q.cfg.MaxRetries:
		default:
			continue
		}
		batch = append(batch, op)
	}
	return batch
}

func (q *Queue) revert(batch []*models.SyncOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range batch {
		op.Status = models.OperationStatusPending
	}
}

func (q *Queue) persist(ctx context.Context) error {
	q.mu.Lock()
	raw, err := encodeOperations(q.ops)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return errors.Wrap(q.backing.Save(ctx, raw), "failed to persist sync queue")
}

func sortByTimestamp(ops []*models.SyncOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].Timestamp.Before(ops[j].Timestamp)
	})
}

func cloneOperation(op *models.SyncOperation) *models.SyncOperation {
	c := *op
	c.Data = op.Data.Clone()
	return &c
}
