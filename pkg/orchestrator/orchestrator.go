// Package orchestrator coordinates offline-first synchronization between a
// device-local store and the server-held copy of a user's data.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pezware/mirubato-sub008/pkg/conflicts"
	"github.com/pezware/mirubato-sub008/pkg/events"
	"github.com/pezware/mirubato-sub008/pkg/models"
	"github.com/pezware/mirubato-sub008/pkg/syncqueue"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

type Config struct {
	DeviceID string
	// BatchSize bounds how many queued operations are uploaded per request.
	BatchSize int
}

type Orchestrator struct {
	cfg      Config
	local    LocalStore
	remote   RemoteStore
	queue    *syncqueue.Queue
	resolver *conflicts.Resolver
	notifier events.Notifier
	log      logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	userID  string
	syncing bool
	state   State
	// states delivers OnStateChange callbacks. It is created by the first
	// registration.
	states  *events.Bus
}

type Option func(*Orchestrator)

// WithQueue attaches the queue of local mutations drained at the start of
// every incremental pass.
func WithQueue(q *syncqueue.Queue) Option {
	return func(o *Orchestrator) {
		o.queue = q
	}
}

func WithResolver(r *conflicts.Resolver) Option {
	return func(o *Orchestrator) {
		o.resolver = r
	}
}

func WithNotifier(n events.Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func WithLogger(log logger.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

func New(cfg Config, local LocalStore, remote RemoteStore, opts ...Option) (*Orchestrator, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	o := &Orchestrator{
		cfg:      cfg,
		local:    local,
		remote:   remote,
		notifier: events.Nop{},
		log:      logger.New(),
		now:      time.Now,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.resolver == nil {
		r, err := conflicts.NewResolver(conflicts.LastWriteWins)
		if err != nil {
			return nil, err
		}
		o.resolver = r
	}
	return o, nil
}

// SetUser sets the user whose data is synchronized. Sync entry points are
// skipped until a user is set.
func (o *Orchestrator) SetUser(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.userID = userID
}

func (o *Orchestrator) ClearUser() {
	o.SetUser("")
}

func (o *Orchestrator) UserID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.userID
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) IsSyncing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.syncing
}

// OnStateChange registers a callback for every state transition. Callbacks
// run in order on a separate goroutine; a slow or panicking callback never
// holds up a sync pass. The returned function removes the callback.
func (o *Orchestrator) OnStateChange(fn func(from, to State)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.states == nil {
		o.states = events.NewBus(0)
	}
	return o.states.Subscribe(func(ev events.Event) {
		from, _ := ev.Data["from"].(State)
		to, _ := ev.Data["to"].(State)
		fn(from, to)
	})
}

// Close delivers state changes that are still queued and stops the goroutine
// that runs OnStateChange callbacks.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	states := o.states
	o.states = nil
	o.mu.Unlock()
	if states != nil {
		states.Close()
	}
}

// Queue returns the attached queue, if any.
func (o *Orchestrator) Queue() *syncqueue.Queue {
	return o.queue
}

// Status returns the last persisted sync outcome for the current user along
// with the in-memory state.
func (o *Orchestrator) Status(ctx context.Context) (*models.SyncMetadata, State, error) {
	userID := o.UserID()
	state := o.State()
	if userID == "" {
		return nil, state, nil
	}
	meta, err := o.local.GetSyncMetadata(ctx, userID)
	if err != nil {
		return nil, state, errors.WithStack(err)
	}
	return meta, state, nil
}

// RecordChange stamps a locally mutated entity, stores it and queues it for
// upload. It returns the stored copy.
func (o *Orchestrator) RecordChange(ctx context.Context, opType models.OperationType, e *models.Entity) (*models.Entity, error) {
	userID := o.UserID()
	if userID == "" {
		return nil, errors.New("cannot record a change without a user")
	}

	stored := e.Clone()
	now := o.now().UTC()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.LocalID == "" {
		stored.LocalID = stored.ID
	}
	if stored.UserID == "" {
		stored.UserID = userID
	}
	if stored.Type == "" && stored.Data != nil {
		stored.Type = stored.Data.EntityType()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.DeviceID = o.cfg.DeviceID
	stored.SyncStatus = models.SyncStatusPending
	stored.Deleted = opType == models.OperationDelete
	if err := stored.Refresh(); err != nil {
		return nil, err
	}

	if err := o.local.SaveRemoteChanges(ctx, []*models.Entity{stored}); err != nil {
		return nil, errors.WithStack(err)
	}
	if o.queue != nil {
		_, err := o.queue.AddOperation(ctx, &models.SyncOperation{
			Type:     opType,
			Resource: stored.Type,
			DataID:   stored.ID,
			Data:     stored,
		})
		if err != nil {
			return nil, err
		}
	}
	return stored.Clone(), nil
}

// begin claims the single sync slot. It returns false with a reason when the
// attempt has to be skipped.
func (o *Orchestrator) begin() (string, string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.syncing {
		return "", "Sync already in progress", false
	}
	if o.userID == "" {
		return "", "No user set", false
	}
	o.syncing = true
	return o.userID, "", true
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncing = false
}

func (o *Orchestrator) setState(userID string, to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	states := o.states
	o.mu.Unlock()

	if from == to {
		return
	}
	if states != nil {
		states.Publish(events.Event{
			Type:   events.SyncStateChanged,
			UserID: userID,
			At:     o.now(),
			Data:   map[string]any{"from": from, "to": to},
		})
	}
	o.publish(events.SyncStateChanged, userID, map[string]any{"from": string(from), "to": string(to)})
}

func (o *Orchestrator) publish(t events.Type, userID string, data map[string]any) {
	o.notifier.Publish(events.Event{Type: t, UserID: userID, At: o.now(), Data: data})
}

func (o *Orchestrator) skipped(reason string) *Result {
	o.publish(events.SyncSkipped, o.UserID(), map[string]any{"reason": reason})
	return &Result{Status: StatusSkipped, Message: reason}
}

// passContext detaches the pass from caller cancellation and tags its logs.
func (o *Orchestrator) passContext(ctx context.Context, userID, kind string) (context.Context, logger.Logger) {
	log := o.log.ID(uuid.NewString()).Root(logger.Data{"user_id": userID, "pass": kind, "device_id": o.cfg.DeviceID})
	return log.WithContext(context.WithoutCancel(ctx)), log
}

// InitializeSync picks a strategy from the metadata on each side: fresh
// start, upload-only, download-only or a full incremental pass.
func (o *Orchestrator) InitializeSync(ctx context.Context) (*Result, error) {
	userID, reason, ok := o.begin()
	if !ok {
		return o.skipped(reason), nil
	}
	defer o.end()

	ctx, log := o.passContext(ctx, userID, "initialize")
	o.setState(userID, StateSyncing)
	o.publish(events.SyncStarted, userID, map[string]any{"pass": "initialize"})

	localMeta, err := o.local.GetSyncMetadata(ctx, userID)
	if err != nil {
		return nil, o.fail(ctx, userID, nil, CodeSyncInitFailed, errors.Wrap(err, "failed to read local sync metadata"))
	}
	remoteMeta, err := o.remote.FetchSyncMetadata(ctx, userID)
	if err != nil {
		return nil, o.fail(ctx, userID, localMeta, CodeSyncInitFailed, errors.Wrap(err, "failed to fetch remote sync metadata"))
	}

	var res *Result
	switch {
	case localMeta == nil && remoteMeta == nil:
		log.Info("no sync history on either side")
		meta := &models.SyncMetadata{UserID: userID, LastSyncStatus: models.SyncOutcomeSuccess}
		if err := o.local.SaveSyncMetadata(ctx, meta); err != nil {
			return nil, o.fail(ctx, userID, nil, CodeSyncInitFailed, errors.WithStack(err))
		}
		res = &Result{Status: StatusSuccess, Message: "Fresh sync initialized"}
	case remoteMeta == nil:
		log.Info("server has no sync history, uploading local data")
		res, err = o.uploadOnly(ctx, userID, localMeta)
	case localMeta == nil:
		log.Info("device has no sync history, downloading server data")
		res, err = o.downloadOnly(ctx, userID)
	default:
		res, err = o.incremental(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	o.finish(ctx, userID, res)
	return res, nil
}

// PerformIncrementalSync runs one reconciliation pass. It is skipped when
// another pass is running or no user is set.
func (o *Orchestrator) PerformIncrementalSync(ctx context.Context) (*Result, error) {
	userID, reason, ok := o.begin()
	if !ok {
		return o.skipped(reason), nil
	}
	defer o.end()

	ctx, _ = o.passContext(ctx, userID, "incremental")
	o.setState(userID, StateSyncing)
	o.publish(events.SyncStarted, userID, map[string]any{"pass": "incremental"})

	res, err := o.incremental(ctx, userID)
	if err != nil {
		return nil, err
	}
	o.finish(ctx, userID, res)
	return res, nil
}

// ForceFullSync reconciles every local entity against every remote one and
// replaces the local data set with the result.
func (o *Orchestrator) ForceFullSync(ctx context.Context) (*Result, error) {
	userID, reason, ok := o.begin()
	if !ok {
		return o.skipped(reason), nil
	}
	defer o.end()

	ctx, _ = o.passContext(ctx, userID, "full")
	o.setState(userID, StateSyncing)
	o.publish(events.SyncStarted, userID, map[string]any{"pass": "full"})

	res, err := o.full(ctx, userID)
	if err != nil {
		return nil, err
	}
	o.finish(ctx, userID, res)
	return res, nil
}

type outcome struct {
	res *Result
	err error
}

// AttemptFinalSync runs an incremental pass but stops waiting for it after
// timeout. The pass itself is not cancelled and may still complete.
func (o *Orchestrator) AttemptFinalSync(ctx context.Context, timeout time.Duration) (*Result, error) {
	done := make(chan outcome, 1)
	go func() {
		res, err := o.PerformIncrementalSync(context.WithoutCancel(ctx))
		done <- outcome{res: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.res, out.err
	case <-timer.C:
		msg := fmt.Sprintf("Sync timed out after %dms", timeout.Milliseconds())
		o.publish(events.SyncTimeout, o.UserID(), map[string]any{"timeout_ms": timeout.Milliseconds()})
		logger.FromContext(ctx).Warn("final sync did not finish in time", logger.Data{"timeout": timeout.String()})
		return &Result{Status: StatusTimeout, Message: msg}, nil
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

func (o *Orchestrator) finish(ctx context.Context, userID string, res *Result) {
	if res.hasFailures() && res.Status == StatusSuccess {
		res.Status = StatusPartial
	}
	logger.FromContext(ctx).Info("sync finished", logger.Data{
		"status":     res.Status,
		"uploaded":   res.Uploaded,
		"downloaded": res.Downloaded,
		"conflicts":  res.Conflicts,
		"merged":     res.Merged,
		"deleted":    res.Deleted,
		"errors":     len(res.Errors),
	})
	o.setState(userID, StateIdle)
	o.publish(events.SyncCompleted, userID, map[string]any{
		"status":     string(res.Status),
		"uploaded":   res.Uploaded,
		"downloaded": res.Downloaded,
		"conflicts":  res.Conflicts,
		"merged":     res.Merged,
	})
}

// fail records a failed pass in the local metadata, moves to the error state
// and returns the coded error. Work already persisted is kept.
func (o *Orchestrator) fail(ctx context.Context, userID string, meta *models.SyncMetadata, code string, cause error) error {
	log := logger.FromContext(ctx)
	log.Err(cause).Error("sync failed")

	if meta == nil {
		meta = &models.SyncMetadata{UserID: userID}
	} else {
		c := *meta
		meta = &c
	}
	meta.LastSyncStatus = models.SyncOutcomeFailed
	meta.LastSyncError = cause.Error()
	if o.queue != nil {
		meta.PendingSyncCount = o.queue.PendingCount()
	}
	if err := o.local.SaveSyncMetadata(ctx, meta); err != nil {
		log.Err(err).Error("failed to record sync failure")
	}

	o.setState(userID, StateError)
	o.publish(events.SyncError, userID, map[string]any{"code": code, "error": cause.Error()})
	return &Error{Code: code, Err: cause}
}
