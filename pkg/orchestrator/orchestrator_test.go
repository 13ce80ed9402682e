package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pezware/mirubato-sub008/pkg/conflicts"
	"github.com/pezware/mirubato-sub008/pkg/events"
	"github.com/pezware/mirubato-sub008/pkg/models"
	"github.com/pezware/mirubato-sub008/pkg/syncqueue"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return t0.Add(24 * time.Hour) }

func logbook(id, notes string, at, updated time.Time, status models.SyncStatus) *models.Entity {
	e := &models.Entity{
		ID:         id,
		LocalID:    id,
		UserID:     "u1",
		Type:       models.EntityTypeLogbookEntry,
		Data:       &models.LogbookEntry{Timestamp: at, Type: "practice", Instrument: "piano", DurationMinutes: 30, Notes: notes},
		CreatedAt:  t0,
		UpdatedAt:  updated,
		SyncStatus: status,
	}
	if err := e.Refresh(); err != nil {
		panic(err)
	}
	return e
}

func goal(id string, current float64, status models.SyncStatus) *models.Entity {
	e := &models.Entity{
		ID:         id,
		LocalID:    id,
		UserID:     "u1",
		Type:       models.EntityTypeGoal,
		Data:       &models.Goal{Title: "Learn Chopin Nocturne", TargetValue: 100, CurrentValue: current},
		CreatedAt:  t0,
		UpdatedAt:  t0,
		SyncStatus: status,
	}
	if err := e.Refresh(); err != nil {
		panic(err)
	}
	return e
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) record(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newOrchestrator(t *testing.T, local LocalStore, remote RemoteStore, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithClock(fixedClock)}, opts...)
	o, err := New(Config{DeviceID: "device-a", BatchSize: 10}, local, remote, opts...)
	require.NoError(t, err)
	o.SetUser("u1")
	return o
}

func withHistory(local *fakeLocal, token string) {
	local.meta["u1"] = &models.SyncMetadata{UserID: "u1", SyncToken: token, LastSyncStatus: models.SyncOutcomeSuccess}
}

func TestInitializeSync_Fresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local, remote := newFakeLocal(), newFakeRemote()
	o := newOrchestrator(t, local, remote)

	res, err := o.InitializeSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "Fresh sync initialized", res.Message)
	assert.Equal(t, StateIdle, o.State())

	meta, err := local.GetSyncMetadata(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, models.SyncOutcomeSuccess, meta.LastSyncStatus)
	assert.Zero(t, remote.uploadCalls)
}

func TestInitializeSync_UploadOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local, remote := newFakeLocal(), newFakeRemote()
	withHistory(local, "")
	local.put(
		logbook("l1", "scales", t0, t0, models.SyncStatusPending),
		logbook("l2", "arpeggios", t0.Add(time.Hour), t0, models.SyncStatusPending),
	)
	o := newOrchestrator(t, local, remote)

	res, err := o.InitializeSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Uploaded 2 entities", res.Message)
	assert.Equal(t, 2, res.Uploaded)

	for _, id := range []string{"l1", "l2"} {
		assert.Equal(t, models.SyncStatusSynced, local.get(id).SyncStatus)
		assert.NotNil(t, remote.get(id))
	}
	meta, _ := local.GetSyncMetadata(ctx, "u1")
	assert.Equal(t, "2", meta.SyncToken)
	assert.Equal(t, fixedClock(), meta.LastSyncTimestamp)
}

func TestInitializeSync_DownloadOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local, remote := newFakeLocal(), newFakeRemote()
	remote.seed(
		logbook("l1", "scales", t0, t0, models.SyncStatusSynced),
		logbook("l2", "arpeggios", t0.Add(time.Hour), t0, models.SyncStatusSynced),
	)
	o := newOrchestrator(t, local, remote)

	res, err := o.InitializeSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Downloaded 2 entities", res.Message)
	assert.Equal(t, []string{"l1", "l2"}, local.ids())
	assert.Equal(t, models.SyncStatusSynced, local.get("l1").SyncStatus)

	meta, _ := local.GetSyncMetadata(ctx, "u1")
	assert.Equal(t, "2", meta.SyncToken)
	assert.Zero(t, remote.uploadCalls)
}

func TestInitializeSync_IncrementalResolvesConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local, remote := newFakeLocal(), newFakeRemote()
	remote.seed(logbook("e1", "B", t0, t0, models.SyncStatusSynced))
	withHistory(local, "")
	local.put(logbook("e1", "A", t0, t0.Add(time.Hour), models.SyncStatusPending))
	o := newOrchestrator(t, local, remote)

	res, err := o.InitializeSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Uploaded)

	got := local.get("e1")
	assert.Equal(t, "A", got.Data.(*models.LogbookEntry).Notes)
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)
	require.NotNil(t, got.ConflictResolution)
	assert.Equal(t, conflicts.LastWriteWins, got.ConflictResolution.Strategy)
	assert.Equal(t, "A", remote.get("e1").Data.(*models.LogbookEntry).Notes)
}

func TestIncremental_TwoDevicesConvergeOnMergedGoal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote := newFakeRemote()

	localA := newFakeLocal()
	withHistory(localA, "")
	localA.put(goal("goal-a", 50, models.SyncStatusPending))
	deviceA := newOrchestrator(t, localA, remote)

	localB := newFakeLocal()
	withHistory(localB, "")
	localB.put(goal("goal-b", 75, models.SyncStatusPending))
	deviceB := newOrchestrator(t, localB, remote)

	_, err := deviceA.InitializeSync(ctx)
	require.NoError(t, err)

	res, err := deviceB.InitializeSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merged)

	assert.Equal(t, []string{"goal-a"}, localB.ids())
	merged := localB.get("goal-a")
	assert.InDelta(t, 75, merged.Data.(*models.Goal).CurrentValue, 0.001)
	assert.Equal(t, models.SyncStatusSynced, merged.SyncStatus)
	assert.Empty(t, merged.MergedIDs)
	assert.InDelta(t, 75, remote.get("goal-a").Data.(*models.Goal).CurrentValue, 0.001)

	_, err = deviceA.PerformIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"goal-a"}, localA.ids())
	assert.InDelta(t, 75, localA.get("goal-a").Data.(*models.Goal).CurrentValue, 0.001)
}

func TestIncremental_RemoteAndLocalDeletions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local, remote := newFakeLocal(), newFakeRemote()
	d1 := logbook("d1", "one", t0, t0, models.SyncStatusSynced)
	d2 := logbook("d2", "two", t0.Add(time.Hour), t0, models.SyncStatusSynced)
	remote.seed(d1, d2)
	local.put(d1, d2)
	withHistory(local, remote.token())

	remote.mu.Lock()
	remote.entities["d1"].Deleted = true
	remote.counter++
	remote.seq["d1"] = remote.counter
	remote.mu.Unlock()

	o := newOrchestrator(t, local, remote)
	_, err := o.RecordChange(ctx, models.OperationDelete, d2)
	require.NoError(t, err)
	assert.True(t, local.get("d2").Deleted)

	res, err := o.PerformIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Uploaded)
	assert.Empty(t, local.ids())
	assert.True(t, remote.get("d2").Deleted)
}

func TestIncremental_UnknownTokenFallsBackToFullDownload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local, remote := newFakeLocal(), newFakeRemote()
	remote.seed(logbook("r1", "from server", t0, t0, models.SyncStatusSynced))
	withHistory(local, "42")
	local.put(logbook("l1", "offline", t0.Add(time.Hour), t0, models.SyncStatusPending))
	o := newOrchestrator(t, local, remote)

	res, err := o.PerformIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, []string{"l1", "r1"}, local.ids())

	meta, err := local.GetSyncMetadata(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, remote.token(), meta.SyncToken)
}

func TestSync_Skipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("no user", func(t *testing.T) {
		t.Parallel()
		o, err := New(Config{}, newFakeLocal(), newFakeRemote())
		require.NoError(t, err)

		res, err := o.PerformIncrementalSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, res.Status)
		assert.Equal(t, "No user set", res.Message)
	})

	t.Run("already syncing", func(t *testing.T) {
		t.Parallel()
		local, remote := newFakeLocal(), newFakeRemote()
		withHistory(local, "")
		remote.delay = 200 * time.Millisecond
		o := newOrchestrator(t, local, remote)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := o.PerformIncrementalSync(ctx)
			assert.NoError(t, err)
		}()
		require.Eventually(t, o.IsSyncing, time.Second, 5*time.Millisecond)

		res, err := o.ForceFullSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, res.Status)
		assert.Equal(t, "Sync already in progress", res.Message)
		<-done
	})
}

func TestAttemptFinalSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("times out", func(t *testing.T) {
		t.Parallel()
		local, remote := newFakeLocal(), newFakeRemote()
		withHistory(local, "")
		remote.delay = 200 * time.Millisecond
		o := newOrchestrator(t, local, remote)

		start := time.Now()
		res, err := o.AttemptFinalSync(ctx, 100*time.Millisecond)
		elapsed := time.Since(start)
		require.NoError(t, err)
		assert.Equal(t, StatusTimeout, res.Status)
		assert.Equal(t, "Sync timed out after 100ms", res.Message)
		assert.Less(t, elapsed, 200*time.Millisecond)

		// the pass keeps running in the background and finishes on its own
		require.Eventually(t, func() bool { return !o.IsSyncing() }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("completes in time", func(t *testing.T) {
		t.Parallel()
		local, remote := newFakeLocal(), newFakeRemote()
		withHistory(local, "")
		local.put(logbook("l1", "scales", t0, t0, models.SyncStatusPending))
		o := newOrchestrator(t, local, remote)

		res, err := o.AttemptFinalSync(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, 1, res.Uploaded)
	})
}

func TestSync_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local, remote := newFakeLocal(), newFakeRemote()
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)
	rec := &recorder{}
	bus.Subscribe(rec.record)

	o := newOrchestrator(t, local, remote, WithNotifier(bus))

	remote.failMeta = errors.New("connection refused")
	_, err := o.InitializeSync(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyncInitFailed)
	assert.NotErrorIs(t, err, ErrSyncFailed)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, StateError, o.State())

	meta, _ := local.GetSyncMetadata(ctx, "u1")
	require.NotNil(t, meta)
	assert.Equal(t, models.SyncOutcomeFailed, meta.LastSyncStatus)
	assert.Contains(t, meta.LastSyncError, "connection refused")

	remote.failMeta = nil
	remote.failFetch = errors.New("server unavailable")
	_, err = o.PerformIncrementalSync(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyncFailed)

	var syncErr *Error
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, CodeSyncFailed, syncErr.Code)

	remote.failFetch = nil
	res, err := o.PerformIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, StateIdle, o.State())

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(events.SyncCompleted, last(rec.types()))
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.types(), events.SyncError)
	assert.Contains(t, rec.types(), events.SyncStarted)
}

func last(types []events.Type) events.Type {
	if len(types) == 0 {
		return ""
	}
	return types[len(types)-1]
}

func TestIncremental_PartialFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local, remote := newFakeLocal(), newFakeRemote()
	remote.seed()
	withHistory(local, "")
	local.put(
		logbook("ok", "scales", t0, t0, models.SyncStatusPending),
		logbook("bad", "arpeggios", t0.Add(time.Hour), t0, models.SyncStatusPending),
	)
	remote.reject["bad"] = "duration_minutes must be positive"
	o := newOrchestrator(t, local, remote)

	res, err := o.PerformIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "bad", res.Errors[0].EntityID)

	assert.Equal(t, models.SyncStatusSynced, local.get("ok").SyncStatus)
	assert.Equal(t, models.SyncStatusPending, local.get("bad").SyncStatus)

	meta, _ := local.GetSyncMetadata(ctx, "u1")
	assert.Equal(t, models.SyncOutcomePartial, meta.LastSyncStatus)
	assert.Equal(t, "1 entities failed to sync", meta.LastSyncError)
	assert.Equal(t, 1, meta.PendingSyncCount)
	assert.Equal(t, StateIdle, o.State())
}

func newTestQueue(t *testing.T, maxRetries int) *syncqueue.Queue {
	t.Helper()
	q := syncqueue.New(&syncqueue.MemoryBacking{}, syncqueue.Config{
		MaxRetries:        maxRetries,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        10 * time.Millisecond,
	})
	require.NoError(t, q.Load(context.Background()))
	return q
}

func TestRecordChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local := newFakeLocal()
	q := newTestQueue(t, 3)
	o := newOrchestrator(t, local, newFakeRemote(), WithQueue(q))

	stored, err := o.RecordChange(ctx, models.OperationCreate, &models.Entity{
		Data: &models.Goal{Title: "Sight-read daily", TargetValue: 30},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, stored.ID, stored.LocalID)
	assert.Equal(t, "u1", stored.UserID)
	assert.Equal(t, models.EntityTypeGoal, stored.Type)
	assert.Equal(t, "device-a", stored.DeviceID)
	assert.Equal(t, models.SyncStatusPending, stored.SyncStatus)
	assert.NotEmpty(t, stored.Checksum)
	assert.Equal(t, fixedClock(), stored.CreatedAt)
	assert.Equal(t, fixedClock(), stored.UpdatedAt)

	assert.NotNil(t, local.get(stored.ID))
	ops := q.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, stored.ID, ops[0].DataID)
	assert.Equal(t, models.OperationCreate, ops[0].Type)

	o.ClearUser()
	_, err = o.RecordChange(ctx, models.OperationCreate, &models.Entity{Data: &models.Goal{Title: "x"}})
	require.Error(t, err)
}

func TestIncremental_DrainsQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local, remote := newFakeLocal(), newFakeRemote()
	q := newTestQueue(t, 3)
	o := newOrchestrator(t, local, remote, WithQueue(q))

	stored, err := o.RecordChange(ctx, models.OperationCreate, goal("", 10, models.SyncStatusPending))
	require.NoError(t, err)

	res, err := o.PerformIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, remote.uploadCalls)
	assert.False(t, q.HasWork())
	assert.Equal(t, models.SyncStatusSynced, local.get(stored.ID).SyncStatus)
	assert.NotNil(t, remote.get(stored.ID))

	meta, _ := local.GetSyncMetadata(ctx, "u1")
	assert.Equal(t, remote.token(), meta.SyncToken)
	assert.Zero(t, meta.PendingSyncCount)
}

func TestIncremental_QueueOperationExhaustsRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local, remote := newFakeLocal(), newFakeRemote()
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)
	rec := &recorder{}
	bus.Subscribe(rec.record)
	q := newTestQueue(t, 1)
	o := newOrchestrator(t, local, remote, WithQueue(q), WithNotifier(bus))

	stored, err := o.RecordChange(ctx, models.OperationCreate, goal("g1", 10, models.SyncStatusPending))
	require.NoError(t, err)
	remote.reject[stored.ID] = "rejected"

	res, err := o.PerformIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, 1, res.QueueFailed)
	assert.Equal(t, 1, q.FailedCount())
	require.Eventually(t, func() bool {
		for _, typ := range rec.types() {
			if typ == events.QueueOperationFailed {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestForceFullSync_ReplacesLocalData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local, remote := newFakeLocal(), newFakeRemote()

	shared := logbook("shared", "same", t0, t0, models.SyncStatusSynced)
	remote.seed(shared, logbook("remote-new", "new", t0.Add(2*time.Hour), t0, models.SyncStatusSynced))
	withHistory(local, "")
	local.put(
		shared,
		logbook("stale", "gone on server", t0.Add(3*time.Hour), t0, models.SyncStatusSynced),
		logbook("mine", "offline edit", t0.Add(4*time.Hour), t0, models.SyncStatusPending),
	)
	o := newOrchestrator(t, local, remote)

	res, err := o.ForceFullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 2, res.Downloaded)

	assert.Equal(t, []string{"mine", "remote-new", "shared"}, local.ids())
	for _, id := range local.ids() {
		assert.Equal(t, models.SyncStatusSynced, local.get(id).SyncStatus, id)
	}
	assert.NotNil(t, remote.get("mine"))
}

type transitions struct {
	mu   sync.Mutex
	seen []string
}

func (tr *transitions) record(from, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.seen = append(tr.seen, string(from)+"->"+string(to))
}

func (tr *transitions) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.seen...)
}

func TestOnStateChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local, remote := newFakeLocal(), newFakeRemote()
	withHistory(local, "")
	o := newOrchestrator(t, local, remote)

	tr := &transitions{}
	o.OnStateChange(tr.record)

	_, err := o.PerformIncrementalSync(ctx)
	require.NoError(t, err)
	o.Close()
	assert.Equal(t, []string{"idle->syncing", "syncing->idle"}, tr.list())

	meta, state, err := o.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
	assert.Equal(t, models.SyncOutcomeSuccess, meta.LastSyncStatus)
}

func TestOnStateChange_CallbacksDoNotHoldUpSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("slow callback", func(t *testing.T) {
		t.Parallel()
		local, remote := newFakeLocal(), newFakeRemote()
		withHistory(local, "")
		o := newOrchestrator(t, local, remote)
		t.Cleanup(o.Close)

		release := make(chan struct{})
		o.OnStateChange(func(State, State) { <-release })

		start := time.Now()
		res, err := o.PerformIncrementalSync(ctx)
		elapsed := time.Since(start)
		close(release)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Less(t, elapsed, 250*time.Millisecond)
	})

	t.Run("panicking callback", func(t *testing.T) {
		t.Parallel()
		local, remote := newFakeLocal(), newFakeRemote()
		withHistory(local, "")
		o := newOrchestrator(t, local, remote)

		o.OnStateChange(func(State, State) { panic("callback bug") })
		tr := &transitions{}
		o.OnStateChange(tr.record)

		var res *Result
		var err error
		assert.NotPanics(t, func() {
			res, err = o.PerformIncrementalSync(ctx)
		})
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, StateIdle, o.State())

		o.Close()
		assert.Equal(t, []string{"idle->syncing", "syncing->idle"}, tr.list())
	})

	t.Run("removed callback", func(t *testing.T) {
		t.Parallel()
		local, remote := newFakeLocal(), newFakeRemote()
		withHistory(local, "")
		o := newOrchestrator(t, local, remote)

		tr := &transitions{}
		remove := o.OnStateChange(tr.record)
		remove()

		_, err := o.PerformIncrementalSync(ctx)
		require.NoError(t, err)
		o.Close()
		assert.Empty(t, tr.list())
	})
}

func (r *fakeRemote) uploadsOf(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, batch := range r.uploaded {
		for _, uploaded := range batch {
			if uploaded == id {
				n++
			}
		}
	}
	return n
}

func TestIncremental_RejectedEntityStopsAfterMaxRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local, remote := newFakeLocal(), newFakeRemote()
	withHistory(local, "")
	q := newTestQueue(t, 2)
	o := newOrchestrator(t, local, remote, WithQueue(q))

	stored, err := o.RecordChange(ctx, models.OperationCreate, goal("g1", 10, models.SyncStatusPending))
	require.NoError(t, err)
	remote.reject[stored.ID] = "rejected"

	res, err := o.PerformIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, []EntityError{{EntityID: "g1", Error: "rejected"}}, res.Errors)
	assert.Zero(t, res.QueueFailed)

	res, err = o.PerformIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []EntityError{{EntityID: "g1", Error: "rejected"}}, res.Errors)
	assert.Equal(t, 1, res.QueueFailed)

	for i := 0; i < 3; i++ {
		_, err = o.PerformIncrementalSync(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, remote.uploadsOf("g1"))
	assert.Equal(t, models.SyncStatusPending, local.get("g1").SyncStatus)

	n, err := q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	delete(remote.reject, "g1")

	res, err = o.PerformIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 3, remote.uploadsOf("g1"))
	assert.Equal(t, models.SyncStatusSynced, local.get("g1").SyncStatus)
}

func TestIncremental_CountsUploadedEntitiesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local, remote := newFakeLocal(), newFakeRemote()
	withHistory(local, "")
	q := newTestQueue(t, 3)
	o := newOrchestrator(t, local, remote, WithQueue(q))

	stored, err := o.RecordChange(ctx, models.OperationCreate, goal("g1", 10, models.SyncStatusPending))
	require.NoError(t, err)
	stored.Data.(*models.Goal).CurrentValue = 20
	_, err = o.RecordChange(ctx, models.OperationUpdate, stored)
	require.NoError(t, err)
	require.Len(t, q.Operations(), 2)

	res, err := o.PerformIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, remote.uploadsOf("g1"))
	assert.InDelta(t, 20, remote.get("g1").Data.(*models.Goal).CurrentValue, 0.001)
}

func TestInitializeSync_DownloadOnlyMergesOfflineDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local, remote := newFakeLocal(), newFakeRemote()
	remote.seed(logbook("cloud", "from the web app", t0, t0, models.SyncStatusSynced))
	q := newTestQueue(t, 3)
	o := newOrchestrator(t, local, remote, WithQueue(q))

	_, err := o.RecordChange(ctx, models.OperationCreate, logbook("offline", "on the plane", t0, t0, models.SyncStatusPending))
	require.NoError(t, err)

	res, err := o.InitializeSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "Downloaded 1 entities", res.Message)
	assert.Equal(t, 1, res.Merged)
	assert.Equal(t, 1, res.Uploaded)
	assert.Empty(t, q.Operations())

	assert.Equal(t, []string{"cloud"}, local.ids())
	merged := local.get("cloud")
	assert.Equal(t, models.SyncStatusSynced, merged.SyncStatus)
	assert.Equal(t, "from the web app", merged.Data.(*models.LogbookEntry).Notes)

	res, err = o.PerformIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Merged)
	assert.Zero(t, res.Uploaded)
	assert.Equal(t, []string{"cloud"}, local.ids())
	assert.Zero(t, remote.uploadsOf("offline"))
	assert.Nil(t, remote.get("offline"))
}
