package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pezware/mirubato-sub008/pkg/config"
	"github.com/pezware/mirubato-sub008/pkg/orchestrator"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	mu       sync.Mutex
	triggers []string
	fail     int
	final    time.Duration
	finals   int
	passes   chan string
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{passes: make(chan string, 16)}
}

func (s *fakeSyncer) PerformIncrementalSync(_ context.Context) (*orchestrator.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return nil, errors.New("network down")
	}
	return &orchestrator.Result{Status: orchestrator.StatusSuccess}, nil
}

func (s *fakeSyncer) AttemptFinalSync(_ context.Context, timeout time.Duration) (*orchestrator.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.final = timeout
	s.finals++
	return &orchestrator.Result{Status: orchestrator.StatusSuccess}, nil
}

func newTestWorker(s *fakeSyncer, opts ...Option) *Worker {
	cfg := config.NewForTest()
	cfg.FinalSyncTimeout = 150 * time.Millisecond
	opts = append([]Option{OnPass(func(trigger string, _ *orchestrator.Result, _ error) {
		s.passes <- trigger
	})}, opts...)
	return New(cfg, s, opts...)
}

func next(t *testing.T, passes chan string) string {
	t.Helper()
	select {
	case trigger := <-passes:
		return trigger
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no sync pass started")
		return ""
	}
}

func TestWorker_Interval(t *testing.T) {
	t.Parallel()
	s := newFakeSyncer()
	w := newTestWorker(s, WithInterval(20*time.Millisecond))
	w.Start()

	assert.Equal(t, TriggerInterval, next(t, s.passes))
	assert.Equal(t, TriggerInterval, next(t, s.passes))

	_, err := w.Shutdown(context.Background())
	require.NoError(t, err)
}

func TestWorker_Reconnect(t *testing.T) {
	t.Parallel()
	s := newFakeSyncer()
	w := newTestWorker(s, WithInterval(time.Hour))
	w.Start()

	w.Reconnect()
	assert.Equal(t, TriggerReconnect, next(t, s.passes))

	w.Trigger(TriggerManual)
	assert.Equal(t, TriggerManual, next(t, s.passes))

	_, err := w.Shutdown(context.Background())
	require.NoError(t, err)
}

func TestWorker_RetriesAfterBackoff(t *testing.T) {
	t.Parallel()
	s := newFakeSyncer()
	s.fail = 2

	var mu sync.Mutex
	var attempts []int
	w := newTestWorker(s, WithInterval(time.Hour), WithBackoff(func(attempt int) time.Duration {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, attempt)
		return 10 * time.Millisecond
	}))
	w.Start()

	w.Reconnect()
	assert.Equal(t, TriggerReconnect, next(t, s.passes))
	assert.Equal(t, TriggerRetry, next(t, s.passes))
	assert.Equal(t, TriggerRetry, next(t, s.passes))

	select {
	case trigger := <-s.passes:
		assert.Failf(t, "unexpected pass", "trigger %s after recovery", trigger)
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	assert.Equal(t, []int{0, 1}, attempts)
	mu.Unlock()

	_, err := w.Shutdown(context.Background())
	require.NoError(t, err)
}

func TestWorker_ShutdownRunsFinalSync(t *testing.T) {
	t.Parallel()
	s := newFakeSyncer()
	w := newTestWorker(s, WithInterval(time.Hour))

	res, err := w.Shutdown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusSuccess, res.Status)
	assert.Equal(t, 150*time.Millisecond, s.final)
}

func TestWorker_ShutdownTwice(t *testing.T) {
	t.Parallel()
	s := newFakeSyncer()
	w := newTestWorker(s, WithInterval(time.Hour))
	w.Start()

	first, err := w.Shutdown(context.Background())
	require.NoError(t, err)

	var second *orchestrator.Result
	require.NotPanics(t, func() {
		second, err = w.Shutdown(context.Background())
	})
	require.NoError(t, err)
	assert.Same(t, first, second)

	s.mu.Lock()
	assert.Equal(t, 1, s.finals)
	s.mu.Unlock()
}

func TestWorker_DefaultBackoffIsCapped(t *testing.T) {
	t.Parallel()
	w := newTestWorker(newFakeSyncer(), WithInterval(10*time.Second))

	assert.Equal(t, time.Second, w.backoff(0))
	assert.Equal(t, 8*time.Second, w.backoff(3))
	assert.Equal(t, 10*time.Second, w.backoff(4))
	assert.Equal(t, 10*time.Second, w.backoff(1000))
}
