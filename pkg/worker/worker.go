// Package worker triggers sync passes in the background: on a fixed
// interval, when connectivity comes back, and after a failed pass once the
// backoff has elapsed.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pezware/mirubato-sub008/pkg/config"
	"github.com/pezware/mirubato-sub008/pkg/orchestrator"
	"github.com/robinjoseph08/golib/logger"
)

// Syncer is the part of the orchestrator the worker drives.
type Syncer interface {
	PerformIncrementalSync(ctx context.Context) (*orchestrator.Result, error)
	AttemptFinalSync(ctx context.Context, timeout time.Duration) (*orchestrator.Result, error)
}

const (
	TriggerInterval  = "interval"
	TriggerReconnect = "reconnect"
	TriggerRetry     = "retry"
	TriggerManual    = "manual"
)

type Worker struct {
	syncer           Syncer
	log              logger.Logger
	interval         time.Duration
	finalSyncTimeout time.Duration
	backoff          func(attempt int) time.Duration
	onPass           func(trigger string, res *orchestrator.Result, err error)

	started  bool
	trigger  chan string
	shutdown chan struct{}
	done     chan struct{}

	stopOnce sync.Once
	final    *orchestrator.Result
	finalErr error
}

type Option func(*Worker)

// WithBackoff sets the wait before retrying after the nth consecutive failed
// pass, counting from zero.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(w *Worker) {
		w.backoff = fn
	}
}

// WithInterval overrides the configured sync interval.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.interval = d
	}
}

// OnPass registers a callback run after every pass the worker starts.
func OnPass(fn func(trigger string, res *orchestrator.Result, err error)) Option {
	return func(w *Worker) {
		w.onPass = fn
	}
}

func New(cfg *config.Config, syncer Syncer, opts ...Option) *Worker {
	w := &Worker{
		syncer:           syncer,
		log:              logger.New(),
		interval:         cfg.SyncInterval(),
		finalSyncTimeout: cfg.FinalSyncTimeout,

		trigger:  make(chan string, 1),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.backoff == nil {
		w.backoff = func(attempt int) time.Duration {
			return min(time.Second<<min(attempt, 20), w.interval)
		}
	}
	return w
}

func (w *Worker) Start() {
	w.started = true
	go w.run()
}

// Reconnect asks for a pass because the device came back online. It never
// blocks; a trigger that is already waiting absorbs it.
func (w *Worker) Reconnect() {
	w.Trigger(TriggerReconnect)
}

func (w *Worker) Trigger(reason string) {
	select {
	case w.trigger <- reason:
	default:
	}
}

func (w *Worker) run() {
	timer := time.NewTimer(w.interval)
	defer timer.Stop()
	failures := 0
	retrying := false

	for {
		var reason string
		select {
		case <-w.shutdown:
			close(w.done)
			return
		case reason = <-w.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			reason = TriggerInterval
			if retrying {
				reason = TriggerRetry
			}
		}

		if w.pass(reason) {
			failures = 0
			retrying = false
			timer.Reset(w.interval)
			continue
		}
		delay := w.backoff(failures)
		failures++
		retrying = true
		w.log.Info("scheduling sync retry", logger.Data{"delay": delay.String(), "failures": failures})
		timer.Reset(delay)
	}
}

// pass runs one incremental sync and reports whether it went through.
// Partial results are not retried early: rejected entities stay rejected
// until they change.
func (w *Worker) pass(reason string) bool {
	log := w.log.ID(uuid.NewString()).Root(logger.Data{"trigger": reason})
	ctx := log.WithContext(context.Background())

	res, err := w.syncer.PerformIncrementalSync(ctx)
	if w.onPass != nil {
		w.onPass(reason, res, err)
	}
	if err != nil {
		log.Err(err).Error("sync pass error")
		return false
	}
	return true
}

// Shutdown stops the trigger loop and gives the device one last chance to
// push its changes before the process exits. Later calls wait for the first
// one and return its outcome.
func (w *Worker) Shutdown(ctx context.Context) (*orchestrator.Result, error) {
	w.stopOnce.Do(func() {
		close(w.shutdown)
		if w.started {
			<-w.done
		}
		w.final, w.finalErr = w.finalSync(ctx)
	})
	return w.final, w.finalErr
}

func (w *Worker) finalSync(ctx context.Context) (*orchestrator.Result, error) {
	res, err := w.syncer.AttemptFinalSync(ctx, w.finalSyncTimeout)
	if err != nil {
		w.log.Err(err).Error("final sync error")
		return nil, err
	}
	w.log.Info("final sync", logger.Data{"status": res.Status, "message": res.Message})
	return res, nil
}
