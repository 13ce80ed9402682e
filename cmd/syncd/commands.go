package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pezware/mirubato-sub008/pkg/models"
	"github.com/pezware/mirubato-sub008/pkg/orchestrator"
	"github.com/pezware/mirubato-sub008/pkg/worker"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"
)

// runPass opens the app, runs fn and prints its result.
func runPass(fn func(ctx context.Context, a *app) (*orchestrator.Result, error)) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := fn(a.log.WithContext(ctx), a)
	if err != nil {
		return err
	}
	return printResult(res)
}

type initCommand struct{}

func (*initCommand) Execute(_ []string) error {
	return runPass(func(ctx context.Context, a *app) (*orchestrator.Result, error) {
		return a.orch.InitializeSync(ctx)
	})
}

type syncCommand struct{}

func (*syncCommand) Execute(_ []string) error {
	return runPass(func(ctx context.Context, a *app) (*orchestrator.Result, error) {
		return a.orch.PerformIncrementalSync(ctx)
	})
}

type fullSyncCommand struct{}

func (*fullSyncCommand) Execute(_ []string) error {
	return runPass(func(ctx context.Context, a *app) (*orchestrator.Result, error) {
		return a.orch.ForceFullSync(ctx)
	})
}

type retryFailedCommand struct{}

func (*retryFailedCommand) Execute(_ []string) error {
	return runPass(func(ctx context.Context, a *app) (*orchestrator.Result, error) {
		n, err := a.queue.RetryFailed(ctx)
		if err != nil {
			return nil, err
		}
		logger.FromContext(ctx).Info("requeued failed operations", logger.Data{"count": n})
		return a.orch.PerformIncrementalSync(ctx)
	})
}

type statusCommand struct{}

type status struct {
	State    orchestrator.State        `json:"state"`
	Metadata *models.SyncMetadata      `json:"metadata"`
	Queue    queueStatus               `json:"queue"`
	Entities map[models.SyncStatus]int `json:"entities"`
}

type queueStatus struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

func (*statusCommand) Execute(_ []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	meta, state, err := a.orch.Status(ctx)
	if err != nil {
		return err
	}
	counts, err := a.local.CountByStatus(ctx)
	if err != nil {
		return err
	}
	return printJSON(status{
		State:    state,
		Metadata: meta,
		Queue:    queueStatus{Pending: a.queue.PendingCount(), Failed: a.queue.FailedCount()},
		Entities: counts,
	})
}

type runCommand struct {
	SkipInit bool `long:"skip-init" description:"Do not run an initial sync before starting the interval"`
}

func (cmd *runCommand) Execute(_ []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log

	if !cmd.SkipInit {
		res, err := a.orch.InitializeSync(log.WithContext(ctx))
		if err != nil {
			log.Err(err).Error("initial sync error")
		} else {
			log.Info("initial sync", logger.Data{"status": res.Status, "message": res.Message})
		}
	}

	wrkr := worker.New(a.cfg, a.orch, worker.WithBackoff(a.queue.Backoff))
	wrkr.Start()
	log.Info("worker started", logger.Data{"interval": a.cfg.SyncInterval().String()})

	// SIGUSR1 is how the host tells the daemon that connectivity is back.
	reconnect := make(chan os.Signal, 1)
	signal.Notify(reconnect, syscall.SIGUSR1)
	defer signal.Stop(reconnect)

	graceful := signals.Setup()
	for {
		select {
		case <-reconnect:
			log.Info("reconnected")
			wrkr.Reconnect()
		case <-graceful:
			log.Info("starting graceful shutdown")
			res, err := wrkr.Shutdown(log.WithContext(ctx))
			if err != nil {
				return err
			}
			log.Info("worker shutdown")
			return printResult(res)
		}
	}
}
