package main

import (
	"context"
	"net/http"
	"os"

	"github.com/pezware/mirubato-sub008/pkg/config"
	"github.com/pezware/mirubato-sub008/pkg/conflicts"
	"github.com/pezware/mirubato-sub008/pkg/database"
	"github.com/pezware/mirubato-sub008/pkg/events"
	"github.com/pezware/mirubato-sub008/pkg/kvstore"
	"github.com/pezware/mirubato-sub008/pkg/localstore"
	"github.com/pezware/mirubato-sub008/pkg/migrations"
	"github.com/pezware/mirubato-sub008/pkg/orchestrator"
	"github.com/pezware/mirubato-sub008/pkg/remotestore"
	"github.com/pezware/mirubato-sub008/pkg/syncqueue"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

// app is everything a command needs to run sync passes for one device.
type app struct {
	cfg          *config.Config
	log          logger.Logger
	db           *bun.DB
	closeBacking func() error
	local        *localstore.Service
	queue        *syncqueue.Queue
	bus          *events.Bus
	orch         *orchestrator.Orchestrator
}

func newApp(ctx context.Context) (*app, error) {
	log := logger.New()
	ctx = log.WithContext(ctx)

	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	userID := global.UserID
	if userID == "" {
		userID = cfg.UserID
	}
	if userID == "" {
		return nil, errors.New("no user set: pass --user or set user_id in the config")
	}

	db, err := database.Open(ctx, cfg, migrations.Client)
	if err != nil {
		return nil, err
	}

	backing, closeBacking, err := queueBacking(cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	a := &app{cfg: cfg, log: log, db: db, closeBacking: closeBacking}

	queue := syncqueue.New(backing, cfg.QueueConfig())
	if err := queue.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}

	resolver, err := conflicts.NewResolver(cfg.ConflictStrategy)
	if err != nil {
		a.Close()
		return nil, err
	}

	remote := remotestore.New(cfg.RemoteURL, remotestore.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}))
	local := localstore.NewService(db)
	bus := events.NewBus(0)
	a.bus = bus
	bus.Subscribe(func(ev events.Event) {
		log.Debug("sync event", logger.Data{"type": ev.Type, "user_id": ev.UserID, "data": ev.Data})
	})

	orch, err := orchestrator.New(
		orchestrator.Config{DeviceID: cfg.DeviceID, BatchSize: cfg.SyncBatchSize},
		local,
		remote,
		orchestrator.WithQueue(queue),
		orchestrator.WithResolver(resolver),
		orchestrator.WithNotifier(bus),
		orchestrator.WithLogger(log),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	orch.SetUser(userID)

	a.local = local
	a.queue = queue
	a.orch = orch
	return a, nil
}

// queueBacking returns where the sync queue is persisted and how to release
// it.
func queueBacking(cfg *config.Config, db *bun.DB) (syncqueue.Backing, func() error, error) {
	if cfg.QueueBacking != "badger" {
		return kvstore.NewService(db).Backing(kvstore.QueueKey), func() error { return nil }, nil
	}
	store, err := kvstore.OpenBadger(cfg.QueueBadgerDir)
	if err != nil {
		return nil, nil, err
	}
	return kvstore.NewBacking(store, kvstore.QueueKey), store.Close, nil
}

func (a *app) Close() {
	if a.orch != nil {
		a.orch.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if err := a.closeBacking(); err != nil {
		a.log.Err(err).Error("queue backing close error")
	}
	if err := a.db.Close(); err != nil {
		a.log.Err(err).Error("database close error")
	}
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	out = append(out, '\n')
	_, err = os.Stdout.Write(out)
	return errors.WithStack(err)
}

// result is the printed form of an orchestrator.Result.
type result struct {
	Status      orchestrator.Status `json:"status"`
	Message     string              `json:"message,omitempty"`
	Uploaded    int                 `json:"uploaded"`
	Downloaded  int                 `json:"downloaded"`
	Conflicts   int                 `json:"conflicts"`
	Merged      int                 `json:"merged"`
	Deleted     int                 `json:"deleted"`
	QueueFailed int                 `json:"queue_failed"`
	Errors      []entityError       `json:"errors,omitempty"`
}

type entityError struct {
	EntityID string `json:"entity_id"`
	Error    string `json:"error"`
}

func printResult(res *orchestrator.Result) error {
	out := result{
		Status:      res.Status,
		Message:     res.Message,
		Uploaded:    res.Uploaded,
		Downloaded:  res.Downloaded,
		Conflicts:   res.Conflicts,
		Merged:      res.Merged,
		Deleted:     res.Deleted,
		QueueFailed: res.QueueFailed,
	}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, entityError{EntityID: e.EntityID, Error: e.Error})
	}
	return printJSON(out)
}
