package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pezware/mirubato-sub008/pkg/config"
	"github.com/pezware/mirubato-sub008/pkg/database"
	"github.com/pezware/mirubato-sub008/pkg/migrations"
	"github.com/pezware/mirubato-sub008/pkg/server"
	"github.com/pezware/mirubato-sub008/pkg/version"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"
)

// in-flight uploads get this long to finish
const shutdownTimeout = 15 * time.Second

func main() {
	ctx := context.Background()
	log := logger.New()

	log.Info("starting sync api", logger.Data{"version": version.Version})

	cfg, err := config.New()
	if err != nil {
		log.Err(err).Fatal("config error")
	}

	db, err := database.Open(log.WithContext(ctx), cfg, migrations.Server)
	if err != nil {
		log.Err(err).Fatal("database error")
	}

	srv, err := server.New(cfg, db)
	if err != nil {
		log.Err(err).Fatal("server error")
	}

	graceful := signals.Setup()

	go func() {
		lc := net.ListenConfig{}
		listener, err := lc.Listen(ctx, "tcp", srv.Addr)
		if err != nil {
			log.Err(err).Fatal("failed to bind port")
		}
		log.Info("server started", logger.Data{"addr": listener.Addr().String()})

		err = srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Fatal("server stopped")
		}
		log.Info("server stopped")
	}()

	<-graceful
	log.Info("starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if err != nil {
		log.Err(err).Error("server shutdown error")
	}
	log.Info("server shutdown")

	err = db.Close()
	if err != nil {
		log.Err(err).Error("database close error")
	}
	log.Info("database closed")
}
