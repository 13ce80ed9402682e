package server

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pezware/mirubato-sub008/pkg/binder"
	"github.com/pezware/mirubato-sub008/pkg/config"
	"github.com/pezware/mirubato-sub008/pkg/conflicts"
	"github.com/pezware/mirubato-sub008/pkg/errcodes"
	"github.com/pezware/mirubato-sub008/pkg/syncapi"
	"github.com/pezware/mirubato-sub008/pkg/testutils"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/echo/v4/health"
	"github.com/robinjoseph08/golib/echo/v4/middleware/logger"
	"github.com/robinjoseph08/golib/echo/v4/middleware/recovery"
	"github.com/uptrace/bun"
)

func New(cfg *config.Config, db *bun.DB) (*http.Server, error) {
	e, err := newEcho(cfg, db)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler:           e,
		ReadHeaderTimeout: 3 * time.Second,
	}

	return srv, nil
}

func newEcho(cfg *config.Config, db *bun.DB) (*echo.Echo, error) {
	e := echo.New()

	b, err := binder.New()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	e.Binder = b

	resolver, err := conflicts.NewResolver(cfg.ConflictStrategy)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	e.Use(logger.Middleware())
	e.Use(recovery.Middleware())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("8M"))

	health.RegisterRoutes(e)
	config.RegisterRoutes(e, cfg)

	syncapi.RegisterRoutesWithGroup(e.Group("/sync"), db, resolver, b)

	if os.Getenv("ENVIRONMENT") == "test" {
		testutils.RegisterRoutes(e, db)
	}

	echo.NotFoundHandler = notFoundHandler
	e.HTTPErrorHandler = errcodes.NewHandler().Handle

	return e, nil
}

func notFoundHandler(c echo.Context) error {
	c.SetPath("/:path")
	return errcodes.NotFound("Page")
}
