package syncapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pezware/mirubato-sub008/pkg/binder"
	"github.com/pezware/mirubato-sub008/pkg/conflicts"
	"github.com/uptrace/bun"
)

// RegisterRoutesWithGroup registers sync routes on a pre-configured group.
// Every route is scoped to the :user_id path parameter.
func RegisterRoutesWithGroup(g *echo.Group, db *bun.DB, resolver *conflicts.Resolver, b *binder.Binder) {
	syncService := NewService(db, resolver)

	h := &handler{
		syncService: syncService,
		binder:      b,
	}

	g.GET("/users/:user_id/metadata", h.metadata)
	g.GET("/users/:user_id/initial", h.snapshot)
	g.GET("/users/:user_id/all", h.snapshot)
	g.GET("/users/:user_id/changes", h.changes)
	g.POST("/users/:user_id/batch", h.batch)
}
