package testutils

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

var serverTables = []string{"server_entities", "server_sync_metadata"}

type handler struct {
	db *bun.DB
}

type deleteResponse struct {
	Deleted int64 `json:"deleted"`
}

// deleteUserData wipes everything the server holds for one user, as if the
// server had been restored from an empty backup.
// DELETE /test/users/:user_id.
func (h *handler) deleteUserData(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Param("user_id")

	deleted, err := h.wipe(ctx, func(q *bun.DeleteQuery) *bun.DeleteQuery {
		return q.Where("user_id = ?", userID)
	})
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, deleteResponse{Deleted: deleted}))
}

// deleteAllData wipes every user's server data.
// DELETE /test/users.
func (h *handler) deleteAllData(c echo.Context) error {
	ctx := c.Request().Context()

	deleted, err := h.wipe(ctx, func(q *bun.DeleteQuery) *bun.DeleteQuery {
		return q.Where("1 = 1")
	})
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, deleteResponse{Deleted: deleted}))
}

func (h *handler) wipe(ctx context.Context, scope func(*bun.DeleteQuery) *bun.DeleteQuery) (int64, error) {
	var deleted int64
	err := h.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		for _, table := range serverTables {
			res, err := scope(tx.NewDelete().TableExpr(table)).Exec(ctx)
			if err != nil {
				return errors.WithStack(err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return errors.WithStack(err)
			}
			deleted += n
		}
		return nil
	})
	return deleted, err
}
