package syncapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pezware/mirubato-sub008/pkg/binder"
	"github.com/pezware/mirubato-sub008/pkg/errcodes"
	"github.com/pezware/mirubato-sub008/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

type handler struct {
	syncService *Service
	binder      *binder.Binder
}

func (h *handler) metadata(c echo.Context) error {
	ctx := c.Request().Context()

	meta, err := h.syncService.Metadata(ctx, c.Param("user_id"))
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, MetadataResponse{Metadata: meta}))
}

func (h *handler) snapshot(c echo.Context) error {
	ctx := c.Request().Context()

	snap, err := h.syncService.Snapshot(ctx, c.Param("user_id"))
	if err != nil {
		return errors.WithStack(err)
	}

	resp := SnapshotResponse{
		Entities:  snap.Entities,
		SyncToken: FormatToken(snap.Token),
	}
	if resp.Entities == nil {
		resp.Entities = []*models.EntityRecord{}
	}
	return errors.WithStack(c.JSON(http.StatusOK, resp))
}

func (h *handler) changes(c echo.Context) error {
	ctx := c.Request().Context()

	params := ChangesQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}
	since, err := ParseToken(params.Since)
	if err != nil {
		return errcodes.ValidationError(err.Error())
	}

	changes, err := h.syncService.ChangesSince(ctx, c.Param("user_id"), since)
	if err != nil {
		if errors.Is(err, ErrTokenAhead) {
			return errcodes.UnknownSyncToken(params.Since)
		}
		return errors.WithStack(err)
	}

	resp := ChangesResponse{
		Entities:     changes.Entities,
		DeletedIDs:   changes.DeletedIDs,
		NewSyncToken: FormatToken(changes.Token),
	}
	if resp.Entities == nil {
		resp.Entities = []*models.EntityRecord{}
	}
	if resp.DeletedIDs == nil {
		resp.DeletedIDs = []string{}
	}
	return errors.WithStack(c.JSON(http.StatusOK, resp))
}

func (h *handler) batch(c echo.Context) error {
	ctx := c.Request().Context()
	log := logger.FromContext(ctx)
	userID := c.Param("user_id")

	params := UploadPayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}
	token, err := ParseToken(params.SyncToken)
	if err != nil {
		return errcodes.ValidationError(err.Error())
	}

	// Entities are checked one by one so a bad record fails alone.
	var accepted []*models.Entity
	var rejected []EntityError
	for _, rec := range params.Entities {
		e, err := h.decode(userID, rec)
		if err != nil {
			rejected = append(rejected, EntityError{EntityID: rec.ID, Error: err.Error()})
			continue
		}
		accepted = append(accepted, e)
	}

	res, err := h.syncService.Upload(ctx, userID, token, accepted, rejected)
	if err != nil {
		return errors.WithStack(err)
	}

	if len(res.Failed) > 0 {
		log.Warn("rejected uploaded entities", logger.Data{"user_id": userID, "failed": len(res.Failed)})
	}

	resp := UploadResponse{
		Uploaded:     res.Uploaded,
		Failed:       res.Failed,
		NewSyncToken: FormatToken(res.Token),
	}
	if resp.Uploaded == nil {
		resp.Uploaded = []string{}
	}
	if resp.Failed == nil {
		resp.Failed = []EntityError{}
	}
	return errors.WithStack(c.JSON(http.StatusOK, resp))
}

func (h *handler) decode(userID string, rec *models.EntityRecord) (*models.Entity, error) {
	if rec.ID == "" {
		return nil, errcodes.ValidationError(`"id" is required`)
	}
	if rec.UserID != "" && rec.UserID != userID {
		return nil, errcodes.Forbidden("Uploading another user's entity")
	}
	rec.UserID = userID

	e, err := models.DecodeEntity(rec)
	if err != nil {
		return nil, errcodes.ValidationError(err.Error())
	}
	if !e.Deleted {
		if err := h.binder.Validate(e.Data); err != nil {
			return nil, err
		}
	}
	return e, nil
}
