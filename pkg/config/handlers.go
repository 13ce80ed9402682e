package config

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pezware/mirubato-sub008/pkg/syncapi"
	"github.com/pezware/mirubato-sub008/pkg/version"
	"github.com/pkg/errors"
)

// ServerSettings are the parts of the server config a sync client may need
// to know about.
type ServerSettings struct {
	ConflictStrategy string `json:"conflict_strategy"`
	MaxBatchSize     int    `json:"max_batch_size"`
	Version          string `json:"version"`
}

type handler struct {
	config *Config
}

func (h *handler) retrieve(c echo.Context) error {
	return errors.WithStack(c.JSON(http.StatusOK, ServerSettings{
		ConflictStrategy: h.config.ConflictStrategy,
		MaxBatchSize:     syncapi.MaxBatchSize,
		Version:          version.Version,
	}))
}
