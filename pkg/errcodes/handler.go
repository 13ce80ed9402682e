package errcodes

import (
	"fmt"
	"net/http"

	"github.com/iancoleman/strcase"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/echo/v4/middleware/logger"
	"github.com/robinjoseph08/golib/errutils"
)

// Payload is the body of every error response:
//
//	{"error": {"code": "...", "message": "...", "status_code": 409}}
type Payload struct {
	Error PayloadError `json:"error"`
}

type PayloadError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

// Handle is an echo error handler. *Error and *echo.HTTPError keep their
// status; anything else is an internal server error.
func (h *Handler) Handle(err error, c echo.Context) {
	log := logger.FromEchoContext(c)
	if errutils.IsIgnorableErr(err) {
		log.Err(err).Warn("broken pipe")
		return
	}
	if c.Response().Committed {
		log.Err(err).Warn("error after response was committed")
		return
	}

	payload := ToPayload(err)
	if payload.Error.StatusCode >= http.StatusInternalServerError {
		log.Err(err).Error("server error")
	}

	if err := c.JSON(payload.Error.StatusCode, payload); err != nil {
		log.Err(errors.WithStack(err)).Error("error handler json error")
	}
}

// ToPayload renders err the way Handle would.
func ToPayload(err error) Payload {
	p := PayloadError{StatusCode: http.StatusInternalServerError}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		p.StatusCode = he.Code
		p.Message = fmt.Sprint(he.Message)
		p.Code = strcase.ToSnake(p.Message)
	}

	var e *Error
	if errors.As(err, &e) {
		p.StatusCode = e.HTTPCode
		p.Code = e.Code
		p.Message = e.Message
	}

	if p.StatusCode == http.StatusInternalServerError && p.Message == "" {
		p.Code = "internal_server_error"
		p.Message = "Internal Server Error"
	}

	return Payload{Error: p}
}
