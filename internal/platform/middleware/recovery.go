package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phreport/internal/platform/fhir"
)

// Recovery turns a handler panic into a 500 OperationOutcome that names the
// request id, so a notifying server's log can be matched against ours.
// http.ErrAbortHandler is re-raised for net/http to handle.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("path", c.Request().URL.Path).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if c.Response().Committed {
					err = nil
					return
				}
				diag := "internal server error"
				if rid != "" {
					diag += " (request " + rid + ")"
				}
				c.Response().Header().Set(echo.HeaderContentType, "application/fhir+json")
				err = c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(diag))
			}()
			return next(c)
		}
	}
}
