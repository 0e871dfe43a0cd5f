package middleware

import (
	"fmt"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labresults/lims/internal/platform/apperr"
)

const panicStackSize = 4096

// Recovery turns a handler panic into a KindServer error so the shared error
// handler answers 500. The panic value and stack are logged with the request
// id, method and path; the client never sees them.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				stack := make([]byte, panicStackSize)
				stack = stack[:runtime.Stack(stack, false)]

				req := c.Request()
				logger.Error().
					Str("request_id", fmt.Sprintf("%v", c.Get("request_id"))).
					Str("method", req.Method).
					Str("path", req.URL.Path).
					Str("panic", fmt.Sprintf("%v", r)).
					Bytes("stack", stack).
					Msg("handler panicked")

				err = apperr.Server("handler panicked", fmt.Errorf("panic: %v", r))
			}()
			return next(c)
		}
	}
}
