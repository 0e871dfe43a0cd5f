package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Response is the JSON body of every error reply.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

const genericMessage = "something went wrong"

// Handler returns the echo.HTTPErrorHandler that funnels all failures into a
// {status, message} body. Server errors are logged and answered generically.
func Handler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code, msg := resolve(err)
		if code >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Msg("unhandled error")
		}

		body := Response{Status: "fail", Message: msg}
		if code >= http.StatusInternalServerError {
			body.Status = "error"
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}

func resolve(err error) (int, string) {
	var ae *Error
	if errors.As(err, &ae) {
		code := ae.Kind.HTTPStatus()
		if code >= http.StatusInternalServerError {
			return code, genericMessage
		}
		return code, ae.Message
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		if he.Code >= http.StatusInternalServerError {
			return he.Code, genericMessage
		}
		return he.Code, fmt.Sprintf("%v", he.Message)
	}

	return http.StatusInternalServerError, genericMessage
}
