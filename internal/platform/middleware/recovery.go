package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/auth"
)

// Recovery turns a handler panic into the generic 500 and logs it with the
// request it came from. http.ErrAbortHandler is re-raised so net/http can
// drop the connection.
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

				ev := logger.Error().
					Str("request_id", GetRequestID(c)).
					Str("method", c.Request().Method).
					Str("path", c.Request().URL.Path).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack())
				if actor := auth.UserIDFromContext(c.Request().Context()); actor != "" {
					ev = ev.Str("actor_id", actor)
				}
				ev.Msg("panic recovered")

				err = InternalError()
			}()
			return next(c)
		}
	}
}
