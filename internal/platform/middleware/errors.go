package middleware

import "github.com/labstack/echo/v4"

// ErrorBody is the JSON shape of every API error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewHTTPError builds an echo error whose body echo's default error handler
// serializes as ErrorBody.
func NewHTTPError(status int, code, message string) *echo.HTTPError {
	return echo.NewHTTPError(status, ErrorBody{Error: code, Message: message})
}

const msgInternal = "Произошла ошибка. Попробуйте ещё раз позже."

// InternalError is the generic 500 shown to users; details go to the log.
func InternalError() *echo.HTTPError {
	return NewHTTPError(500, "internal", msgInternal)
}
