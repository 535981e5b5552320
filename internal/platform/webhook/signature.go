// Package webhook authenticates callbacks from external providers by an
// HMAC-SHA256 signature over the raw request body.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// SignatureHeader carries the hex-encoded HMAC of the body.
const SignatureHeader = "X-Signature"

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time. An optional "sha256=" prefix
// is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(signature)), "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// RequireSignature rejects requests whose body does not match the
// SignatureHeader. The body stays readable by the handler.
func RequireSignature(secret string, maxBody int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			body, err := io.ReadAll(io.LimitReader(req.Body, maxBody+1))
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "cannot read body")
			}
			if int64(len(body)) > maxBody {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
			}
			if !VerifySignature(body, secret, req.Header.Get(SignatureHeader)) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			return next(c)
		}
	}
}
