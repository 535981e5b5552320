package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(sub string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "cabinet",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: []string{RoleDoctor},
	}
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, header string) (context.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var captured context.Context
	err := mw(func(c echo.Context) error {
		captured = c.Request().Context()
		return c.String(http.StatusOK, "ok")
	})(c)
	return captured, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with status %d", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "")
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	for _, header := range []string{"Token abc123", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz"} {
		_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), header)
		expectStatus(t, err, http.StatusUnauthorized)
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	sub := uuid.New().String()
	token := createTestToken(t, validClaims(sub), testSigningKey)

	ctx, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "cabinet"}), "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := UserIDFromContext(ctx); got != sub {
		t.Errorf("expected subject %s, got %s", sub, got)
	}
	if !HasRole(ctx, RoleDoctor) {
		t.Errorf("expected doctor role, got %v", RolesFromContext(ctx))
	}
	if id, ok := ActorID(ctx); !ok || id.String() != sub {
		t.Errorf("expected actor id %s, got %s", sub, id)
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	token := createTestToken(t, validClaims(uuid.New().String()), []byte("other-key"))
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims(uuid.New().String())
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	token := createTestToken(t, claims, testSigningKey)

	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongIssuer(t *testing.T) {
	token := createTestToken(t, validClaims(uuid.New().String()), testSigningKey)
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "someone-else"}), "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_NonUUIDSubject(t *testing.T) {
	token := createTestToken(t, validClaims("dev-user"), testSigningKey)
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	devActor := uuid.New()
	ctx, err := runMiddleware(t, DevAuthMiddleware(devActor, JWTConfig{}), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id, _ := ActorID(ctx); id != devActor {
		t.Errorf("expected dev actor %s, got %s", devActor, id)
	}
	if !HasRole(ctx, RoleAdmin) {
		t.Errorf("expected admin role, got %v", RolesFromContext(ctx))
	}
}

func TestDevAuthMiddleware_Headers(t *testing.T) {
	actor := uuid.New()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevActorHeader, actor.String())
	req.Header.Set(DevRoleHeader, "CLIENT")
	c := e.NewContext(req, httptest.NewRecorder())

	var ctx context.Context
	err := DevAuthMiddleware(uuid.New(), JWTConfig{})(func(c echo.Context) error {
		ctx = c.Request().Context()
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id, _ := ActorID(ctx); id != actor {
		t.Errorf("expected actor %s, got %s", actor, id)
	}
	if !HasRole(ctx, RoleClient) {
		t.Errorf("expected client role, got %v", RolesFromContext(ctx))
	}
}

func TestDevAuthMiddleware_ValidatesBearer(t *testing.T) {
	_, err := runMiddleware(t, DevAuthMiddleware(uuid.New(), JWTConfig{SigningKey: testSigningKey}), "Bearer garbage")
	expectStatus(t, err, http.StatusUnauthorized)
}
