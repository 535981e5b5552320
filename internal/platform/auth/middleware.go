package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Role names as they appear in the token's roles claim.
const (
	RoleClient = "client"
	RoleDoctor = "doctor"
	RoleAdmin  = "admin"
)

// Claims is the bearer token payload. Subject holds the participant id.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// JWTMiddleware validates HS256 bearer tokens signed with cfg.SigningKey and
// stores the subject and roles on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, ok := bearerToken(c.Request())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed authorization header")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if _, err := uuid.Parse(claims.Subject); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "token subject is not a participant id")
			}

			setIdentity(c, claims.Subject, claims.Roles)
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func setIdentity(c echo.Context, userID string, roles []string) {
	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	c.SetRequest(c.Request().WithContext(ctx))
}

// DevActorHeader and DevRoleHeader let local tooling impersonate any
// participant when ENV=development.
const (
	DevActorHeader = "X-Dev-Actor"
	DevRoleHeader  = "X-Dev-Role"
)

// DevAuthMiddleware trusts the dev headers and falls back to defaultActor
// with the admin role. Requests carrying a bearer token are validated by
// JWTMiddleware with cfg as usual.
func DevAuthMiddleware(defaultActor uuid.UUID, cfg JWTConfig) echo.MiddlewareFunc {
	jwtMW := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		withJWT := jwtMW(next)
		return func(c echo.Context) error {
			if _, ok := bearerToken(c.Request()); ok && len(cfg.SigningKey) > 0 {
				return withJWT(c)
			}

			actor := defaultActor.String()
			if h := c.Request().Header.Get(DevActorHeader); h != "" {
				if _, err := uuid.Parse(h); err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, "invalid "+DevActorHeader)
				}
				actor = h
			}
			role := RoleAdmin
			if h := c.Request().Header.Get(DevRoleHeader); h != "" {
				role = strings.ToLower(h)
			}

			setIdentity(c, actor, []string{role})
			return next(c)
		}
	}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// ActorID returns the authenticated participant id.
func ActorID(ctx context.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(UserIDFromContext(ctx))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// HasRole reports whether the caller holds role.
func HasRole(ctx context.Context, role string) bool {
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
