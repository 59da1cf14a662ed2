package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/jwt"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/response"
)

const (
	UserIDKey     = "user_id"
	UsernameKey   = "username"
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
)

// TokenValidator validates a bearer token.
type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// AuthMiddleware validates bearer tokens locally.
type AuthMiddleware struct {
	validator TokenValidator
}

// NewAuthMiddleware creates a new auth middleware. A nil validator
// disables authentication: RequireAuth then rejects every request and
// OptionalAuth passes everything through anonymously.
func NewAuthMiddleware(validator TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: validator}
}

// Enabled reports whether a validator is configured.
func (m *AuthMiddleware) Enabled() bool {
	return m.validator != nil
}

// RequireAuth returns a Gin middleware that rejects requests without a valid token.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.authenticate(c) {
			return
		}
		if GetUserID(c) == "" {
			response.Unauthorized(c, "missing authorization header")
			return
		}
		c.Next()
	}
}

// OptionalAuth returns a Gin middleware that sets user info when a valid
// token is present and rejects only malformed or invalid tokens.
func (m *AuthMiddleware) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.authenticate(c) {
			return
		}
		c.Next()
	}
}

// authenticate returns false after aborting the request.
func (m *AuthMiddleware) authenticate(c *gin.Context) bool {
	authHeader := c.GetHeader(AuthHeaderKey)
	if authHeader == "" || m.validator == nil {
		return true
	}

	if !strings.HasPrefix(authHeader, BearerPrefix) {
		response.Unauthorized(c, "invalid authorization format")
		return false
	}

	claims, err := m.validator.ValidateToken(strings.TrimPrefix(authHeader, BearerPrefix))
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, jwt.ErrExpiredToken) {
			msg = "token has expired"
		}
		response.Unauthorized(c, msg)
		return false
	}

	c.Set(UserIDKey, claims.Owner())
	c.Set(UsernameKey, claims.Username)
	return true
}

// GetUserID extracts user ID from Gin context.
func GetUserID(c *gin.Context) string {
	if id, exists := c.Get(UserIDKey); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
