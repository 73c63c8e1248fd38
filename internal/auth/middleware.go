package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	userIDContextKey           = "auth_user_id"
	authTokenContextKey        = "auth_token"
	credentialSourceContextKey = "auth_credential_source"

	credentialBearer = "bearer"
	credentialCookie = "cookie"
)

// Middleware resolves the session token from the Authorization header or the
// auth cookie and puts the user id in the context. A bearer header wins over
// the cookie.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken, source := s.extractToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		userID, err := s.ValidateToken(c.Request.Context(), authToken)
		if err != nil {
			c.AbortWithStatusJSON(tokenErrorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Set(userIDContextKey, userID)
		c.Set(authTokenContextKey, authToken)
		c.Set(credentialSourceContextKey, source)
		c.Next()
	}
}

func tokenErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenRequired):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// UserIDFromContext returns the user id set by Middleware.
func UserIDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(userIDContextKey)
	if !ok {
		return 0, false
	}
	userID, ok := val.(int64)
	return userID, ok
}

// AuthTokenFromContext returns the session token the request authenticated with.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

func (s *Service) extractToken(c *gin.Context) (string, string) {
	if token, ok := bearerToken(c.GetHeader(s.headerName)); ok {
		return token, credentialBearer
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token, credentialCookie
	}
	return "", ""
}

// bearerToken splits "Bearer <token>"; the scheme is case-insensitive.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
