package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const guestIDContextKey = "guest_id"

var ErrGuestSecretMissing = errors.New("guest token secret not configured")

// GuestClaims is the payload of a guest token. Subject carries the guest id.
type GuestClaims struct {
	Guest bool `json:"guest"`
	jwt.RegisteredClaims
}

// GuestIssuer mints and verifies HS256 guest tokens.
type GuestIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewGuestIssuer builds an issuer. An empty secret gets a random one, which
// invalidates outstanding guest tokens on restart.
func NewGuestIssuer(secret string, ttl time.Duration) (*GuestIssuer, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if secret == "" {
		generated, err := generateToken()
		if err != nil {
			return nil, err
		}
		secret = generated
	}
	return &GuestIssuer{secret: []byte(secret), ttl: ttl}, nil
}

// Issue returns a signed token for a fresh guest id.
func (g *GuestIssuer) Issue() (token string, guestID string, err error) {
	if g == nil || len(g.secret) == 0 {
		return "", "", ErrGuestSecretMissing
	}
	guestID = uuid.NewString()
	now := time.Now()
	claims := &GuestClaims{
		Guest: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   guestID,
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign guest token: %w", err)
	}
	return signed, guestID, nil
}

// Parse validates a guest token and returns the guest id.
func (g *GuestIssuer) Parse(tokenStr string) (string, error) {
	if g == nil || len(g.secret) == 0 {
		return "", ErrGuestSecretMissing
	}
	token, err := jwt.ParseWithClaims(tokenStr, &GuestClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return g.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*GuestClaims)
	if !ok || !token.Valid || !claims.Guest || claims.Subject == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return claims.Subject, nil
}

// Middleware accepts only guest bearer tokens.
func (g *GuestIssuer) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "guest token required"})
			return
		}
		guestID, err := g.Parse(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid guest token"})
			return
		}
		c.Set(guestIDContextKey, guestID)
		c.Next()
	}
}

// GuestIDFromContext retrieves the guest id set by GuestIssuer.Middleware.
func GuestIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(guestIDContextKey)
	if !ok {
		return "", false
	}
	id, ok := val.(string)
	return id, ok && id != ""
}
