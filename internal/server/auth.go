// Package server provides the sysward Gin-based REST API and the websocket
// live-metrics stream. All routes except /api/login and /api/health require a
// JWT issued by /api/login.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ─── JWT auth ─────────────────────────────────────────────────────────────────

// jwtSecret is set once at server start from config.
var jwtSecret []byte

// SetJWTSecret stores the signing key; call this before registering routes.
func SetJWTSecret(secret string) {
	jwtSecret = []byte(secret)
}

// Claims is the payload embedded in every JWT issued by /api/login.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// GenerateJWT creates a signed HS256 JWT valid for 24 hours.
func GenerateJWT(username string) (string, error) {
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "sysward",
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// parseJWT validates a token string and returns the claims.
func parseJWT(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, err
	}
	return claims, nil
}

// JWTMiddleware is a Gin middleware that validates JWT tokens.
// It expects the header:  Authorization: Bearer <jwt>
// On success it stores the username in the Gin context as "username".
func JWTMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing Authorization header",
			})
			return
		}

		parts := strings.SplitN(raw, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid Authorization format, expected: Bearer <token>",
			})
			return
		}

		claims, err := parseJWT(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set("username", claims.Username)
		c.Next()
	}
}

// ─── Admin credentials ────────────────────────────────────────────────────────

// Set at startup from config.
var adminUser, adminPass, adminPassHash string

// SetAdminCredentials stores the login credentials. passHash, when non-empty,
// is a bcrypt hash and takes precedence over the plain password.
func SetAdminCredentials(user, pass, passHash string) {
	adminUser = user
	adminPass = pass
	adminPassHash = passHash
}

// verifyCredentials checks a login attempt.
func verifyCredentials(user, pass string) bool {
	if user != adminUser {
		return false
	}
	if adminPassHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(adminPassHash), []byte(pass)) == nil
	}
	return pass == adminPass
}

// wsToken extracts the JWT for the websocket endpoint. Browsers cannot set
// headers on websocket dials, so the token may arrive as ?token= instead.
func wsToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	raw := c.GetHeader("Authorization")
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}
