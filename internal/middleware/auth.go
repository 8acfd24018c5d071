package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"captable/internal/auth"
	"captable/internal/uuid"
)

const (
	identityKey = "identity"
	tokenIssuer = "captable-api"
)

// JWTClaims represents the claims in the JWT. The identity provider may send
// a list of roles, a single role, or both; they are resolved into one Role.
type JWTClaims struct {
	Roles []string `json:"roles,omitempty"`
	Role  string   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// GenerateAccessToken signs an HS256 token for subject with the given role.
// Used by the CLI and tests; production tokens come from the identity provider.
func GenerateAccessToken(secret, subject string, role auth.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func abortAuth(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

// AuthMiddleware verifies the bearer token and stores the caller's
// auth.Identity in the context.
func AuthMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortAuth(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authorization header is required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortAuth(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid authorization header format")
			return
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return key, nil
		})
		if err != nil || !token.Valid {
			abortAuth(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token")
			return
		}

		subject, err := uuid.Parse(claims.Subject)
		if err != nil {
			abortAuth(c, http.StatusUnauthorized, "UNAUTHORIZED", "Token subject must be a UUID")
			return
		}

		role, ok := auth.ResolveRole(append(claims.Roles, claims.Role)...)
		if !ok {
			abortAuth(c, http.StatusForbidden, "FORBIDDEN", "Token carries no recognized role")
			return
		}

		c.Set(identityKey, auth.Identity{ID: subject, Role: role})
		c.Next()
	}
}

// IdentityFrom returns the caller set by AuthMiddleware.
func IdentityFrom(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}

// SetIdentity stores the caller in the context. Handler tests use it in
// place of a signed token.
func SetIdentity(c *gin.Context, id auth.Identity) {
	c.Set(identityKey, id)
}

// RequireRole rejects callers that hold none of the given roles.
func RequireRole(roles ...auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok {
			abortAuth(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return
		}
		if !id.HasRole(roles...) {
			abortAuth(c, http.StatusForbidden, "FORBIDDEN", "Access denied")
			return
		}
		c.Next()
	}
}
