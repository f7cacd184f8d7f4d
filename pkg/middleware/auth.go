package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gidigo/ride-coordinator/pkg/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys set by AuthMiddleware.
const (
	UserIDKey      = "user_id"
	UserNameKey    = "user_name"
	UserPhoneKey   = "user_phone"
	UserRoleKey    = "user_role"
	ClaimsKey      = "claims"
	AccessTokenKey = "access_token"
)

// Claims represents JWT claims
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates HS256 tokens signed with secret. The token comes
// from the Authorization header, or from the token query parameter for
// WebSocket upgrades that cannot set headers.
func AuthMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)

	return func(c *gin.Context) {
		var tokenString string

		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				common.AppErrorResponse(c, common.NewUnauthorizedError("invalid authorization header format"))
				c.Abort()
				return
			}
			tokenString = parts[1]
		} else if t := c.Query("token"); t != "" {
			tokenString = t
		} else {
			common.AppErrorResponse(c, common.NewUnauthorizedError("authorization required"))
			c.Abort()
			return
		}

		claims, err := ParseToken(tokenString, key)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				common.AppErrorResponse(c, common.NewSessionExpiredError("session expired, please sign in again"))
			} else {
				common.AppErrorResponse(c, common.NewUnauthorizedError("invalid token"))
			}
			c.Abort()
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(UserNameKey, claims.Name)
		c.Set(UserPhoneKey, claims.Phone)
		c.Set(UserRoleKey, claims.Role)
		c.Set(ClaimsKey, claims)
		c.Set(AccessTokenKey, tokenString)

		c.Next()
	}
}

// ParseToken validates tokenString and returns its claims.
func ParseToken(tokenString string, key []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user id")
	}
	return claims, nil
}

// IssueToken signs claims for ttl. It backs local tooling and tests; real
// tokens come from the auth service.
func IssueToken(secret string, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if claims.Subject == "" {
		claims.Subject = claims.UserID
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// RequireRole middleware checks if user has required role
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, err := GetUserRole(c)
		if err != nil {
			common.AppErrorResponse(c, common.NewUnauthorizedError("user role not found"))
			c.Abort()
			return
		}

		for _, requiredRole := range roles {
			if role == requiredRole {
				c.Next()
				return
			}
		}

		common.ErrorResponse(c, http.StatusForbidden, "insufficient permissions")
		c.Abort()
	}
}

// GetUserID extracts user ID from context
func GetUserID(c *gin.Context) (string, error) {
	userID := c.GetString(UserIDKey)
	if userID == "" {
		return "", common.ErrUnauthorized
	}
	return userID, nil
}

// GetUserRole extracts user role from context
func GetUserRole(c *gin.Context) (string, error) {
	role := c.GetString(UserRoleKey)
	if role == "" {
		return "", common.ErrUnauthorized
	}
	return role, nil
}

// GetClaims returns the full claims, or nil before authentication.
func GetClaims(c *gin.Context) *Claims {
	if v, ok := c.Get(ClaimsKey); ok {
		claims, _ := v.(*Claims)
		return claims
	}
	return nil
}
