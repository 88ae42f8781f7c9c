package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/timmy/teachermon/internal/logger"
)

// Context keys for the authenticated identity.
const (
	ContextOwnerKey   = "ownerID"
	ContextTeacherKey = "teacherID"
)

// UserIDHeader identifies the caller when no JWT secret is configured.
const UserIDHeader = "X-User-ID"

// Claims is the access token payload. The owner is the subject, or the
// user_id claim for tokens issued without one.
type Claims struct {
	UserID    string `json:"user_id,omitempty"`
	TeacherID string `json:"teacher_id,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) owner() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.UserID
}

// Auth resolves the owner of a request. With a secret it requires an HS256
// bearer token; without one it trusts the X-User-ID header, which is only
// meant for local development.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var owner, teacher string
		if secret == "" {
			owner = strings.TrimSpace(c.GetHeader(UserIDHeader))
			if owner == "" {
				unauthorized(c, "missing "+UserIDHeader+" header")
				return
			}
		} else {
			claims, err := parseBearer(c.GetHeader("Authorization"), secret)
			if err != nil {
				GetLogger(c).WithError(err).Debug("Rejected access token")
				unauthorized(c, "invalid or missing access token")
				return
			}
			owner, teacher = claims.owner(), claims.TeacherID
			if owner == "" {
				unauthorized(c, "access token has no subject")
				return
			}
		}

		c.Set(ContextOwnerKey, owner)
		if teacher != "" {
			c.Set(ContextTeacherKey, teacher)
		}
		ctx := logger.SetOwnerID(c.Request.Context(), owner)
		c.Request = c.Request.WithContext(ctx)
		c.Set("logger", logger.FromContext(ctx))
		c.Next()
	}
}

func parseBearer(header, secret string) (*Claims, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, fmt.Errorf("invalid authorization header")
	}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{"code": "UNAUTHORIZED", "message": message},
	})
}

// OwnerID returns the authenticated owner of the request.
func OwnerID(c *gin.Context) string {
	return c.GetString(ContextOwnerKey)
}

// TeacherID returns the teacher id carried by the token, if any.
func TeacherID(c *gin.Context) *string {
	if v := c.GetString(ContextTeacherKey); v != "" {
		return &v
	}
	return nil
}
