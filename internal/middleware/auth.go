package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vypdev/vaultstadio-sub008/internal/config"
)

const (
	ownerIDKey = "ownerID"

	// DefaultOwner is the account used when no token is configured and the
	// request names none.
	DefaultOwner = "default"

	maxOwnerIDLen = 128
)

func OwnerIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(ownerIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Auth checks the bearer token when one is configured and places the
// account from X-User-ID on the context. Without a token the account
// defaults to DefaultOwner; with one, X-User-ID is required.
func Auth(cfg config.Config) gin.HandlerFunc {
	token := strings.TrimSpace(cfg.AuthToken)
	return func(c *gin.Context) {
		if token != "" && !bearerMatches(c.GetHeader("Authorization"), token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "UNAUTHORIZED"})
			return
		}

		ownerID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		switch {
		case ownerID == "" && token != "":
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "x-user-id required", "code": "INVALID_INPUT"})
			return
		case ownerID == "":
			ownerID = DefaultOwner
		case !ValidOwnerID(ownerID):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed x-user-id", "code": "INVALID_INPUT"})
			return
		}
		c.Set(ownerIDKey, ownerID)
		c.Next()
	}
}

func bearerMatches(header, token string) bool {
	h := strings.TrimSpace(header)
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return false
	}
	got := strings.TrimSpace(h[7:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// ValidOwnerID accepts ids of letters, digits and ._@:- up to 128 bytes.
// Owner ids prefix per-item lock keys and cache keys, so "/" is refused.
func ValidOwnerID(id string) bool {
	if id == "" || len(id) > maxOwnerIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		b := id[i]
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		case b == '.', b == '_', b == '@', b == ':', b == '-':
		default:
			return false
		}
	}
	return true
}
