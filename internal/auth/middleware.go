package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// Require enforces a bearer access JWT signed with HS256 whose role is one of roles.
// Refresh tokens are rejected.
func Require(signingKey, issuer string, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil || claims.Type != TypeAccess {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		id := claims.Identity()
		if !hasRole(id.Role, roles) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden for role " + id.Role})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// RequireCR must run after Require and lets only class representatives through.
func RequireCR() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, ok := IdentityFrom(c); !ok || !id.CR {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "class representatives only"})
			return
		}
		c.Next()
	}
}

// IdentityFrom returns the identity stored by Require.
func IdentityFrom(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

func hasRole(role string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
