package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxDeviceID = "auth.device_id"

// DeviceAuth admits requests carrying a bearer access token and records
// the device id for handlers and the per-device rate limiter. Refresh
// tokens are turned away; they never grant sync access.
func DeviceAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := ParseUse(tokenStr, signingKey, issuer, UseAccess)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, ErrWrongTokenUse) {
				msg = "access token required"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		c.Set(ctxDeviceID, claims.DeviceID)
		c.Next()
	}
}

// DeviceID returns the authenticated device id, or "" on a request that
// has not passed DeviceAuth.
func DeviceID(c *gin.Context) string {
	v, _ := c.Get(ctxDeviceID)
	id, _ := v.(string)
	return id
}
