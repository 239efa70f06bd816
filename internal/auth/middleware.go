package auth

import (
	"net/http"
	"strings"
	"time"

	"voicebridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireAccessToken rejects requests without a valid bearer token and puts
// the verified Identity on the request context. Per-call ownership is left
// to the handlers (CanReadCall).
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(strings.TrimSpace(c.GetHeader("Authorization")), "Bearer ")
		if !ok || raw == "" {
			c.Header("WWW-Authenticate", `Bearer realm="voicebridge"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		id, err := m.Verify(raw, time.Now())
		if err != nil {
			logger.FromGin(c).Info("auth: token rejected", "err", err)
			c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}
