package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/deeployd/forge/internal/forgeerrors"
	"github.com/deeployd/forge/internal/http/response"
	"github.com/deeployd/forge/internal/metrics"
)

// RequireAPIKey enforces an opaque API key check on the /api group and
// keeps a per-key usage counter. When apiKey is empty the check is
// disabled entirely, for development behind a trusted gateway.
func RequireAPIKey(apiKey string) gin.HandlerFunc {
	if apiKey == "" {
		return func(c *gin.Context) { c.Next() }
	}
	keyHash := hashKey(apiKey)
	return func(c *gin.Context) {
		provided := c.GetHeader("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			response.RespondError(c, http.StatusUnauthorized, "unauthorized",
				forgeerrors.New(forgeerrors.Auth, "missing or invalid API key"))
			c.Abort()
			return
		}
		metrics.APIKeyRequests.WithLabelValues(keyHash).Inc()
		c.Next()
	}
}

// hashKey derives the metrics label for a key so the raw value never
// appears in /metrics output.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}
