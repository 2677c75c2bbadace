package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"soundforge/internal/requestctx"
)

// corsMiddleware applies a permissive CORS policy: a configurable
// Access-Control-Allow-Origin, the allowed methods and request headers, and a
// 204 response to any OPTIONS preflight. Exposing X-Request-ID (with
// expose-header dedup) is left to requestctx.Middleware.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", s.CORSOrigins)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// handleNoRoute shapes unmatched routes into the common JSON 404 schema
// instead of gin's default plain-text 404; no HTML error page should ever
// escape this facade.
func (s *Server) handleNoRoute(c *gin.Context) {
	err := requestctx.New(requestctx.KindNotFound, "no such route")
	err.Path = c.Request.URL.Path
	requestctx.RespondError(c, err, s.Debug)
}
