package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CheckOrigin builds the origin predicate used by the websocket upgrader.
// Empty Origin header is accepted (non-browser clients); allowed == "*"
// accepts everything; otherwise the header must match exactly.
func CheckOrigin(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed == "*" {
			return true
		}
		return origin == allowed
	}
}

// CORS sets the response headers for the SSE / plain-request fallback so the
// same origin policy applies on both transports.
func CORS(allowed string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed == "*" || origin == allowed) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
