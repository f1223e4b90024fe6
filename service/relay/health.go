package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleHealth reports process liveness and bus connectivity. Always 200:
// a down bus is reported in the body, never as a 5xx, so the prober can
// distinguish "process dead" from "bus degraded".
func (s *Server) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"bus_connected": s.bus.Connected(),
	})
}
