package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/deeployd/forge/internal/bus"
)

// WSHandler implements GET /ws/{prompt_id}.
type WSHandler struct {
	hub *bus.Hub
}

func NewWSHandler(hub *bus.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

// Serve bridges gin's path parameter onto bus.ServeWS's query-parameter
// contract, since the Progress Bus's upgrade logic (shared with any
// caller that already has a prompt_id in the query string) is unaware of
// gin's routing.
func (h *WSHandler) Serve(c *gin.Context) {
	if promptID := c.Param("prompt_id"); promptID != "" {
		q := c.Request.URL.Query()
		q.Set("prompt_id", promptID)
		c.Request.URL.RawQuery = q.Encode()
	}
	bus.ServeWS(h.hub, c.Writer, c.Request)
}
