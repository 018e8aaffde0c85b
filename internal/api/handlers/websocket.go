package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type WSHandler struct {
	server http.Handler
}

// NewWSHandler wraps the gateway's upgrade handler
func NewWSHandler(server http.Handler) *WSHandler {
	return &WSHandler{server: server}
}

// HandleWebSocket godoc
// @Summary Gateway connection
// @Description Upgrade to the gateway websocket. The session token is read from the token cookie or a Bearer header and checked on IDENTIFY.
// @Tags gateway
// @Success 101 "Switching Protocols"
// @Failure 400 {object} ErrorResponse "Not a websocket handshake"
// @Router /gateway [get]
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	h.server.ServeHTTP(c.Writer, c.Request)
}
