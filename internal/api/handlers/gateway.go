package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"chat-gateway/internal/api/middleware"
	"chat-gateway/internal/gateway"
	"chat-gateway/internal/models"

	"github.com/gin-gonic/gin"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// GatewayAPI is what the internal API exposes of a running gateway
type GatewayAPI interface {
	PublishToTopic(topic string, frame gateway.Frame) error
	SubscribeUserToTopic(userID, topic string) int
	UnsubscribeUserFromTopic(userID, topic string) int
	CloseAllSessionsForUser(userID string) int
	UserPresence(userID string) (models.UserStatus, int)
}

type PublishRequest struct {
	T string          `json:"t" binding:"required"`
	D json.RawMessage `json:"d" swaggertype:"object"`
}

type PublishResponse struct {
	Topic string `json:"topic"`
	Event string `json:"event"`
}

type SessionsResponse struct {
	UserID   string `json:"userId"`
	Sessions int    `json:"sessions"`
}

type PresenceResponse struct {
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

type GatewayHandler struct {
	gateway GatewayAPI
	log     *slog.Logger
}

func NewGatewayHandler(gw GatewayAPI, log *slog.Logger) *GatewayHandler {
	return &GatewayHandler{gateway: gw, log: log}
}

// PublishEvent godoc
// @Summary Publish an event to a topic
// @Description Deliver a DISPATCH frame named t with payload d to every session subscribed to the topic
// @Tags internal
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param topic path string true "Topic (guild id or admins)"
// @Param request body PublishRequest true "Event"
// @Success 202 {object} PublishResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /internal/topics/{topic}/events [post]
func (h *GatewayHandler) PublishEvent(c *gin.Context) {
	topic := c.Param("topic")

	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var d any
	if len(req.D) > 0 && string(req.D) != "null" {
		d = req.D
	}
	if err := h.gateway.PublishToTopic(topic, gateway.NewDispatch(req.T, d)); err != nil {
		h.log.Error("Failed to publish event", "topic", topic, "event", req.T, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to publish event"})
		return
	}

	h.log.Debug("Event published", "topic", topic, "event", req.T, "service", middleware.ServiceFromContext(c))
	c.JSON(http.StatusAccepted, PublishResponse{Topic: topic, Event: req.T})
}

// SubscribeUser godoc
// @Summary Subscribe a user's sessions to a topic
// @Tags internal
// @Produce json
// @Security BearerAuth
// @Param topic path string true "Topic"
// @Param userId path string true "User ID"
// @Success 200 {object} SessionsResponse "Number of local sessions subscribed"
// @Failure 401 {object} ErrorResponse
// @Router /internal/topics/{topic}/users/{userId} [put]
func (h *GatewayHandler) SubscribeUser(c *gin.Context) {
	userID := c.Param("userId")
	n := h.gateway.SubscribeUserToTopic(userID, c.Param("topic"))
	c.JSON(http.StatusOK, SessionsResponse{UserID: userID, Sessions: n})
}

// UnsubscribeUser godoc
// @Summary Unsubscribe a user's sessions from a topic
// @Tags internal
// @Produce json
// @Security BearerAuth
// @Param topic path string true "Topic"
// @Param userId path string true "User ID"
// @Success 200 {object} SessionsResponse "Number of local sessions unsubscribed"
// @Failure 401 {object} ErrorResponse
// @Router /internal/topics/{topic}/users/{userId} [delete]
func (h *GatewayHandler) UnsubscribeUser(c *gin.Context) {
	userID := c.Param("userId")
	n := h.gateway.UnsubscribeUserFromTopic(userID, c.Param("topic"))
	c.JSON(http.StatusOK, SessionsResponse{UserID: userID, Sessions: n})
}

// CloseSessions godoc
// @Summary Close every session of a user
// @Description Sessions receive INVALID_SESSION (not resumable) and are closed after the grace window
// @Tags internal
// @Produce json
// @Security BearerAuth
// @Param userId path string true "User ID"
// @Success 200 {object} SessionsResponse "Number of local sessions closed"
// @Failure 401 {object} ErrorResponse
// @Router /internal/users/{userId}/sessions [delete]
func (h *GatewayHandler) CloseSessions(c *gin.Context) {
	userID := c.Param("userId")
	n := h.gateway.CloseAllSessionsForUser(userID)
	h.log.Info("Closed user sessions", "userID", userID, "sessions", n, "service", middleware.ServiceFromContext(c))
	c.JSON(http.StatusOK, SessionsResponse{UserID: userID, Sessions: n})
}

// GetPresence godoc
// @Summary Get a user's presence on this instance
// @Tags internal
// @Produce json
// @Security BearerAuth
// @Param userId path string true "User ID"
// @Success 200 {object} PresenceResponse
// @Failure 401 {object} ErrorResponse
// @Router /internal/users/{userId}/presence [get]
func (h *GatewayHandler) GetPresence(c *gin.Context) {
	userID := c.Param("userId")
	status, n := h.gateway.UserPresence(userID)
	c.JSON(http.StatusOK, PresenceResponse{UserID: userID, Status: string(status), Sessions: n})
}
