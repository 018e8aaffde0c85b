package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"chat-gateway/internal/models"
	"chat-gateway/internal/services"

	"github.com/gin-gonic/gin"
)

type AccountDeletion interface {
	ScheduleDeletion(ctx context.Context, userID string, deleteMessages bool) (*models.AccountDeleteSchedule, error)
	CancelDeletion(ctx context.Context, userID string) error
}

type ScheduleDeletionRequest struct {
	DeleteMessages bool `json:"deleteMessages"`
}

type DeletionHandler struct {
	deletion AccountDeletion
	log      *slog.Logger
}

func NewDeletionHandler(deletion AccountDeletion, log *slog.Logger) *DeletionHandler {
	return &DeletionHandler{deletion: deletion, log: log}
}

// ScheduleDeletion godoc
// @Summary Schedule account deletion
// @Description Queue the account for deletion seven days from now
// @Tags internal
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param userId path string true "User ID"
// @Param request body ScheduleDeletionRequest false "Deletion options"
// @Success 201 {object} models.AccountDeleteSchedule
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Deletion already pending"
// @Failure 500 {object} ErrorResponse
// @Router /internal/users/{userId}/deletion [post]
func (h *DeletionHandler) ScheduleDeletion(c *gin.Context) {
	userID := c.Param("userId")

	var req ScheduleDeletionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	schedule, err := h.deletion.ScheduleDeletion(c.Request.Context(), userID, req.DeleteMessages)
	if errors.Is(err, services.ErrDeletionPending) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Error("Failed to schedule deletion", "userID", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to schedule deletion"})
		return
	}

	c.JSON(http.StatusCreated, schedule)
}

// CancelDeletion godoc
// @Summary Cancel a pending account deletion
// @Tags internal
// @Produce json
// @Security BearerAuth
// @Param userId path string true "User ID"
// @Success 204 "Cancelled"
// @Failure 404 {object} ErrorResponse "No deletion pending"
// @Failure 500 {object} ErrorResponse
// @Router /internal/users/{userId}/deletion [delete]
func (h *DeletionHandler) CancelDeletion(c *gin.Context) {
	userID := c.Param("userId")

	err := h.deletion.CancelDeletion(c.Request.Context(), userID)
	if errors.Is(err, services.ErrNoDeletionPending) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Error("Failed to cancel deletion", "userID", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel deletion"})
		return
	}

	c.Status(http.StatusNoContent)
}
