package notifications

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"request-portal/request-portal-backend/internal/auth"
	"request-portal/request-portal-backend/internal/notifications/websocket"
)

type Handler struct {
	service   *Service
	wsManager *websocket.Manager
	logger    *zap.Logger
}

func NewHandler(service *Service, wsManager *websocket.Manager, logger *zap.Logger) *Handler {
	return &Handler{service: service, wsManager: wsManager, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	n := rg.Group("/notifications")
	{
		n.GET("", h.List)
		n.PUT("/read-all", h.MarkAllRead)
		n.PUT("/:id/read", h.MarkRead)
	}
	if h.wsManager != nil {
		rg.GET("/ws", h.Connect)
	}
}

func (h *Handler) List(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	inbox, err := h.service.GetUserNotifications(c.Request.Context(), userID, pageSize, (page-1)*pageSize)
	if err != nil {
		h.logger.Error("Failed to list notifications", zap.Uint("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, inbox)
}

func (h *Handler) MarkRead(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	err = h.service.MarkNotificationAsRead(c.Request.Context(), uint(id), userID)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to mark notification as read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "notification marked as read"})
}

func (h *Handler) MarkAllRead(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	updated, err := h.service.MarkAllAsRead(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to mark notifications as read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// Connect upgrades to a websocket bound to the caller. Pushes for the user
// arrive on it; gateways subscribe to extra topics with a presence message.
func (h *Handler) Connect(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	if _, err := h.wsManager.HandleConnection(c.Writer, c.Request, strconv.FormatUint(uint64(userID), 10)); err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Uint("user_id", userID), zap.Error(err))
	}
}
