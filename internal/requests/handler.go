package requests

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"request-portal/request-portal-backend/internal/auth"
)

type Handler struct {
	service Service
	logger  *zap.Logger
}

func NewHandler(service Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	reqs := rg.Group("/requests")
	{
		reqs.POST("", h.Create)
		reqs.GET("/inbox", h.Inbox)
		reqs.GET("/logs", h.Logs)
		reqs.GET("/:id", h.Get)
		reqs.GET("/:id/chain", h.Chain)
		reqs.PATCH("/:id/action", h.Decide)
	}
}

type createRequestBody struct {
	FormType    FormType        `json:"formType" binding:"required"`
	Summary     string          `json:"summary"`
	Data        datatypes.JSON  `json:"data"`
	BranchID    *uint           `json:"branchId"`
	RequestDate *time.Time      `json:"requestDate"`
	Approvers   []ApproverEntry `json:"approvers"`
}

type decisionBody struct {
	Action  string `json:"action" binding:"required"`
	Remarks string `json:"remarks"`
}

func (h *Handler) Create(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	in := CreateRequestInput{
		RequestedBy: userID,
		BranchID:    body.BranchID,
		Payload:     Payload{Form: body.FormType, Summary: body.Summary, Data: body.Data},
		Approvers:   body.Approvers,
	}
	if body.RequestDate != nil {
		in.RequestDate = *body.RequestDate
	}

	req, err := h.service.CreateRequest(c.Request.Context(), in)
	if err != nil {
		h.respondError(c, "Failed to create request", err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (h *Handler) Decide(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}

	var body decisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	decision, valid := ParseDecision(body.Action)
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action"})
		return
	}

	result, err := h.service.SubmitDecision(c.Request.Context(), SubmitDecisionInput{
		RequestID:  id,
		ApproverID: userID,
		Decision:   decision,
		Remarks:    body.Remarks,
	})
	if err != nil {
		h.respondError(c, "Failed to submit decision", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	req, err := h.service.GetRequest(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "Failed to get request", err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) Chain(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	status, err := h.service.GetChainStatus(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "Failed to get chain status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) Inbox(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	result, err := h.service.ListInbox(c.Request.Context(), InboxQuery{
		ApproverID: userID,
		Status:     InboxStatus(c.DefaultQuery("status", string(InboxPending))),
		Page:       page,
		PageSize:   pageSize,
	})
	if err != nil {
		h.respondError(c, "Failed to list inbox", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) Logs(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	logs, err := h.service.ListLogs(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.respondError(c, "Failed to list request logs", err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func (h *Handler) respondError(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		h.logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
