package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the escrow lifecycle.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new escrow handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up the escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.InitializeEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/events", h.ListEvents)
	r.GET("/stakeholders/:id/escrows", h.ListEscrows)
	r.POST("/escrows/:id/fund", h.FundEscrow)
	r.POST("/escrows/:id/milestones/:milestoneId/complete", h.CompleteMilestone)
	r.POST("/escrows/:id/milestones/:milestoneId/approve", h.ApproveMilestone)
	r.POST("/escrows/:id/milestones/:milestoneId/release", h.ReleaseFunds)
	r.POST("/escrows/:id/milestones/:milestoneId/dispute", h.StartDispute)
	r.POST("/escrows/:id/milestones/:milestoneId/resolve", h.ResolveDispute)
}

// InitializeEscrow handles POST /v1/escrows
func (h *Handler) InitializeEscrow(c *gin.Context) {
	var req InitializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	contract, err := h.engine.InitializeEscrow(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": contract})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	contract, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": contract})
}

// ListEscrows handles GET /v1/stakeholders/:id/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	contracts, err := h.engine.ListByParticipant(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": contracts,
		"count":   len(contracts),
	})
}

// ListEvents handles GET /v1/escrows/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	events, err := h.engine.Events(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	var req struct {
		Amount string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}

	result, err := h.engine.FundEscrow(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// CompleteMilestone handles POST /v1/escrows/:id/milestones/:milestoneId/complete
func (h *Handler) CompleteMilestone(c *gin.Context) {
	var req struct {
		StakeholderID string `json:"stakeholderId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "stakeholderId is required",
		})
		return
	}

	result, err := h.engine.CompleteMilestone(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), req.StakeholderID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ApproveMilestone handles POST /v1/escrows/:id/milestones/:milestoneId/approve
func (h *Handler) ApproveMilestone(c *gin.Context) {
	var req struct {
		StakeholderID string `json:"stakeholderId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "stakeholderId is required",
		})
		return
	}

	contract, err := h.engine.ApproveMilestone(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), req.StakeholderID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": contract})
}

// ReleaseFunds handles POST /v1/escrows/:id/milestones/:milestoneId/release
func (h *Handler) ReleaseFunds(c *gin.Context) {
	result, err := h.engine.ReleaseFunds(c.Request.Context(), c.Param("id"), c.Param("milestoneId"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// StartDispute handles POST /v1/escrows/:id/milestones/:milestoneId/dispute
func (h *Handler) StartDispute(c *gin.Context) {
	var req struct {
		StakeholderID string `json:"stakeholderId" binding:"required"`
		Reason        string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "stakeholderId and reason are required",
		})
		return
	}

	contract, err := h.engine.StartDispute(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), req.StakeholderID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": contract})
}

// ResolveDispute handles POST /v1/escrows/:id/milestones/:milestoneId/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		ArbiterID  string `json:"arbiterId" binding:"required"`
		Resolution string `json:"resolution" binding:"required"`
		Reason     string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "arbiterId and resolution are required",
		})
		return
	}

	contract, err := h.engine.ResolveDispute(c.Request.Context(), c.Param("id"), c.Param("milestoneId"),
		req.ArbiterID, Resolution(req.Resolution), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": contract})
}

// respondError maps engine errors to HTTP status codes and stable error
// codes. Every handler funnels through here so clients see one taxonomy.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMilestoneNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidParticipant), errors.Is(err, ErrMissingReason):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrAlreadyReleased):
		status = http.StatusConflict
		code = "already_released"
	case errors.Is(err, ErrNotEligible):
		status = http.StatusConflict
		code = "not_eligible"
	case errors.Is(err, ErrOperationInFlight):
		status = http.StatusConflict
		code = "operation_in_flight"
	case errors.Is(err, ErrConcurrencyConflict):
		status = http.StatusConflict
		code = "concurrency_conflict"
	case errors.Is(err, ErrUserCancelled):
		status = http.StatusConflict
		code = "signing_rejected"
	case errors.Is(err, ErrOperationTimedOut):
		status = http.StatusGatewayTimeout
		code = "settlement_timeout"
	case errors.Is(err, ErrSettlementFailed):
		status = http.StatusBadGateway
		code = "settlement_failed"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
