package webhooks

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trustwork/escrowd/internal/idgen"
)

// Handler provides HTTP endpoints for webhook management.
type Handler struct {
	store Store
}

// NewHandler creates a new webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/stakeholders/:id/webhooks", h.CreateWebhook)
	r.GET("/stakeholders/:id/webhooks", h.ListWebhooks)
	r.DELETE("/stakeholders/:id/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription.
type CreateWebhookRequest struct {
	URL        string   `json:"url" binding:"required"`
	Events     []string `json:"events"`
	ContractID string   `json:"contractId"`
}

// CreateWebhook handles POST /v1/stakeholders/:id/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	stakeholderID := c.Param("id")

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:            idgen.WithPrefix(idgen.PrefixWebhook),
		StakeholderID: stakeholderID,
		URL:           req.URL,
		Secret:        secret,
		Events:        req.Events,
		ContractID:    req.ContractID,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Escrowd-Signature",
		},
	})
}

// ListWebhooks handles GET /v1/stakeholders/:id/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.GetByStakeholder(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /v1/stakeholders/:id/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("webhookId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}
