package refunds

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/promptsettle/internal/apierr"
	"github.com/mbd888/promptsettle/internal/validation"
)

// Handler provides HTTP endpoints for operator refunds.
type Handler struct {
	initiator *Initiator
	actions   Store
}

// NewHandler creates a new refunds handler.
func NewHandler(initiator *Initiator, actions Store) *Handler {
	return &Handler{initiator: initiator, actions: actions}
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/refunds", h.InitiateRefund)
	r.GET("/purchases/:id/refunds", validation.IDParamMiddleware(), h.ListRefunds)
}

// InitiateRefund handles POST /v1/admin/refunds. The purchase status moves
// only when the processor's refund event arrives, so success is 202.
func (h *Handler) InitiateRefund(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Respond(c, fmt.Errorf("%w: purchaseId is required", apierr.ErrInvalidRequest))
		return
	}
	if errs := validation.Validate(
		validation.ValidID("purchaseId", req.PurchaseID),
		validation.MaxLength("reason", req.Reason, 500),
	); len(errs) > 0 {
		apierr.Respond(c, errs.Err())
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, 500)

	action, err := h.initiator.Initiate(c.Request.Context(), req)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"refund": action})
}

// ListRefunds handles GET /v1/admin/purchases/:id/refunds
func (h *Handler) ListRefunds(c *gin.Context) {
	list, err := h.actions.ListByPurchase(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": list, "count": len(list)})
}
