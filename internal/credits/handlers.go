package credits

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/promptsettle/internal/apierr"
	"github.com/mbd888/promptsettle/internal/auth"
	"github.com/mbd888/promptsettle/internal/idgen"
	"github.com/mbd888/promptsettle/internal/validation"
)

// GrantRequest is the body of POST /v1/admin/credits/grant. An empty
// Reference gets a generated one, which makes the call non-idempotent.
type GrantRequest struct {
	OwnerID   string `json:"ownerId" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Handler provides HTTP endpoints for credits.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new credits handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterProtectedRoutes sets up user routes (auth required).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/credits/me", h.GetMine)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/credits/grant", h.Grant)
}

// GetMine handles GET /v1/credits/me
func (h *Handler) GetMine(c *gin.Context) {
	ctx := c.Request.Context()
	owner := auth.UserID(c)

	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	bal, err := h.ledger.Balance(ctx, owner)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	entries, err := h.ledger.Entries(ctx, owner, limit)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal, "entries": entries})
}

// Grant handles POST /v1/admin/credits/grant
func (h *Handler) Grant(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Respond(c, fmt.Errorf("%w: ownerId and amount are required", apierr.ErrInvalidRequest))
		return
	}
	if errs := validation.Validate(
		validation.ValidID("ownerId", req.OwnerID),
		validation.Positive("amount", req.Amount),
		validation.MaxLength("reference", req.Reference, validation.MaxIDLength),
	); len(errs) > 0 {
		apierr.Respond(c, errs.Err())
		return
	}
	if req.Reference == "" {
		req.Reference = idgen.WithPrefix(idgen.GrantPrefix)
	}

	res, err := h.ledger.Grant(c.Request.Context(), req.OwnerID, req.Amount, req.Reference)
	if errors.Is(err, ErrDuplicateEntry) {
		c.JSON(http.StatusOK, gin.H{"reference": req.Reference, "duplicate": true})
		return
	}
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"reference": req.Reference, "previous": res.Previous, "balance": res.Next})
}
