package swaps

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/promptsettle/internal/apierr"
	"github.com/mbd888/promptsettle/internal/auth"
	"github.com/mbd888/promptsettle/internal/pagination"
	"github.com/mbd888/promptsettle/internal/validation"
)

// ActionRequest is the body of POST /v1/swaps/:id/actions.
type ActionRequest struct {
	Action string `json:"action" binding:"required"`
}

// SweepRequest is the body of POST /v1/admin/swaps/sweep. A nil MaxAgeDays
// uses the configured default.
type SweepRequest struct {
	MaxAgeDays *int `json:"maxAgeDays"`
}

// Handler provides HTTP endpoints for swaps.
type Handler struct {
	service           *Service
	sweeper           *Sweeper
	defaultMaxAgeDays int
	now               func() time.Time
}

// NewHandler creates a new swap handler.
func NewHandler(service *Service, sweeper *Sweeper, defaultMaxAgeDays int) *Handler {
	return &Handler{
		service:           service,
		sweeper:           sweeper,
		defaultMaxAgeDays: defaultMaxAgeDays,
		now:               time.Now,
	}
}

// RegisterProtectedRoutes sets up participant routes (auth required).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/swaps", h.CreateSwap)
	r.GET("/swaps", h.ListSwaps)
	r.GET("/swaps/:id", validation.IDParamMiddleware(), h.GetSwap)
	r.POST("/swaps/:id/actions", validation.IDParamMiddleware(), h.ApplyAction)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/swaps/sweep", h.Sweep)
}

// CreateSwap handles POST /v1/swaps
func (h *Handler) CreateSwap(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Respond(c, fmt.Errorf("%w: responderId, requestedItemId and offeredItemId are required", apierr.ErrInvalidRequest))
		return
	}
	if errs := validation.Validate(
		validation.ValidID("responderId", req.ResponderID),
		validation.ValidID("requestedItemId", req.RequestedItemID),
		validation.ValidID("offeredItemId", req.OfferedItemID),
	); len(errs) > 0 {
		apierr.Respond(c, errs.Err())
		return
	}
	req.RequesterID = auth.UserID(c)

	sw, err := h.service.Create(c.Request.Context(), req)
	if errors.Is(err, ErrDuplicateSwap) && sw != nil {
		c.JSON(http.StatusOK, gin.H{"swap": sw, "duplicate": true})
		return
	}
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"swap": sw})
}

// GetSwap handles GET /v1/swaps/:id
func (h *Handler) GetSwap(c *gin.Context) {
	sw, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"swap": sw})
}

// ListSwaps handles GET /v1/swaps
func (h *Handler) ListSwaps(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	rows, err := h.service.List(c.Request.Context(), auth.UserID(c), after, limit+1)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	page := pagination.ComputePage(rows, limit, func(s *Swap) (time.Time, string) {
		return s.CreatedAt, s.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"swaps":      page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// ApplyAction handles POST /v1/swaps/:id/actions
func (h *Handler) ApplyAction(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Respond(c, fmt.Errorf("%w: action is required", apierr.ErrInvalidRequest))
		return
	}
	action, err := ParseAction(req.Action)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	res, err := h.service.Transition(c.Request.Context(), c.Param("id"), auth.UserID(c), action)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Sweep handles POST /v1/admin/swaps/sweep
func (h *Handler) Sweep(c *gin.Context) {
	var req SweepRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.Respond(c, fmt.Errorf("%w: maxAgeDays must be an integer", apierr.ErrInvalidRequest))
			return
		}
	}
	maxAge := h.defaultMaxAgeDays
	if req.MaxAgeDays != nil {
		maxAge = *req.MaxAgeDays
	}

	res, err := h.sweeper.Sweep(c.Request.Context(), h.now(), maxAge)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
