package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/promptsettle/internal/apierr"
	"github.com/mbd888/promptsettle/internal/auth"
	"github.com/mbd888/promptsettle/internal/logging"
	"github.com/mbd888/promptsettle/internal/metrics"
	"github.com/mbd888/promptsettle/internal/pagination"
	"github.com/mbd888/promptsettle/internal/payments"
	"github.com/mbd888/promptsettle/internal/purchases"
	"github.com/mbd888/promptsettle/internal/validation"
)

// SignatureHeader carries the processor's webhook signature.
const SignatureHeader = "Stripe-Signature"

// PurchaseReader is the read side of the purchase store used by handlers.
type PurchaseReader interface {
	Get(ctx context.Context, id string) (*purchases.Purchase, error)
	ListByBuyer(ctx context.Context, buyerID string, after *pagination.Cursor, limit int) ([]*purchases.Purchase, error)
}

// WebhookResponse acknowledges a processor delivery.
type WebhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate"`
}

// PurchaseRequest is the body of POST /v1/purchases.
type PurchaseRequest struct {
	ItemID string `json:"itemId" binding:"required"`
}

// Handler provides HTTP endpoints for event ingestion and purchases.
type Handler struct {
	verifier  *payments.Verifier
	processor *Processor
	purchaser *Purchaser
	purchases PurchaseReader
}

// NewHandler creates a new settlement handler.
func NewHandler(verifier *payments.Verifier, processor *Processor, purchaser *Purchaser, store PurchaseReader) *Handler {
	return &Handler{
		verifier:  verifier,
		processor: processor,
		purchaser: purchaser,
		purchases: store,
	}
}

// RegisterWebhookRoutes sets up the processor webhook. The signature is its
// only credential.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payments", h.PaymentWebhook)
}

// RegisterProtectedRoutes sets up buyer routes (auth required).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/purchases", h.CreatePurchase)
	r.GET("/purchases", h.ListPurchases)
	r.GET("/purchases/:id", validation.IDParamMiddleware(), h.GetPurchase)
}

// PaymentWebhook handles POST /v1/webhooks/payments
func (h *Handler) PaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		apierr.Respond(c, fmt.Errorf("%w: unreadable body", apierr.ErrInvalidRequest))
		return
	}

	ev, err := h.verifier.Verify(payload, c.GetHeader(SignatureHeader))
	if errors.Is(err, payments.ErrEventIgnored) {
		metrics.EventsTotal.WithLabelValues("other", "ignored").Inc()
		logging.L(c.Request.Context()).Debug("payment event ignored", "event_id", ev.ID, "event_type", ev.Type)
		c.JSON(http.StatusOK, WebhookResponse{Received: true})
		return
	}
	if err != nil {
		// Nothing was recorded; the processor retries malformed deliveries.
		apierr.Respond(c, err)
		return
	}

	out, err := h.processor.Handle(c.Request.Context(), ev)
	if err != nil {
		logging.L(c.Request.Context()).Error("payment event failed",
			"event_id", ev.ID,
			"event_kind", ev.Kind,
			"error", err,
		)
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, WebhookResponse{Received: true, Duplicate: out.Duplicate})
}

// CreatePurchase handles POST /v1/purchases
func (h *Handler) CreatePurchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Respond(c, fmt.Errorf("%w: itemId is required", apierr.ErrInvalidRequest))
		return
	}
	if errs := validation.Validate(validation.ValidID("itemId", req.ItemID)); len(errs) > 0 {
		apierr.Respond(c, errs.Err())
		return
	}

	p, err := h.purchaser.Purchase(c.Request.Context(), auth.UserID(c), req.ItemID)
	if errors.Is(err, ErrAlreadyOwned) {
		// p is nil when the item came from a swap rather than a purchase.
		c.JSON(http.StatusOK, gin.H{"purchase": p, "alreadyOwned": true})
		return
	}
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"purchase": p})
}

// GetPurchase handles GET /v1/purchases/:id
func (h *Handler) GetPurchase(c *gin.Context) {
	p, err := h.purchases.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	if p.BuyerID != auth.UserID(c) {
		// Other users' purchases do not exist as far as the caller knows.
		apierr.Respond(c, purchases.ErrPurchaseNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": p})
}

// ListPurchases handles GET /v1/purchases
func (h *Handler) ListPurchases(c *gin.Context) {
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
	rows, err := h.purchases.ListByBuyer(c.Request.Context(), auth.UserID(c), after, limit+1)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	page := pagination.ComputePage(rows, limit, func(p *purchases.Purchase) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"purchases":  page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}
