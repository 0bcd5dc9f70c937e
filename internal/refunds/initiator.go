package refunds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/promptsettle/internal/apierr"
	"github.com/mbd888/promptsettle/internal/idgen"
	"github.com/mbd888/promptsettle/internal/metrics"
	"github.com/mbd888/promptsettle/internal/purchases"
	"github.com/mbd888/promptsettle/internal/traces"
)

// ErrProcessorRefund wraps failures of the processor refund call.
var ErrProcessorRefund = apierr.New(apierr.KindExternalService, "refund_failed", "payment processor rejected the refund")

// RefundRequest asks the processor to refund part of a payment.
type RefundRequest struct {
	PaymentRef     string
	AmountMinor    int64
	Reason         string
	IdempotencyKey string
	PurchaseID     string
}

// RefundReceipt is the processor's acknowledgement.
type RefundReceipt struct {
	RefundRef string
	Status    string
}

// Refunder issues refunds at the payment processor.
type Refunder interface {
	Refund(ctx context.Context, req RefundRequest) (RefundReceipt, error)
}

// PurchaseReader loads purchases.
type PurchaseReader interface {
	Get(ctx context.Context, id string) (*purchases.Purchase, error)
}

// InitiateRequest is the operator's refund request. A zero Amount refunds
// the whole refundable remainder.
type InitiateRequest struct {
	PurchaseID string `json:"purchaseId" binding:"required"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason"`
}

// Initiator starts refunds. It never touches purchase status; the refund
// event the processor sends afterwards does.
type Initiator struct {
	purchases PurchaseReader
	actions   Store
	refunder  Refunder
	logger    *slog.Logger
	now       func() time.Time
}

// NewInitiator creates a refund initiator.
func NewInitiator(purchases PurchaseReader, actions Store, refunder Refunder, logger *slog.Logger) *Initiator {
	return &Initiator{
		purchases: purchases,
		actions:   actions,
		refunder:  refunder,
		logger:    logger,
		now:       time.Now,
	}
}

// Refundable returns what can still be refunded on p: the unrefunded
// remainder less refunds already requested but not yet confirmed.
func (in *Initiator) Refundable(ctx context.Context, p *purchases.Purchase) (int64, error) {
	remainder := p.Refundable()
	actions, err := in.actions.ListByPurchase(ctx, p.ID)
	if err != nil {
		return 0, fmt.Errorf("list refund actions: %w", err)
	}
	for _, a := range actions {
		if a.Status == ActionPending {
			remainder -= a.AmountMinor
		}
	}
	return max(remainder, 0), nil
}

// Initiate calls the processor first and records the action afterwards, so
// a recorded action always corresponds to a refund the processor accepted.
func (in *Initiator) Initiate(ctx context.Context, req InitiateRequest) (*Action, error) {
	ctx, span := traces.StartSpan(ctx, "refunds.Initiate", traces.PurchaseID(req.PurchaseID))
	action, err := in.initiate(ctx, req)
	traces.End(span, err)

	result := "accepted"
	if err != nil {
		result = apierr.KindOf(err).String()
	}
	metrics.RefundsInitiatedTotal.WithLabelValues(result).Inc()
	return action, err
}

func (in *Initiator) initiate(ctx context.Context, req InitiateRequest) (*Action, error) {
	if strings.TrimSpace(req.PurchaseID) == "" || req.Amount < 0 {
		return nil, ErrInvalidRefund
	}
	p, err := in.purchases.Get(ctx, req.PurchaseID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case purchases.StatusPaid, purchases.StatusPartiallyRefunded:
	default:
		return nil, fmt.Errorf("%w: purchase is %s", ErrNotRefundable, p.Status)
	}
	if p.ExternalPaymentRef == "" {
		return nil, fmt.Errorf("%w: purchase was not paid through the processor", ErrNotRefundable)
	}

	remainder, err := in.Refundable(ctx, p)
	if err != nil {
		return nil, err
	}
	if remainder == 0 {
		return nil, ErrNothingToRefund
	}
	amount := req.Amount
	if amount == 0 {
		amount = remainder
	}
	if amount > remainder {
		return nil, fmt.Errorf("%w: %d exceeds refundable %d", ErrInvalidRefund, amount, remainder)
	}

	// Requests repeated before the refund event lands share a key, so the
	// processor returns the original refund instead of issuing another.
	receipt, err := in.refunder.Refund(ctx, RefundRequest{
		PaymentRef:     p.ExternalPaymentRef,
		AmountMinor:    amount,
		Reason:         req.Reason,
		IdempotencyKey: fmt.Sprintf("refund:%s:%d:%d", p.ID, p.AmountTotal-remainder, amount),
		PurchaseID:     p.ID,
	})
	if err != nil {
		in.logger.Error("processor refund failed",
			"purchase_id", p.ID,
			"amount", amount,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrProcessorRefund, err)
	}

	now := in.now().UTC()
	action := &Action{
		ID:                idgen.WithPrefix(idgen.RefundPrefix),
		PurchaseID:        p.ID,
		ExternalRefundRef: receipt.RefundRef,
		AmountMinor:       amount,
		Reason:            req.Reason,
		Status:            ActionPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := in.actions.Create(ctx, action); err != nil {
		if errors.Is(err, ErrDuplicateRefund) {
			// The processor deduplicated a repeated request onto an
			// existing refund.
			return in.actions.FindByExternalRef(ctx, receipt.RefundRef)
		}
		in.logger.Error("refund issued but not recorded",
			"purchase_id", p.ID,
			"refund_ref", receipt.RefundRef,
			"error", err,
		)
		return nil, err
	}

	in.logger.Info("refund initiated",
		"purchase_id", p.ID,
		"refund_ref", receipt.RefundRef,
		"amount", amount,
	)
	return action, nil
}
