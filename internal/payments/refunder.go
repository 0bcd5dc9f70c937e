package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/promptsettle/internal/apierr"
	"github.com/mbd888/promptsettle/internal/circuitbreaker"
	"github.com/mbd888/promptsettle/internal/refunds"
)

// ErrRefundsUnavailable is returned while the refund circuit is open.
var ErrRefundsUnavailable = apierr.New(apierr.KindExternalService, "refunds_unavailable", "refund processor temporarily unavailable")

const refundBreakerKey = "stripe.refunds"

// StripeRefunder issues refunds through a Stripe API client.
type StripeRefunder struct {
	api    *client.API
	logger *slog.Logger
}

// NewStripeRefunder creates a refunder bound to secretKey. backends may be
// nil to use Stripe's defaults.
func NewStripeRefunder(secretKey string, backends *stripe.Backends, logger *slog.Logger) *StripeRefunder {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &StripeRefunder{api: api, logger: logger}
}

// Refund refunds part of the payment intent named by req.PaymentRef.
func (s *StripeRefunder) Refund(ctx context.Context, req refunds.RefundRequest) (refunds.RefundReceipt, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentRef),
		Amount:        stripe.Int64(req.AmountMinor),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	if req.PurchaseID != "" {
		params.AddMetadata(MetaPurchaseID, req.PurchaseID)
	}
	if reason := stripeReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	} else if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}

	r, err := s.api.Refunds.New(params)
	if err != nil {
		s.logger.Warn("stripe refund failed",
			"payment_ref", req.PaymentRef,
			"amount", req.AmountMinor,
			"error", err,
		)
		return refunds.RefundReceipt{}, fmt.Errorf("%w: %w", ErrExternalService, err)
	}
	return refunds.RefundReceipt{RefundRef: r.ID, Status: string(r.Status)}, nil
}

// stripeReason maps free-form reasons onto the values Stripe accepts.
func stripeReason(reason string) string {
	switch stripe.RefundReason(reason) {
	case stripe.RefundReasonDuplicate, stripe.RefundReasonFraudulent, stripe.RefundReasonRequestedByCustomer:
		return reason
	}
	return ""
}

// GuardedRefunder stops calling the processor after repeated outages and
// fails fast until a probe succeeds.
type GuardedRefunder struct {
	next    refunds.Refunder
	breaker *circuitbreaker.Breaker
}

// NewGuardedRefunder wraps next with breaker.
func NewGuardedRefunder(next refunds.Refunder, breaker *circuitbreaker.Breaker) *GuardedRefunder {
	return &GuardedRefunder{next: next, breaker: breaker}
}

// Refund forwards to the wrapped refunder unless the circuit is open.
func (g *GuardedRefunder) Refund(ctx context.Context, req refunds.RefundRequest) (refunds.RefundReceipt, error) {
	var receipt refunds.RefundReceipt
	err := g.breaker.Execute(refundBreakerKey, func() error {
		var err error
		receipt, err = g.next.Refund(ctx, req)
		return err
	}, processorOutage)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return refunds.RefundReceipt{}, ErrRefundsUnavailable
	}
	return receipt, err
}

// processorOutage reports whether err says the processor is unhealthy, as
// opposed to rejecting this particular request.
func processorOutage(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode >= http.StatusInternalServerError || se.HTTPStatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// UnconfiguredRefunder rejects every refund. It stands in when no processor
// key is configured.
type UnconfiguredRefunder struct{}

// Refund always fails.
func (UnconfiguredRefunder) Refund(ctx context.Context, req refunds.RefundRequest) (refunds.RefundReceipt, error) {
	return refunds.RefundReceipt{}, fmt.Errorf("%w: refunds are not configured", ErrExternalService)
}

var (
	_ refunds.Refunder = (*StripeRefunder)(nil)
	_ refunds.Refunder = (*GuardedRefunder)(nil)
	_ refunds.Refunder = UnconfiguredRefunder{}
)
