// Package settlement turns verified processor events and direct credit
// purchases into purchases, entitlements and seller credits.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/promptsettle/internal/credits"
	"github.com/mbd888/promptsettle/internal/events"
	"github.com/mbd888/promptsettle/internal/items"
	"github.com/mbd888/promptsettle/internal/metrics"
	"github.com/mbd888/promptsettle/internal/payments"
	"github.com/mbd888/promptsettle/internal/purchases"
	"github.com/mbd888/promptsettle/internal/refunds"
	"github.com/mbd888/promptsettle/internal/traces"
)

// Outcome reports how an event was handled.
type Outcome struct {
	Duplicate bool `json:"duplicate"`
	Resumed   bool `json:"resumed"`
	// PurchaseID is the purchase the event settled onto, when there was one.
	PurchaseID string `json:"purchaseId,omitempty"`
}

// Processor runs the event chain: idempotency ledger, dispatch, then mark
// processed. A failure anywhere before the mark leaves the event resumable.
type Processor struct {
	ledger     *events.Ledger
	machine    *purchases.Machine
	catalog    items.Store
	credits    *credits.Ledger
	reconciler *refunds.Reconciler
	logger     *slog.Logger
}

// NewProcessor wires the event chain.
func NewProcessor(
	ledger *events.Ledger,
	machine *purchases.Machine,
	catalog items.Store,
	creditLedger *credits.Ledger,
	reconciler *refunds.Reconciler,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		ledger:     ledger,
		machine:    machine,
		catalog:    catalog,
		credits:    creditLedger,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Handle applies ev at most once. A delivery whose event already completed
// returns Outcome{Duplicate: true} without side effects; one whose earlier
// attempt stopped midway redoes the whole chain, every step of which is
// idempotent.
func (p *Processor) Handle(ctx context.Context, ev payments.PaymentEvent) (Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Handle",
		traces.EventID(ev.ID), traces.EventKind(string(ev.Kind)))
	out, err := p.handle(ctx, ev)
	traces.End(span, err)

	outcome := "new"
	switch {
	case err != nil:
		outcome = "failed"
	case out.Duplicate:
		outcome = "duplicate"
	case out.Resumed:
		outcome = "resumed"
	}
	metrics.EventsTotal.WithLabelValues(string(ev.Kind), outcome).Inc()
	return out, err
}

func (p *Processor) handle(ctx context.Context, ev payments.PaymentEvent) (Outcome, error) {
	log := p.logger.With("event_id", ev.ID, "event_kind", ev.Kind)

	rec, err := p.ledger.Record(ctx, ev.ID, ev.Type)
	if err != nil {
		return Outcome{}, err
	}
	if rec.AlreadyProcessed {
		log.Debug("duplicate event skipped")
		return Outcome{Duplicate: true}, nil
	}
	if rec.Resumed {
		log.Info("resuming unfinished event")
	}

	purchaseID, err := p.dispatch(ctx, ev)
	if err != nil {
		log.Warn("event handling failed", "error", err)
		return Outcome{Resumed: rec.Resumed}, err
	}

	if err := p.ledger.MarkProcessed(ctx, ev.ID); err != nil {
		return Outcome{Resumed: rec.Resumed}, err
	}
	log.Info("event processed", "purchase_id", purchaseID, "resumed", rec.Resumed)
	return Outcome{Resumed: rec.Resumed, PurchaseID: purchaseID}, nil
}

func (p *Processor) dispatch(ctx context.Context, ev payments.PaymentEvent) (string, error) {
	switch ev.Kind {
	case payments.KindCheckoutCompleted, payments.KindPaymentSucceeded:
		return p.settlePaid(ctx, ev)
	case payments.KindPaymentFailed:
		return p.settleFailed(ctx, ev)
	case payments.KindChargeRefunded:
		pur, err := p.reconciler.ReconcileRefund(ctx, refunds.ChargeRefunded{
			EventID:        ev.ID,
			PaymentRef:     ev.PaymentRef,
			SessionRef:     ev.SessionRef,
			PurchaseID:     ev.PurchaseID,
			BuyerID:        ev.BuyerID,
			SellerID:       ev.SellerID,
			ItemID:         ev.ItemID,
			AmountTotal:    ev.AmountTotal,
			AmountRefunded: ev.AmountRefunded,
			Currency:       ev.Currency,
			RefundRefs:     ev.RefundRefs,
		})
		if err != nil {
			return "", err
		}
		return pur.ID, nil
	case payments.KindDisputeCreated:
		pur, err := p.reconciler.ReconcileDispute(ctx, refunds.DisputeOpened{
			EventID:     ev.ID,
			PaymentRef:  ev.PaymentRef,
			SessionRef:  ev.SessionRef,
			PurchaseID:  ev.PurchaseID,
			BuyerID:     ev.BuyerID,
			SellerID:    ev.SellerID,
			ItemID:      ev.ItemID,
			AmountTotal: ev.AmountTotal,
			Currency:    ev.Currency,
		})
		if err != nil {
			return "", err
		}
		return pur.ID, nil
	default:
		return "", fmt.Errorf("%w: %s", payments.ErrEventIgnored, ev.Kind)
	}
}

func (p *Processor) transition(status purchases.Status, ev payments.PaymentEvent) purchases.Transition {
	return purchases.Transition{
		Status:      status,
		EventID:     ev.ID,
		PurchaseID:  ev.PurchaseID,
		BuyerID:     ev.BuyerID,
		SellerID:    ev.SellerID,
		ItemID:      ev.ItemID,
		AmountTotal: ev.AmountTotal,
		Currency:    ev.Currency,
		PaymentRef:  ev.PaymentRef,
		SessionRef:  ev.SessionRef,
	}
}

// settlePaid upgrades the purchase to paid, then grants the entitlement and
// credits the seller. Both follow-ups are keyed by purchase id, so they run
// on every delivery and only the first one lands.
func (p *Processor) settlePaid(ctx context.Context, ev payments.PaymentEvent) (string, error) {
	res, err := p.machine.Settle(ctx, p.transition(purchases.StatusPaid, ev))
	if err != nil {
		return "", err
	}
	pur := res.Purchase
	if !pur.Status.Entitles() {
		// Refunded before the payment event arrived.
		return pur.ID, nil
	}

	if _, err := p.catalog.Grant(ctx, pur.BuyerID, pur.ItemID, pur.ID); err != nil {
		return pur.ID, fmt.Errorf("grant entitlement: %w", err)
	}
	if err := p.creditSeller(ctx, pur); err != nil {
		return pur.ID, err
	}
	if pur.RefundedAmount > 0 {
		// A partial refund that landed before the payment could not claw
		// back a sale that was not credited yet.
		p.reconciler.Clawback(ctx, pur)
	}
	if res.BecamePaid() {
		p.logger.Info("purchase paid",
			"purchase_id", pur.ID,
			"buyer_id", pur.BuyerID,
			"item_id", pur.ItemID,
			"amount", pur.AmountTotal,
		)
	}
	return pur.ID, nil
}

// creditSeller credits the seller one credit per minor unit of the sale.
func (p *Processor) creditSeller(ctx context.Context, pur *purchases.Purchase) error {
	if pur.SellerID == "" || pur.AmountTotal <= 0 {
		return nil
	}
	_, err := p.credits.CreditWithRetry(ctx, pur.SellerID, pur.AmountTotal, credits.Memo{
		Kind:      credits.KindSale,
		Reference: pur.ID,
	})
	if errors.Is(err, credits.ErrDuplicateEntry) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("credit seller: %w", err)
	}
	return nil
}

func (p *Processor) settleFailed(ctx context.Context, ev payments.PaymentEvent) (string, error) {
	res, err := p.machine.Settle(ctx, p.transition(purchases.StatusFailed, ev))
	if errors.Is(err, purchases.ErrIncompleteTransition) {
		// A failed payment for a purchase we never saw leaves nothing to
		// record.
		p.logger.Info("failed payment for unknown purchase", "event_id", ev.ID, "payment_ref", ev.PaymentRef)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return res.Purchase.ID, nil
}
