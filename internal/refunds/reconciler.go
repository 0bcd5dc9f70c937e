package refunds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/promptsettle/internal/credits"
	"github.com/mbd888/promptsettle/internal/notify"
	"github.com/mbd888/promptsettle/internal/purchases"
	"github.com/mbd888/promptsettle/internal/retry"
	"github.com/mbd888/promptsettle/internal/syncutil"
	"github.com/mbd888/promptsettle/internal/traces"
)

// ChargeRefunded is a processor refund observation. AmountRefunded is the
// cumulative refunded amount the processor reports, not a delta.
type ChargeRefunded struct {
	EventID        string
	PaymentRef     string
	SessionRef     string
	PurchaseID     string
	BuyerID        string
	SellerID       string
	ItemID         string
	AmountTotal    int64
	AmountRefunded int64
	Currency       string
	RefundRefs     []string
}

// DisputeOpened is a processor dispute observation.
type DisputeOpened struct {
	EventID     string
	PaymentRef  string
	SessionRef  string
	PurchaseID  string
	BuyerID     string
	SellerID    string
	ItemID      string
	AmountTotal int64
	Currency    string
}

// SellerLedger is the slice of the credit ledger the reconciler claws back
// seller credits through.
type SellerLedger interface {
	Applied(ctx context.Context, ownerID string, kind credits.EntryKind, reference string) (bool, error)
	Total(ctx context.Context, ownerID string, kind credits.EntryKind, prefix string) (int64, error)
	CreditWithRetry(ctx context.Context, ownerID string, amount int64, memo credits.Memo) (credits.Result, error)
}

// Reconciler folds refund and dispute events into purchases.
type Reconciler struct {
	machine     *purchases.Machine
	actions     Store
	ledger      SellerLedger
	notifier    notify.Notifier
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
	clawLock    *syncutil.KeyLock
}

// NewReconciler creates a reconciler. ledger may be nil, in which case
// seller credits are left untouched by refunds.
func NewReconciler(machine *purchases.Machine, actions Store, ledger SellerLedger, notifier notify.Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		machine:     machine,
		actions:     actions,
		ledger:      ledger,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
		maxAttempts: 5,
		clawLock:    syncutil.NewKeyLock(),
	}
}

// WithMaxAttempts bounds the optimistic retry loop.
func (r *Reconciler) WithMaxAttempts(n int) *Reconciler {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// ReconcileRefund applies a refund event. The refunded amount only grows;
// the purchase becomes refunded once it covers the total and
// partially_refunded otherwise, unless it already holds a stronger status.
// A purchase the event cannot resolve is created from the event's metadata.
func (r *Reconciler) ReconcileRefund(ctx context.Context, ev ChargeRefunded) (*purchases.Purchase, error) {
	ctx, span := traces.StartSpan(ctx, "refunds.ReconcileRefund", traces.EventID(ev.EventID))

	var res purchases.Result
	var before int64
	err := retry.OnError(ctx, r.maxAttempts, 5*time.Millisecond, purchases.ErrConcurrentModification, func() error {
		t := purchases.Transition{
			EventID:        ev.EventID,
			PurchaseID:     ev.PurchaseID,
			BuyerID:        ev.BuyerID,
			SellerID:       ev.SellerID,
			ItemID:         ev.ItemID,
			AmountTotal:    ev.AmountTotal,
			RefundedAmount: ev.AmountRefunded,
			Currency:       ev.Currency,
			PaymentRef:     ev.PaymentRef,
			SessionRef:     ev.SessionRef,
		}
		existing, err := r.machine.Resolver().Resolve(ctx, t.Refs())
		if err != nil {
			return err
		}

		total := ev.AmountTotal
		before = 0
		if existing != nil {
			before = existing.RefundedAmount
			if existing.AmountTotal > 0 {
				total = existing.AmountTotal
			}
		}
		t.Status = refundStatus(max(before, ev.AmountRefunded), total)

		res, err = r.machine.Apply(ctx, existing, t)
		return err
	})
	if err != nil {
		err = unresolved(err)
		traces.End(span, err)
		return nil, err
	}
	p := res.Purchase
	span.SetAttributes(traces.PurchaseID(p.ID), traces.AmountMinor(p.RefundedAmount))

	r.markSucceeded(ctx, ev.RefundRefs)
	// Clawback derives from stored state, so a replay after a crash
	// finishes what the first delivery started.
	r.Clawback(ctx, p)
	if p.RefundedAmount > before || res.Created {
		kind := notify.KindPartialRefund
		if refundStatus(p.RefundedAmount, p.AmountTotal) == purchases.StatusRefunded {
			kind = notify.KindRefunded
		}
		r.notifyBuyer(ctx, p, kind)
	}
	traces.End(span, nil)
	return p, nil
}

// ReconcileDispute moves the purchase to disputed unless it is already
// refunded.
func (r *Reconciler) ReconcileDispute(ctx context.Context, ev DisputeOpened) (*purchases.Purchase, error) {
	ctx, span := traces.StartSpan(ctx, "refunds.ReconcileDispute", traces.EventID(ev.EventID))

	res, err := r.machine.Settle(ctx, purchases.Transition{
		Status:      purchases.StatusDisputed,
		EventID:     ev.EventID,
		PurchaseID:  ev.PurchaseID,
		BuyerID:     ev.BuyerID,
		SellerID:    ev.SellerID,
		ItemID:      ev.ItemID,
		AmountTotal: ev.AmountTotal,
		Currency:    ev.Currency,
		PaymentRef:  ev.PaymentRef,
		SessionRef:  ev.SessionRef,
	})
	if err != nil {
		err = unresolved(err)
		traces.End(span, err)
		return nil, err
	}
	p := res.Purchase
	span.SetAttributes(traces.PurchaseID(p.ID))

	if res.Changed && p.Status == purchases.StatusDisputed {
		r.notifyBuyer(ctx, p, notify.KindDisputed)
	}
	traces.End(span, nil)
	return p, nil
}

// MarkRefundSucceeded records that the processor confirmed the refunds
// named by refs. Refunds issued outside this service have no action and
// are skipped.
func (r *Reconciler) MarkRefundSucceeded(ctx context.Context, refs ...string) error {
	for _, ref := range refs {
		err := r.actions.UpdateStatus(ctx, ref, ActionSucceeded, r.now().UTC())
		if err != nil && !errors.Is(err, ErrRefundNotFound) {
			return fmt.Errorf("mark refund %s: %w", ref, err)
		}
	}
	return nil
}

func (r *Reconciler) markSucceeded(ctx context.Context, refs []string) {
	if len(refs) == 0 || r.actions == nil {
		return
	}
	if err := r.MarkRefundSucceeded(ctx, refs...); err != nil {
		r.logger.Warn("refund action update failed", "refs", refs, "error", err)
	}
}

// Clawback debits the seller so that clawed-back credits track the refunded
// amount. It reads only stored state, so it is safe to call after any event
// that credits the seller or raises the refunded amount. Each step is keyed by the refunded level it brings the seller to,
// so replays and concurrent deliveries of the same level apply once. Steps
// for one purchase are serialized within the process.
func (r *Reconciler) Clawback(ctx context.Context, p *purchases.Purchase) {
	if r.ledger == nil || p.SellerID == "" {
		return
	}
	log := r.logger.With("purchase_id", p.ID, "seller_id", p.SellerID)

	unlock, err := r.clawLock.Lock(ctx, p.ID)
	if err != nil {
		log.Warn("clawback skipped", "error", err)
		return
	}
	defer unlock()

	credited, err := r.ledger.Applied(ctx, p.SellerID, credits.KindSale, p.ID)
	if err != nil {
		log.Error("clawback lookup failed", "error", err)
		return
	}
	if !credited {
		return
	}
	prefix := p.ID + ":"
	clawed, err := r.ledger.Total(ctx, p.SellerID, credits.KindClawback, prefix)
	if err != nil {
		log.Error("clawback lookup failed", "error", err)
		return
	}
	owed := p.RefundedAmount + clawed // clawed is a sum of negative deltas
	if owed <= 0 {
		return
	}

	memo := credits.Memo{Kind: credits.KindClawback, Reference: prefix + strconv.FormatInt(p.RefundedAmount, 10)}
	_, err = r.ledger.CreditWithRetry(ctx, p.SellerID, -owed, memo)
	switch {
	case err == nil:
		log.Info("seller credits clawed back", "amount", owed)
	case errors.Is(err, credits.ErrDuplicateEntry):
	case errors.Is(err, credits.ErrInsufficientFunds):
		log.Error("seller balance below clawback", "amount", owed)
	default:
		log.Error("clawback failed", "amount", owed, "error", err)
	}
}

func (r *Reconciler) notifyBuyer(ctx context.Context, p *purchases.Purchase, kind notify.Kind) {
	if r.notifier == nil || p.BuyerID == "" {
		return
	}
	err := r.notifier.Notify(ctx, notify.Notification{
		UserID: p.BuyerID,
		Kind:   kind,
		Data: map[string]string{
			"purchaseId":     p.ID,
			"itemId":         p.ItemID,
			"refundedAmount": strconv.FormatInt(p.RefundedAmount, 10),
			"currency":       p.Currency,
		},
	})
	if err != nil {
		r.logger.Warn("buyer notification failed", "purchase_id", p.ID, "kind", kind, "error", err)
	}
}

func refundStatus(refunded, total int64) purchases.Status {
	if total > 0 && refunded >= total {
		return purchases.StatusRefunded
	}
	return purchases.StatusPartiallyRefunded
}

func unresolved(err error) error {
	if errors.Is(err, purchases.ErrIncompleteTransition) {
		return fmt.Errorf("%w: %w", ErrPurchaseUnresolved, err)
	}
	return err
}
