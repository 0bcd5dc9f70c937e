package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/promptsettle/internal/apierr"
	"github.com/mbd888/promptsettle/internal/credits"
	"github.com/mbd888/promptsettle/internal/idgen"
	"github.com/mbd888/promptsettle/internal/items"
	"github.com/mbd888/promptsettle/internal/purchases"
	"github.com/mbd888/promptsettle/internal/retry"
	"github.com/mbd888/promptsettle/internal/traces"
)

// CreditCurrency marks purchases paid in platform credits.
const CreditCurrency = "credits"

var (
	ErrSelfPurchase  = apierr.New(apierr.KindValidation, "self_purchase", "cannot purchase your own item")
	ErrAlreadyOwned  = apierr.New(apierr.KindConflict, "already_owned", "item already owned")
	ErrInvalidBuyer  = apierr.New(apierr.KindValidation, "invalid_purchase", "buyer and item are required")
	ErrRefunded      = apierr.New(apierr.KindValidation, "purchase_refunded", "item was refunded and cannot be purchased again")
	ErrPurchaseStuck = apierr.New(apierr.KindInternal, "purchase_incomplete", "purchase could not be completed")
)

// PurchaseStore is what the purchaser needs beyond the state machine.
type PurchaseStore interface {
	FindByBuyerItem(ctx context.Context, buyerID, itemID string) (*purchases.Purchase, error)
}

// Purchaser buys items with credits.
type Purchaser struct {
	machine     *purchases.Machine
	store       PurchaseStore
	catalog     items.Store
	credits     *credits.Ledger
	logger      *slog.Logger
	maxAttempts int
}

// NewPurchaser creates a direct credit purchaser.
func NewPurchaser(machine *purchases.Machine, store PurchaseStore, catalog items.Store, creditLedger *credits.Ledger, logger *slog.Logger) *Purchaser {
	return &Purchaser{
		machine:     machine,
		store:       store,
		catalog:     catalog,
		credits:     creditLedger,
		logger:      logger,
		maxAttempts: 5,
	}
}

// WithMaxAttempts bounds how often the whole purchase is retried.
func (p *Purchaser) WithMaxAttempts(n int) *Purchaser {
	if n > 0 {
		p.maxAttempts = n
	}
	return p
}

// Purchase moves the item's price from buyer to seller and grants the buyer
// a copy. When the buyer already owns the item the existing purchase, if
// any, is returned with ErrAlreadyOwned.
func (p *Purchaser) Purchase(ctx context.Context, buyerID, itemID string) (*purchases.Purchase, error) {
	if strings.TrimSpace(buyerID) == "" || strings.TrimSpace(itemID) == "" {
		return nil, ErrInvalidBuyer
	}
	ctx, span := traces.StartSpan(ctx, "settlement.Purchase", traces.OwnerID(buyerID))

	var out *purchases.Purchase
	err := retry.OnError(ctx, p.maxAttempts, 5*time.Millisecond, purchases.ErrConcurrentModification, func() error {
		var err error
		out, err = p.purchase(ctx, buyerID, itemID)
		return err
	})
	if out != nil {
		span.SetAttributes(traces.PurchaseID(out.ID))
	}
	traces.End(span, err)
	return out, err
}

func (p *Purchaser) purchase(ctx context.Context, buyerID, itemID string) (*purchases.Purchase, error) {
	item, err := p.catalog.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.OwnerID == buyerID {
		return nil, ErrSelfPurchase
	}

	existing, err := p.store.FindByBuyerItem(ctx, buyerID, itemID)
	if err != nil && !errors.Is(err, purchases.ErrPurchaseNotFound) {
		return nil, err
	}
	if existing != nil {
		switch {
		case existing.Status.Entitles():
			return existing, ErrAlreadyOwned
		case existing.Status == purchases.StatusRefunded:
			return existing, ErrRefunded
		}
	}

	pending := existing
	if pending == nil || pending.Status != purchases.StatusPending {
		// Copies obtained through swaps count as ownership too.
		owned, err := p.catalog.OwnedBy(ctx, buyerID, itemID)
		if err != nil {
			return nil, err
		}
		if owned {
			return nil, ErrAlreadyOwned
		}

		// A failed earlier attempt does not block a new one.
		res, err := p.machine.Apply(ctx, nil, purchases.Transition{
			Status:      purchases.StatusPending,
			PurchaseID:  idgen.WithPrefix(idgen.PurchasePrefix),
			BuyerID:     buyerID,
			SellerID:    item.OwnerID,
			ItemID:      itemID,
			AmountTotal: item.PriceCredits,
			Currency:    CreditCurrency,
		})
		if err != nil {
			return nil, err
		}
		pending = res.Purchase
	}

	if pending.AmountTotal > 0 {
		_, err = p.credits.TransferWithRetry(ctx, buyerID, pending.SellerID, pending.AmountTotal, pending.ID)
		switch {
		case err == nil:
		case errors.Is(err, credits.ErrDuplicateEntry) || p.saleApplied(ctx, pending):
			// Another attempt already moved the credits.
		default:
			if _, ferr := p.machine.Settle(ctx, purchases.Transition{Status: purchases.StatusFailed, PurchaseID: pending.ID}); ferr != nil {
				p.logger.Error("failed to mark purchase failed", "purchase_id", pending.ID, "error", ferr)
			}
			return nil, err
		}
	}

	res, err := p.machine.Settle(ctx, purchases.Transition{Status: purchases.StatusPaid, PurchaseID: pending.ID})
	if err != nil {
		p.logger.Error("credits moved but purchase not marked paid", "purchase_id", pending.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPurchaseStuck, err)
	}
	if _, err := p.catalog.Grant(ctx, buyerID, itemID, pending.ID); err != nil {
		return res.Purchase, fmt.Errorf("grant entitlement: %w", err)
	}

	p.logger.Info("credit purchase completed",
		"purchase_id", pending.ID,
		"buyer_id", buyerID,
		"seller_id", pending.SellerID,
		"item_id", itemID,
		"amount", pending.AmountTotal,
	)
	return res.Purchase, nil
}

func (p *Purchaser) saleApplied(ctx context.Context, pur *purchases.Purchase) bool {
	applied, err := p.credits.Applied(ctx, pur.SellerID, credits.KindSale, pur.ID)
	return err == nil && applied
}
