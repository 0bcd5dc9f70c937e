package purchases

import (
	"context"
	"errors"
	"strings"
)

// Refs are the identifiers an inbound event may carry for a purchase.
type Refs struct {
	PurchaseID string `json:"purchaseId,omitempty"`
	PaymentRef string `json:"paymentRef,omitempty"`
	SessionRef string `json:"sessionRef,omitempty"`
	BuyerID    string `json:"buyerId,omitempty"`
	ItemID     string `json:"itemId,omitempty"`
}

// Empty reports whether no lookup is possible.
func (r Refs) Empty() bool {
	return r.PurchaseID == "" && r.PaymentRef == "" && r.SessionRef == "" &&
		(r.BuyerID == "" || r.ItemID == "")
}

// Resolver maps heterogeneous references to at most one purchase.
//
// Lookup order is internal id, payment reference, session reference, then
// the (buyer, item) pair. A purchase typically gains its session reference
// first and its payment reference later; the order makes later events land
// on the same row instead of creating another.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver over store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the first match, or nil with no error when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, refs Refs) (*Purchase, error) {
	lookups := []struct {
		key  string
		find func() (*Purchase, error)
	}{
		{refs.PurchaseID, func() (*Purchase, error) { return r.store.Get(ctx, refs.PurchaseID) }},
		{refs.PaymentRef, func() (*Purchase, error) { return r.store.FindByPaymentRef(ctx, refs.PaymentRef) }},
		{refs.SessionRef, func() (*Purchase, error) { return r.store.FindBySessionRef(ctx, refs.SessionRef) }},
		{pairKey(refs), func() (*Purchase, error) { return r.store.FindByBuyerItem(ctx, refs.BuyerID, refs.ItemID) }},
	}

	for _, l := range lookups {
		if strings.TrimSpace(l.key) == "" {
			continue
		}
		p, err := l.find()
		if errors.Is(err, ErrPurchaseNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, nil
}

func pairKey(refs Refs) string {
	if refs.BuyerID == "" || refs.ItemID == "" {
		return ""
	}
	return refs.BuyerID + "/" + refs.ItemID
}
