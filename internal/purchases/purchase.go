// Package purchases owns purchase records for their whole lifecycle.
//
// A purchase is created by the first successful payment confirmation (or a
// direct credit purchase) and afterwards only moves up a fixed status
// lattice:
//
//	refunded > disputed > partially_refunded > paid > failed > pending
//
// so events can arrive in any order without a weaker status overwriting a
// stronger one. Financial fields are write-once.
package purchases

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/promptsettle/internal/apierr"
	"github.com/mbd888/promptsettle/internal/pagination"
)

var (
	ErrPurchaseNotFound       = apierr.New(apierr.KindNotFound, "purchase_not_found", "purchase not found")
	ErrInvalidStatus          = apierr.New(apierr.KindValidation, "invalid_status", "unknown purchase status")
	ErrIncompleteTransition   = apierr.New(apierr.KindValidation, "incomplete_purchase", "buyer and item are required to create a purchase")
	ErrDuplicatePurchase      = apierr.New(apierr.KindConflict, "duplicate_purchase", "purchase already exists")
	ErrConcurrentModification = apierr.New(apierr.KindConcurrentModification, "concurrent_modification", "purchase changed concurrently")
)

// Status is the purchase lifecycle state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusPaid              Status = "paid"
	StatusFailed            Status = "failed"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusRefunded          Status = "refunded"
	StatusDisputed          Status = "disputed"
)

// AllStatuses lists every status, weakest first.
var AllStatuses = []Status{
	StatusPending,
	StatusFailed,
	StatusPaid,
	StatusPartiallyRefunded,
	StatusDisputed,
	StatusRefunded,
}

// ParseStatus converts s to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if st.rank() < 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// rank orders statuses, most terminal highest. -1 for unknown values.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusFailed:
		return 1
	case StatusPaid:
		return 2
	case StatusPartiallyRefunded:
		return 3
	case StatusDisputed:
		return 4
	case StatusRefunded:
		return 5
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// Outranks reports whether s has strictly higher priority than other.
func (s Status) Outranks(other Status) bool {
	return s.rank() > other.rank()
}

// Stronger returns the higher-priority of a and b.
func Stronger(a, b Status) Status {
	if b.Outranks(a) {
		return b
	}
	return a
}

// Entitles reports whether the buyer holds the item in this status.
func (s Status) Entitles() bool {
	switch s {
	case StatusPaid, StatusPartiallyRefunded, StatusDisputed:
		return true
	}
	return false
}

// Purchase is a buyer's entitlement record for one item.
type Purchase struct {
	ID                 string    `json:"id"`
	BuyerID            string    `json:"buyerId"`
	SellerID           string    `json:"sellerId"`
	ItemID             string    `json:"itemId"`
	AmountTotal        int64     `json:"amountTotal"`    // minor units
	RefundedAmount     int64     `json:"refundedAmount"` // minor units
	Currency           string    `json:"currency"`
	Status             Status    `json:"status"`
	ExternalPaymentRef string    `json:"externalPaymentRef,omitempty"`
	ExternalSessionRef string    `json:"externalSessionRef,omitempty"`
	LastEventID        string    `json:"lastEventId,omitempty"`
	Version            int64     `json:"version"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Refundable returns the amount still refundable in minor units.
func (p *Purchase) Refundable() int64 {
	if p.RefundedAmount >= p.AmountTotal {
		return 0
	}
	return p.AmountTotal - p.RefundedAmount
}

// Refs returns every identifier the purchase can be found by.
func (p *Purchase) Refs() Refs {
	return Refs{
		PurchaseID: p.ID,
		PaymentRef: p.ExternalPaymentRef,
		SessionRef: p.ExternalSessionRef,
		BuyerID:    p.BuyerID,
		ItemID:     p.ItemID,
	}
}

// Store persists purchases.
type Store interface {
	// Create inserts p. Returns ErrDuplicatePurchase when p collides with an
	// existing payment ref, session ref or active (buyer, item) pair.
	Create(ctx context.Context, p *Purchase) error
	Get(ctx context.Context, id string) (*Purchase, error)
	FindByPaymentRef(ctx context.Context, ref string) (*Purchase, error)
	FindBySessionRef(ctx context.Context, ref string) (*Purchase, error)
	// FindByBuyerItem prefers the non-failed purchase, else the newest failed one.
	FindByBuyerItem(ctx context.Context, buyerID, itemID string) (*Purchase, error)
	// UpdateIfVersion writes p only if the stored version equals expected and
	// bumps the version. A miss returns ErrConcurrentModification.
	UpdateIfVersion(ctx context.Context, p *Purchase, expected int64) error
	// ListByBuyer returns buyerID's purchases newest first, starting after
	// the cursor when one is given.
	ListByBuyer(ctx context.Context, buyerID string, after *pagination.Cursor, limit int) ([]*Purchase, error)
}
