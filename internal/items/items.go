// Package items is the settlement core's view of the prompt catalog.
//
// The core never interprets item content. It only needs to know who owns
// an item, to hand out private copies on purchase, and to copy a pair of
// items atomically when a swap is fulfilled.
package items

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/mbd888/promptsettle/internal/apierr"
)

var (
	ErrItemNotFound = apierr.New(apierr.KindNotFound, "item_not_found", "item not found")
	ErrInvalidItem  = apierr.New(apierr.KindValidation, "invalid_item", "item is missing required fields")
)

// Item is a prompt listing or a private copy of one.
type Item struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"ownerId"`
	Title            string    `json:"title"`
	Body             string    `json:"body,omitempty"`
	PriceCredits     int64     `json:"priceCredits"`
	Private          bool      `json:"private"`
	SourceItemID     string    `json:"sourceItemId,omitempty"`
	SourceSwapID     string    `json:"sourceSwapId,omitempty"`
	SourcePurchaseID string    `json:"sourcePurchaseId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Origin returns the listing this item descends from.
func (i *Item) Origin() string {
	if i.SourceItemID != "" {
		return i.SourceItemID
	}
	return i.ID
}

// CopyRequest asks for a private copy of ItemID owned by NewOwnerID.
type CopyRequest struct {
	ItemID     string
	NewOwnerID string
}

// Store is the catalog collaborator.
type Store interface {
	Create(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	// OwnedBy reports whether ownerID is the owner of itemID or holds a
	// copy of it.
	OwnedBy(ctx context.Context, ownerID, itemID string) (bool, error)
	// Grant gives ownerID a private copy of itemID for purchaseID. Granting
	// the same purchase twice returns the existing copy.
	Grant(ctx context.Context, ownerID, itemID, purchaseID string) (*Item, error)
	// CopyPair creates every requested copy for swapID or none of them.
	// Repeating a swap id returns the copies made the first time.
	CopyPair(ctx context.Context, swapID string, reqs []CopyRequest) ([]*Item, error)
}

// TxCopier copies items inside a caller-owned transaction, so the copies
// commit together with the caller's own writes.
type TxCopier interface {
	CopyPairTx(ctx context.Context, tx *sql.Tx, swapID string, reqs []CopyRequest) ([]*Item, error)
}

// Validate checks the fields every stored item needs.
func (i *Item) Validate() error {
	if strings.TrimSpace(i.ID) == "" || strings.TrimSpace(i.OwnerID) == "" {
		return ErrInvalidItem
	}
	if i.PriceCredits < 0 {
		return ErrInvalidItem
	}
	return nil
}

func privateCopy(src *Item, id, owner string, now time.Time) *Item {
	return &Item{
		ID:           id,
		OwnerID:      owner,
		Title:        src.Title,
		Body:         src.Body,
		PriceCredits: 0,
		Private:      true,
		SourceItemID: src.Origin(),
		CreatedAt:    now,
	}
}
