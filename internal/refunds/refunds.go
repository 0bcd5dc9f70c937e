// Package refunds reconciles processor refund and dispute events onto
// purchases, and initiates refunds on behalf of operators.
//
// Initiation never decides the final status. It calls the processor first
// and records a RefundAction; the refund event that follows is what moves
// the purchase, through the same monotonic state machine as every other
// event.
package refunds

import (
	"context"
	"time"

	"github.com/mbd888/promptsettle/internal/apierr"
)

var (
	ErrRefundNotFound     = apierr.New(apierr.KindNotFound, "refund_not_found", "refund action not found")
	ErrDuplicateRefund    = apierr.New(apierr.KindConflict, "duplicate_refund", "refund already recorded")
	ErrInvalidRefund      = apierr.New(apierr.KindValidation, "invalid_refund_amount", "refund amount must be positive and within the refundable remainder")
	ErrNothingToRefund    = apierr.New(apierr.KindValidation, "nothing_to_refund", "purchase has no refundable remainder")
	ErrNotRefundable      = apierr.New(apierr.KindValidation, "not_refundable", "purchase is not in a refundable status")
	ErrPurchaseUnresolved = apierr.New(apierr.KindNotFound, "purchase_unresolved", "event does not identify a purchase and carries too little metadata to create one")
)

// ActionStatus tracks a refund attempt.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
)

// Action is one refund attempt. Actions are append-only; only Status moves.
type Action struct {
	ID                string       `json:"id"`
	PurchaseID        string       `json:"purchaseId"`
	ExternalRefundRef string       `json:"externalRefundRef"`
	AmountMinor       int64        `json:"amountMinor"`
	Reason            string       `json:"reason,omitempty"`
	Status            ActionStatus `json:"status"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Store persists refund actions.
type Store interface {
	// Create returns ErrDuplicateRefund when the external ref is taken.
	Create(ctx context.Context, a *Action) error
	FindByExternalRef(ctx context.Context, ref string) (*Action, error)
	// UpdateStatus moves the action for ref to status.
	UpdateStatus(ctx context.Context, ref string, status ActionStatus, at time.Time) error
	ListByPurchase(ctx context.Context, purchaseID string) ([]*Action, error)
}
