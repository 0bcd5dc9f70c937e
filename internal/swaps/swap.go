// Package swaps runs peer-to-peer barter requests.
//
// A swap moves through a closed set of states:
//
//	requested -> accepted -> fulfilled
//	requested -> declined | cancelled | expired
//
// Every (status, action) pair is decided by Next; anything it does not
// allow fails with an *IllegalTransitionError naming the violated guard.
// Fulfilling copies both items and advances the status in one atomic write.
package swaps

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/promptsettle/internal/apierr"
	"github.com/mbd888/promptsettle/internal/items"
	"github.com/mbd888/promptsettle/internal/pagination"
)

var (
	ErrSwapNotFound       = apierr.New(apierr.KindNotFound, "swap_not_found", "swap not found")
	ErrIllegalTransition  = apierr.New(apierr.KindIllegalTransition, "illegal_transition", "illegal swap transition")
	ErrInvalidSwap        = apierr.New(apierr.KindValidation, "invalid_swap", "invalid swap request")
	ErrInvalidAction      = apierr.New(apierr.KindValidation, "invalid_action", "unknown swap action")
	ErrNotOwner           = apierr.New(apierr.KindForbidden, "not_item_owner", "participant does not own the item")
	ErrDuplicateSwap      = apierr.New(apierr.KindConflict, "duplicate_swap", "an active swap for these items already exists")
	ErrFulfillmentAborted = apierr.New(apierr.KindInternal, "fulfillment_failed", "fulfillment copy failed")
)

// Status is the swap lifecycle state.
type Status string

const (
	StatusRequested Status = "requested"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
	StatusFulfilled Status = "fulfilled"
	StatusExpired   Status = "expired"
)

// AllStatuses lists every status.
var AllStatuses = []Status{
	StatusRequested, StatusAccepted, StatusDeclined, StatusCancelled, StatusFulfilled, StatusExpired,
}

// Terminal reports whether no action can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeclined, StatusCancelled, StatusFulfilled, StatusExpired:
		return true
	case StatusRequested, StatusAccepted:
		return false
	}
	return true
}

// Action is something a participant or the sweeper does to a swap.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionCancel  Action = "cancel"
	ActionFulfill Action = "fulfill"
	ActionExpire  Action = "expire"
)

// AllActions lists every action.
var AllActions = []Action{ActionAccept, ActionDecline, ActionCancel, ActionFulfill, ActionExpire}

// ParseAction converts s to an Action. expire is not user-facing.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionAccept, ActionDecline, ActionCancel, ActionFulfill:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// Swap is a barter request between two users.
type Swap struct {
	ID              string    `json:"id"`
	RequesterID     string    `json:"requesterId"`
	ResponderID     string    `json:"responderId"`
	RequestedItemID string    `json:"requestedItemId"` // owned by the requester
	OfferedItemID   string    `json:"offeredItemId"`   // owned by the responder
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Participant reports whether userID is on either side of the swap.
func (s *Swap) Participant(userID string) bool {
	return userID != "" && (userID == s.RequesterID || userID == s.ResponderID)
}

// CopyRequests returns the fulfillment copies: the offered item for the
// requester and the requested item for the responder.
func (s *Swap) CopyRequests() []items.CopyRequest {
	return []items.CopyRequest{
		{ItemID: s.OfferedItemID, NewOwnerID: s.RequesterID},
		{ItemID: s.RequestedItemID, NewOwnerID: s.ResponderID},
	}
}

// Actor is whoever performs an action.
type Actor struct {
	UserID string
	System bool
}

// User returns a user actor.
func User(id string) Actor { return Actor{UserID: id} }

// System is the sweeper.
var System = Actor{System: true}

// IllegalTransitionError reports a guard violation.
type IllegalTransitionError struct {
	SwapID string
	Status Status
	Action Action
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot %s swap %s in status %s: %s", e.Action, e.SwapID, e.Status, e.Reason)
}

// Unwrap lets errors.Is(err, ErrIllegalTransition) and apierr classification
// see through the typed error.
func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

func illegal(s *Swap, a Action, reason string) error {
	return &IllegalTransitionError{SwapID: s.ID, Status: s.Status, Action: a, Reason: reason}
}

// Next is the guard table. It returns the status action leads to, or an
// *IllegalTransitionError.
func Next(s *Swap, actor Actor, action Action) (Status, error) {
	switch action {
	case ActionAccept:
		if actor.System || actor.UserID != s.ResponderID {
			return "", illegal(s, action, "only responder may accept")
		}
		if s.Status != StatusRequested {
			return "", illegal(s, action, "only a requested swap can be accepted")
		}
		return StatusAccepted, nil

	case ActionDecline:
		if actor.System || !s.Participant(actor.UserID) {
			return "", illegal(s, action, "only a participant may decline")
		}
		if s.Status != StatusRequested {
			return "", illegal(s, action, "only a requested swap can be declined")
		}
		return StatusDeclined, nil

	case ActionCancel:
		if actor.System || actor.UserID != s.RequesterID {
			return "", illegal(s, action, "only requester may cancel")
		}
		if s.Status != StatusRequested {
			return "", illegal(s, action, "only a requested swap can be cancelled")
		}
		return StatusCancelled, nil

	case ActionFulfill:
		if actor.System || !s.Participant(actor.UserID) {
			return "", illegal(s, action, "only a participant may fulfill")
		}
		if s.Status != StatusAccepted {
			return "", illegal(s, action, "only an accepted swap can be fulfilled")
		}
		return StatusFulfilled, nil

	case ActionExpire:
		if !actor.System {
			return "", illegal(s, action, "only the expiry sweeper may expire")
		}
		if s.Status != StatusRequested {
			return "", illegal(s, action, "only a requested swap can expire")
		}
		return StatusExpired, nil
	}
	return "", illegal(s, action, "unknown action")
}

// Store persists swaps.
type Store interface {
	Create(ctx context.Context, s *Swap) error
	Get(ctx context.Context, id string) (*Swap, error)
	// TransitionIfStatus moves id from -> to only if it is still in from.
	// It reports false when another writer changed the status first.
	TransitionIfStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error)
	// Fulfill moves id from accepted to fulfilled and creates reqs' copies
	// in one atomic write. It reports false, with no copies, when the swap
	// is no longer accepted.
	Fulfill(ctx context.Context, id string, at time.Time, reqs []items.CopyRequest) ([]*items.Item, bool, error)
	// FindActive returns a requested or accepted swap over the same items.
	FindActive(ctx context.Context, requestedItemID, offeredItemID string) (*Swap, error)
	// ListByUser returns swaps userID takes part in, newest first, starting
	// after the cursor when one is given.
	ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Swap, error)
	// ListStale returns swaps in status created before the cutoff, oldest
	// first, starting strictly after the after key when it is non-nil.
	ListStale(ctx context.Context, status Status, before time.Time, after *pagination.Cursor, limit int) ([]*Swap, error)
}
