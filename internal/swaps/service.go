package swaps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/promptsettle/internal/apierr"
	"github.com/mbd888/promptsettle/internal/idgen"
	"github.com/mbd888/promptsettle/internal/items"
	"github.com/mbd888/promptsettle/internal/metrics"
	"github.com/mbd888/promptsettle/internal/notify"
	"github.com/mbd888/promptsettle/internal/pagination"
	"github.com/mbd888/promptsettle/internal/traces"
)

// maxRaceRetries bounds how often a transition re-reads after losing a
// conditional write.
const maxRaceRetries = 3

// CreateRequest contains the parameters for requesting a swap.
type CreateRequest struct {
	RequesterID     string `json:"-"`
	ResponderID     string `json:"responderId" binding:"required"`
	RequestedItemID string `json:"requestedItemId" binding:"required"`
	OfferedItemID   string `json:"offeredItemId" binding:"required"`
}

// TransitionResult is a swap after an action, plus any fulfillment copies.
type TransitionResult struct {
	Swap   *Swap         `json:"swap"`
	Copies []*items.Item `json:"copies,omitempty"`
}

// Service implements swap business logic.
type Service struct {
	store    Store
	items    items.Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new swap service.
func NewService(store Store, catalog items.Store, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		items:    catalog,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the clock. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a swap in requested.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Swap, error) {
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	req.ResponderID = strings.TrimSpace(req.ResponderID)
	switch {
	case req.RequesterID == "" || req.ResponderID == "":
		return nil, fmt.Errorf("%w: both participants are required", ErrInvalidSwap)
	case req.RequesterID == req.ResponderID:
		return nil, fmt.Errorf("%w: cannot swap with yourself", ErrInvalidSwap)
	case req.RequestedItemID == "" || req.OfferedItemID == "":
		return nil, fmt.Errorf("%w: both items are required", ErrInvalidSwap)
	case req.RequestedItemID == req.OfferedItemID:
		return nil, fmt.Errorf("%w: items must differ", ErrInvalidSwap)
	}

	if err := s.requireOwner(ctx, req.RequesterID, req.RequestedItemID); err != nil {
		return nil, err
	}
	if err := s.requireOwner(ctx, req.ResponderID, req.OfferedItemID); err != nil {
		return nil, err
	}

	if existing, err := s.store.FindActive(ctx, req.RequestedItemID, req.OfferedItemID); err == nil && existing != nil {
		return existing, ErrDuplicateSwap
	} else if err != nil && !errors.Is(err, ErrSwapNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	sw := &Swap{
		ID:              idgen.WithPrefix(idgen.SwapPrefix),
		RequesterID:     req.RequesterID,
		ResponderID:     req.ResponderID,
		RequestedItemID: req.RequestedItemID,
		OfferedItemID:   req.OfferedItemID,
		Status:          StatusRequested,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, sw); err != nil {
		return nil, err
	}
	s.logger.Info("swap requested",
		"swap_id", sw.ID,
		"requester_id", sw.RequesterID,
		"responder_id", sw.ResponderID,
	)
	return sw, nil
}

func (s *Service) requireOwner(ctx context.Context, userID, itemID string) error {
	item, err := s.items.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if item.OwnerID != userID {
		return fmt.Errorf("%w: %s does not own %s", ErrNotOwner, userID, itemID)
	}
	return nil
}

// Get returns a swap visible to userID.
func (s *Service) Get(ctx context.Context, id, userID string) (*Swap, error) {
	sw, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sw.Participant(userID) {
		// Non-participants learn nothing about the swap.
		return nil, ErrSwapNotFound
	}
	return sw, nil
}

// List returns userID's swaps, newest first.
func (s *Service) List(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Swap, error) {
	return s.store.ListByUser(ctx, userID, after, limit)
}

// Transition applies a user action to swap id.
func (s *Service) Transition(ctx context.Context, id, actingUserID string, action Action) (*TransitionResult, error) {
	return s.apply(ctx, id, User(actingUserID), action)
}

// Expire applies the system expire action.
func (s *Service) Expire(ctx context.Context, id string) (*Swap, error) {
	res, err := s.apply(ctx, id, System, ActionExpire)
	if err != nil {
		return nil, err
	}
	return res.Swap, nil
}

func (s *Service) apply(ctx context.Context, id string, actor Actor, action Action) (_ *TransitionResult, err error) {
	ctx, span := traces.StartSpan(ctx, "swaps.Transition", traces.SwapID(id), traces.SwapAction(string(action)))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			if errors.Is(err, ErrIllegalTransition) {
				result = "illegal"
			}
		}
		metrics.SwapTransitionsTotal.WithLabelValues(string(action), result).Inc()
		traces.End(span, err)
	}()

	for attempt := 0; attempt < maxRaceRetries; attempt++ {
		sw, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		to, err := Next(sw, actor, action)
		if err != nil {
			return nil, err
		}

		now := s.now().UTC()
		var copies []*items.Item
		var ok bool
		if action == ActionFulfill {
			copies, ok, err = s.store.Fulfill(ctx, sw.ID, now, sw.CopyRequests())
			if err != nil {
				s.logger.Error("swap fulfillment failed", "swap_id", sw.ID, "error", err)
				if _, ok := apierr.Classify(err); ok {
					return nil, fmt.Errorf("fulfillment copy: %w", err)
				}
				return nil, fmt.Errorf("%w: %w", ErrFulfillmentAborted, err)
			}
		} else {
			ok, err = s.store.TransitionIfStatus(ctx, sw.ID, sw.Status, to, now)
			if err != nil {
				return nil, err
			}
		}
		if !ok {
			// Lost the race; re-run the guards against the fresh row.
			continue
		}

		from := sw.Status
		sw.Status = to
		sw.UpdatedAt = now
		s.logger.Info("swap transitioned",
			"swap_id", sw.ID,
			"action", action,
			"from", from,
			"to", to,
			"actor", actor.UserID,
		)
		s.notifyTransition(ctx, sw)
		return &TransitionResult{Swap: sw, Copies: copies}, nil
	}

	sw, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, illegal(sw, action, "swap changed concurrently")
}

func (s *Service) notifyTransition(ctx context.Context, sw *Swap) {
	var kind notify.Kind
	var recipients []string
	switch sw.Status {
	case StatusAccepted:
		kind, recipients = notify.KindSwapAccepted, []string{sw.RequesterID}
	case StatusFulfilled:
		kind, recipients = notify.KindSwapFulfilled, []string{sw.RequesterID, sw.ResponderID}
	case StatusExpired:
		kind, recipients = notify.KindSwapExpired, []string{sw.RequesterID, sw.ResponderID}
	default:
		return
	}
	for _, userID := range recipients {
		err := s.notifier.Notify(ctx, notify.Notification{
			UserID: userID,
			Kind:   kind,
			Data:   map[string]string{"swapId": sw.ID},
		})
		if err != nil {
			s.logger.Warn("swap notification failed", "swap_id", sw.ID, "user_id", userID, "error", err)
		}
	}
}
