// Package events is the idempotency ledger for external payment events.
//
// Every event-driven mutation is gated here:
//  1. Record inserts the event id; first sight proceeds normally
//  2. A repeat whose processed_at is set is a true duplicate and short-circuits
//  3. A repeat without processed_at means an earlier attempt crashed mid-chain;
//     the caller must redo the whole side-effect chain
//  4. MarkProcessed is called only after every side effect has completed
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/promptsettle/internal/apierr"
)

var (
	ErrEventNotFound = apierr.New(apierr.KindNotFound, "event_not_found", "event not found")
	ErrInvalidEvent  = apierr.New(apierr.KindValidation, "invalid_event", "event id and type are required")
)

// ProcessedEvent is one row per external event id.
type ProcessedEvent struct {
	EventID     string     `json:"eventId"`
	Type        string     `json:"type"`
	ReceivedAt  time.Time  `json:"receivedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// Done reports whether the full side-effect chain completed for this event.
func (e *ProcessedEvent) Done() bool {
	return e.ProcessedAt != nil
}

// RecordResult tells the caller what to do with the event.
type RecordResult struct {
	// AlreadyProcessed is set for true duplicates: skip all side effects.
	AlreadyProcessed bool `json:"alreadyProcessed"`
	// Resumed is set when a prior attempt never finished: redo the chain.
	Resumed bool `json:"resumed"`
}

// Store persists processed events.
type Store interface {
	// Insert adds ev and reports false, without error, when the id exists.
	Insert(ctx context.Context, ev *ProcessedEvent) (bool, error)
	Get(ctx context.Context, eventID string) (*ProcessedEvent, error)
	// MarkProcessed sets processed_at if unset. Repeat calls are no-ops.
	MarkProcessed(ctx context.Context, eventID string, at time.Time) error
}

// Ledger gates event-driven mutation on event id uniqueness.
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger creates an idempotency ledger.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// WithClock overrides the clock. Used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Record registers first sight of eventID. See RecordResult for the outcomes.
func (l *Ledger) Record(ctx context.Context, eventID, eventType string) (RecordResult, error) {
	eventID = strings.TrimSpace(eventID)
	eventType = strings.TrimSpace(eventType)
	if eventID == "" || eventType == "" {
		return RecordResult{}, ErrInvalidEvent
	}

	inserted, err := l.store.Insert(ctx, &ProcessedEvent{
		EventID:    eventID,
		Type:       eventType,
		ReceivedAt: l.now().UTC(),
	})
	if err != nil {
		return RecordResult{}, fmt.Errorf("record event %s: %w", eventID, err)
	}
	if inserted {
		return RecordResult{}, nil
	}

	existing, err := l.store.Get(ctx, eventID)
	if err != nil {
		return RecordResult{}, fmt.Errorf("load event %s: %w", eventID, err)
	}
	if existing.Done() {
		return RecordResult{AlreadyProcessed: true}, nil
	}
	return RecordResult{Resumed: true}, nil
}

// MarkProcessed records that the side-effect chain for eventID completed.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID string) error {
	if err := l.store.MarkProcessed(ctx, eventID, l.now().UTC()); err != nil {
		return fmt.Errorf("mark event %s processed: %w", eventID, err)
	}
	return nil
}

// Get returns the ledger row for eventID.
func (l *Ledger) Get(ctx context.Context, eventID string) (*ProcessedEvent, error) {
	return l.store.Get(ctx, eventID)
}
