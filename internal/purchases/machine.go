package purchases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/promptsettle/internal/idgen"
	"github.com/mbd888/promptsettle/internal/metrics"
	"github.com/mbd888/promptsettle/internal/retry"
	"github.com/mbd888/promptsettle/internal/traces"
)

// Transition is an incoming status observation plus whatever purchase data
// the event carried. Zero values mean "not supplied".
type Transition struct {
	Status         Status
	EventID        string
	PurchaseID     string
	BuyerID        string
	SellerID       string
	ItemID         string
	AmountTotal    int64
	RefundedAmount int64
	Currency       string
	PaymentRef     string
	SessionRef     string
}

// Refs returns the lookup references carried by t.
func (t Transition) Refs() Refs {
	return Refs{
		PurchaseID: t.PurchaseID,
		PaymentRef: t.PaymentRef,
		SessionRef: t.SessionRef,
		BuyerID:    t.BuyerID,
		ItemID:     t.ItemID,
	}
}

// Result describes what Apply did.
type Result struct {
	Purchase *Purchase
	Previous Status // empty when Created
	Created  bool
	Changed  bool
}

// BecamePaid reports whether this application moved the purchase into an
// entitling status for the first time.
func (r Result) BecamePaid() bool {
	if !r.Purchase.Status.Entitles() {
		return false
	}
	return r.Created || (r.Changed && !r.Previous.Entitles() && r.Previous != StatusRefunded)
}

// Machine applies status transitions with monotonic priority.
type Machine struct {
	store       Store
	resolver    *Resolver
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
}

// NewMachine creates a purchase state machine.
func NewMachine(store Store, logger *slog.Logger) *Machine {
	return &Machine{
		store:       store,
		resolver:    NewResolver(store),
		logger:      logger,
		now:         time.Now,
		maxAttempts: 5,
	}
}

// WithMaxAttempts bounds the optimistic retry loop in Settle.
func (m *Machine) WithMaxAttempts(n int) *Machine {
	if n > 0 {
		m.maxAttempts = n
	}
	return m
}

// WithClock overrides the clock. Used by tests.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Resolver exposes the machine's resolver.
func (m *Machine) Resolver() *Resolver {
	return m.resolver
}

// Settle resolves the purchase t refers to and applies t, retrying the whole
// read-apply cycle when another writer got there first.
func (m *Machine) Settle(ctx context.Context, t Transition) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "purchases.Settle", traces.EventID(t.EventID))
	var res Result
	err := retry.OnError(ctx, m.maxAttempts, 5*time.Millisecond, ErrConcurrentModification, func() error {
		existing, err := m.resolver.Resolve(ctx, t.Refs())
		if err != nil {
			return err
		}
		res, err = m.Apply(ctx, existing, t)
		return err
	})
	if err == nil && res.Purchase != nil {
		span.SetAttributes(traces.PurchaseID(res.Purchase.ID))
	}
	traces.End(span, err)
	return res, err
}

// Apply moves existing toward t.Status. With no existing purchase one is
// created in t.Status. The stored status becomes the higher-priority of the
// current and incoming status; populated financial fields are never
// overwritten, and disagreements are logged as anomalies.
func (m *Machine) Apply(ctx context.Context, existing *Purchase, t Transition) (Result, error) {
	if !t.Status.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidStatus, t.Status)
	}
	if existing == nil {
		return m.create(ctx, t)
	}

	next := *existing
	next.Status = Stronger(existing.Status, t.Status)

	m.fillString(&next, "seller_id", &next.SellerID, t.SellerID)
	m.fillString(&next, "currency", &next.Currency, t.Currency)
	m.fillString(&next, "external_payment_ref", &next.ExternalPaymentRef, t.PaymentRef)
	m.fillString(&next, "external_session_ref", &next.ExternalSessionRef, t.SessionRef)
	if t.AmountTotal > 0 {
		switch {
		case next.AmountTotal == 0:
			next.AmountTotal = t.AmountTotal
		case next.AmountTotal != t.AmountTotal:
			m.anomaly(&next, "amount_total", next.AmountTotal, t.AmountTotal)
		}
	}
	next.RefundedAmount = m.nextRefunded(&next, t.RefundedAmount)

	changed := next.Status != existing.Status ||
		next.SellerID != existing.SellerID ||
		next.Currency != existing.Currency ||
		next.ExternalPaymentRef != existing.ExternalPaymentRef ||
		next.ExternalSessionRef != existing.ExternalSessionRef ||
		next.AmountTotal != existing.AmountTotal ||
		next.RefundedAmount != existing.RefundedAmount
	if !changed {
		return Result{Purchase: existing, Previous: existing.Status}, nil
	}

	if t.EventID != "" {
		next.LastEventID = t.EventID
	}
	next.UpdatedAt = m.now().UTC()

	if err := m.store.UpdateIfVersion(ctx, &next, existing.Version); err != nil {
		if errors.Is(err, ErrDuplicatePurchase) {
			// A ref we tried to fill already belongs to another row.
			return Result{}, fmt.Errorf("purchase %s: %w", existing.ID, err)
		}
		return Result{}, err
	}

	if next.Status != existing.Status {
		metrics.PurchaseTransitionsTotal.WithLabelValues(string(existing.Status), string(next.Status)).Inc()
		m.logger.Info("purchase status advanced",
			"purchase_id", next.ID,
			"from", existing.Status,
			"to", next.Status,
			"event_id", t.EventID,
		)
	}
	return Result{Purchase: &next, Previous: existing.Status, Changed: true}, nil
}

func (m *Machine) create(ctx context.Context, t Transition) (Result, error) {
	if t.BuyerID == "" || t.ItemID == "" {
		return Result{}, ErrIncompleteTransition
	}

	now := m.now().UTC()
	p := &Purchase{
		ID:                 idgen.WithPrefix(idgen.PurchasePrefix),
		BuyerID:            t.BuyerID,
		SellerID:           t.SellerID,
		ItemID:             t.ItemID,
		AmountTotal:        max(t.AmountTotal, 0),
		Currency:           t.Currency,
		Status:             t.Status,
		ExternalPaymentRef: t.PaymentRef,
		ExternalSessionRef: t.SessionRef,
		LastEventID:        t.EventID,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if t.PurchaseID != "" {
		p.ID = t.PurchaseID
	}
	p.RefundedAmount = m.nextRefunded(p, t.RefundedAmount)

	if err := m.store.Create(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicatePurchase) {
			// Lost a create race; the caller re-resolves onto the winner.
			return Result{}, fmt.Errorf("%w: %w", ErrConcurrentModification, err)
		}
		return Result{}, err
	}

	metrics.PurchaseTransitionsTotal.WithLabelValues("none", string(p.Status)).Inc()
	m.logger.Info("purchase created",
		"purchase_id", p.ID,
		"buyer_id", p.BuyerID,
		"item_id", p.ItemID,
		"status", p.Status,
		"event_id", t.EventID,
	)
	return Result{Purchase: p, Created: true, Changed: true}, nil
}

// nextRefunded never decreases the refunded amount and keeps it within
// [0, AmountTotal].
func (m *Machine) nextRefunded(p *Purchase, incoming int64) int64 {
	next := max(p.RefundedAmount, incoming, 0)
	if p.AmountTotal > 0 && next > p.AmountTotal {
		m.anomaly(p, "refunded_amount", p.AmountTotal, next)
		next = p.AmountTotal
	}
	return next
}

func (m *Machine) fillString(p *Purchase, field string, dst *string, incoming string) {
	if incoming == "" {
		return
	}
	if *dst == "" {
		*dst = incoming
		return
	}
	if *dst != incoming {
		m.anomaly(p, field, *dst, incoming)
	}
}

func (m *Machine) anomaly(p *Purchase, field string, stored, incoming any) {
	metrics.PurchaseAnomaliesTotal.WithLabelValues(field).Inc()
	m.logger.Warn("purchase field mismatch",
		"purchase_id", p.ID,
		"field", field,
		"stored", stored,
		"incoming", incoming,
	)
}
