package payments

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Verifier checks webhook signatures and parses deliveries.
type Verifier struct {
	secret    string
	tolerance time.Duration
	logger    *slog.Logger
}

// NewVerifier creates a verifier for the endpoint signing secret.
func NewVerifier(secret string, logger *slog.Logger) *Verifier {
	return &Verifier{
		secret:    secret,
		tolerance: webhook.DefaultTolerance,
		logger:    logger,
	}
}

// WithTolerance overrides how old a signed timestamp may be.
func (v *Verifier) WithTolerance(d time.Duration) *Verifier {
	v.tolerance = d
	return v
}

// Verify authenticates payload against sigHeader and parses it. Nothing is
// parsed before the signature checks out. Event types the core does not
// act on return ErrEventIgnored together with the event id and type.
func (v *Verifier) Verify(payload []byte, sigHeader string) (PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		v.logger.Warn("webhook signature rejected", "error", err)
		return PaymentEvent{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return Parse(event)
}

// Parse reduces a Stripe event to a PaymentEvent.
func Parse(event stripe.Event) (PaymentEvent, error) {
	ev := PaymentEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return ev, ErrMalformedEvent
	}

	var err error
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		ev.Kind = KindCheckoutCompleted
		err = parseCheckoutSession(event.Data.Raw, &ev)
	case stripe.EventTypePaymentIntentSucceeded:
		ev.Kind = KindPaymentSucceeded
		err = parsePaymentIntent(event.Data.Raw, &ev)
	case stripe.EventTypePaymentIntentPaymentFailed:
		ev.Kind = KindPaymentFailed
		err = parsePaymentIntent(event.Data.Raw, &ev)
	case stripe.EventTypeChargeRefunded:
		ev.Kind = KindChargeRefunded
		err = parseCharge(event.Data.Raw, &ev)
	case stripe.EventTypeChargeDisputeCreated:
		ev.Kind = KindDisputeCreated
		err = parseDispute(event.Data.Raw, &ev)
	default:
		return ev, fmt.Errorf("%w: %s", ErrEventIgnored, event.Type)
	}
	if err != nil {
		return ev, fmt.Errorf("%w: %s: %w", ErrMalformedEvent, event.Type, err)
	}
	return ev, nil
}

func parseCheckoutSession(raw json.RawMessage, ev *PaymentEvent) error {
	var s stripe.CheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	ev.SessionRef = s.ID
	if s.PaymentIntent != nil {
		ev.PaymentRef = s.PaymentIntent.ID
	}
	ev.Currency = string(s.Currency)
	ev.AmountTotal = s.AmountTotal
	if s.ClientReferenceID != "" {
		ev.PurchaseID = s.ClientReferenceID
	}
	return applyMetadata(s.Metadata, ev)
}

func parsePaymentIntent(raw json.RawMessage, ev *PaymentEvent) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return err
	}
	ev.PaymentRef = pi.ID
	ev.Currency = string(pi.Currency)
	ev.AmountTotal = pi.Amount
	return applyMetadata(pi.Metadata, ev)
}

func parseCharge(raw json.RawMessage, ev *PaymentEvent) error {
	var ch stripe.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return err
	}
	if ch.PaymentIntent != nil {
		ev.PaymentRef = ch.PaymentIntent.ID
	}
	ev.Currency = string(ch.Currency)
	ev.AmountTotal = ch.Amount
	ev.AmountRefunded = ch.AmountRefunded
	if ch.Refunds != nil {
		for _, r := range ch.Refunds.Data {
			if r != nil && r.ID != "" {
				ev.RefundRefs = append(ev.RefundRefs, r.ID)
			}
		}
	}
	return applyMetadata(ch.Metadata, ev)
}

// parseDispute reads the dispute itself first. Webhooks deliver the charge
// unexpanded, so its fields are only a fallback for amount and identity.
func parseDispute(raw json.RawMessage, ev *PaymentEvent) error {
	var d stripe.Dispute
	if err := json.Unmarshal(raw, &d); err != nil {
		return err
	}
	if d.PaymentIntent != nil {
		ev.PaymentRef = d.PaymentIntent.ID
	}
	ev.Currency = string(d.Currency)
	ev.AmountTotal = d.Amount
	md := d.Metadata
	if d.Charge != nil {
		if ev.AmountTotal == 0 {
			ev.AmountTotal = d.Charge.Amount
		}
		if ev.PaymentRef == "" && d.Charge.PaymentIntent != nil {
			ev.PaymentRef = d.Charge.PaymentIntent.ID
		}
		if len(d.Charge.Metadata) > 0 {
			md = d.Charge.Metadata
		}
	}
	return applyMetadata(md, ev)
}

// applyMetadata copies purchase identity from metadata. When the object
// carried no amount, a legacy major-unit price is converted instead.
func applyMetadata(md map[string]string, ev *PaymentEvent) error {
	if md == nil {
		return nil
	}
	if v := md[MetaPurchaseID]; v != "" && ev.PurchaseID == "" {
		ev.PurchaseID = v
	}
	ev.BuyerID = md[MetaBuyerID]
	ev.SellerID = md[MetaSellerID]
	ev.ItemID = md[MetaItemID]

	if ev.AmountTotal == 0 && md[MetaPrice] != "" {
		minor, err := ToMinor(md[MetaPrice], ev.Currency)
		if err != nil {
			return fmt.Errorf("metadata price %q: %w", md[MetaPrice], err)
		}
		ev.AmountTotal = minor
	}
	return nil
}
