// Package payments adapts the payment processor (Stripe) to the settlement
// core: it verifies and parses webhook deliveries into PaymentEvents and
// issues refunds.
package payments

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/promptsettle/internal/apierr"
)

var (
	ErrInvalidSignature = apierr.New(apierr.KindValidation, "invalid_signature", "webhook signature verification failed")
	ErrEventIgnored     = apierr.New(apierr.KindValidation, "event_ignored", "event type is not handled")
	ErrMalformedEvent   = apierr.New(apierr.KindValidation, "malformed_event", "event payload could not be parsed")
	ErrExternalService  = apierr.New(apierr.KindExternalService, "processor_unavailable", "payment processor request failed")
)

// EventKind is the closed set of processor events the core acts on.
type EventKind string

const (
	KindCheckoutCompleted EventKind = "checkout_completed"
	KindPaymentSucceeded  EventKind = "payment_succeeded"
	KindPaymentFailed     EventKind = "payment_failed"
	KindChargeRefunded    EventKind = "charge_refunded"
	KindDisputeCreated    EventKind = "dispute_created"
)

// Metadata keys the checkout flow attaches to sessions and payment intents.
const (
	MetaPurchaseID = "purchase_id"
	MetaBuyerID    = "buyer_id"
	MetaSellerID   = "seller_id"
	MetaItemID     = "item_id"
	// MetaPrice is a major-unit decimal string written by older checkout
	// flows that predate minor-unit amounts.
	MetaPrice = "price"
)

// PaymentEvent is a processor event reduced to what settlement needs.
// Amounts are minor units.
type PaymentEvent struct {
	ID             string
	Type           string // processor event type, for the idempotency ledger
	Kind           EventKind
	PaymentRef     string
	SessionRef     string
	PurchaseID     string
	BuyerID        string
	SellerID       string
	ItemID         string
	AmountTotal    int64
	AmountRefunded int64
	Currency       string
	RefundRefs     []string
	Created        time.Time
}

// zeroDecimal lists currencies without a minor unit.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// MinorExponent returns how many decimal places currency's minor unit has.
func MinorExponent(currency string) int32 {
	if zeroDecimal[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

// ToMinor converts a major-unit decimal string (e.g. "12.50") to minor
// units. Amounts with more precision than the currency allows are rejected
// rather than rounded.
func ToMinor(major, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(major))
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, ErrMalformedEvent
	}
	minor := d.Shift(MinorExponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, ErrMalformedEvent
	}
	return minor.IntPart(), nil
}

// FromMinor formats a minor-unit amount as a major-unit decimal string.
func FromMinor(minor int64, currency string) string {
	exp := MinorExponent(currency)
	return decimal.New(minor, -exp).StringFixed(exp)
}
