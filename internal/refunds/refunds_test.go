package refunds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/promptsettle/internal/apierr"
	"github.com/mbd888/promptsettle/internal/credits"
	"github.com/mbd888/promptsettle/internal/logging"
	"github.com/mbd888/promptsettle/internal/notify"
	"github.com/mbd888/promptsettle/internal/purchases"
)

type fixture struct {
	purchases *purchases.MemoryStore
	machine   *purchases.Machine
	ledger    *credits.Ledger
	actions   *MemoryStore
	outbox    *notify.MemoryOutbox
	rec       *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := purchases.NewMemoryStore()
	machine := purchases.NewMachine(store, logging.Discard())
	ledger := credits.NewLedger(credits.NewMemoryStore(), logging.Discard())
	actions := NewMemoryStore()
	outbox := notify.NewMemoryOutbox()
	return &fixture{
		purchases: store,
		machine:   machine,
		ledger:    ledger,
		actions:   actions,
		outbox:    outbox,
		rec:       NewReconciler(machine, actions, ledger, outbox, logging.Discard()),
	}
}

// paid seeds a paid 1000-unit purchase whose seller was credited the sale.
func (f *fixture) paid(t *testing.T) *purchases.Purchase {
	t.Helper()
	ctx := context.Background()
	res, err := f.machine.Settle(ctx, purchases.Transition{
		Status:      purchases.StatusPaid,
		PurchaseID:  "pur_1",
		BuyerID:     "buyer",
		SellerID:    "seller",
		ItemID:      "itm_1",
		AmountTotal: 1000,
		Currency:    "usd",
		PaymentRef:  "pi_1",
	})
	require.NoError(t, err)
	_, err = f.ledger.CreditWithRetry(ctx, "seller", 1000, credits.Memo{Kind: credits.KindSale, Reference: "pur_1"})
	require.NoError(t, err)
	return res.Purchase
}

func (f *fixture) sellerBalance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), "seller")
	require.NoError(t, err)
	return b.Credits
}

func TestReconcileRefund_DuplicateLeavesAmount(t *testing.T) {
	f := newFixture(t)
	f.paid(t)
	ctx := context.Background()

	p, err := f.rec.ReconcileRefund(ctx, ChargeRefunded{EventID: "evt_r1", PaymentRef: "pi_1", AmountRefunded: 400})
	require.NoError(t, err)
	assert.Equal(t, int64(400), p.RefundedAmount)
	assert.Equal(t, purchases.StatusPartiallyRefunded, p.Status)

	p, err = f.rec.ReconcileRefund(ctx, ChargeRefunded{EventID: "evt_r2", PaymentRef: "pi_1", AmountRefunded: 400})
	require.NoError(t, err)
	assert.Equal(t, int64(400), p.RefundedAmount, "cumulative amounts are not summed")
	assert.Equal(t, purchases.StatusPartiallyRefunded, p.Status)

	assert.Equal(t, int64(600), f.sellerBalance(t))
	assert.Len(t, f.outbox.For("buyer"), 1)
}

func TestReconcileRefund_FullRefund(t *testing.T) {
	f := newFixture(t)
	f.paid(t)
	ctx := context.Background()

	_, err := f.rec.ReconcileRefund(ctx, ChargeRefunded{PaymentRef: "pi_1", AmountRefunded: 400})
	require.NoError(t, err)
	p, err := f.rec.ReconcileRefund(ctx, ChargeRefunded{PaymentRef: "pi_1", AmountRefunded: 1000})
	require.NoError(t, err)
	assert.Equal(t, purchases.StatusRefunded, p.Status)
	assert.Equal(t, int64(1000), p.RefundedAmount)
	assert.False(t, p.Status.Entitles())

	assert.Equal(t, int64(0), f.sellerBalance(t))
	sent := f.outbox.For("buyer")
	require.Len(t, sent, 2)
	assert.Equal(t, notify.KindPartialRefund, sent[0].Kind)
	assert.Equal(t, notify.KindRefunded, sent[1].Kind)
}

func TestReconcileRefund_StaleEventNeverDecreases(t *testing.T) {
	f := newFixture(t)
	f.paid(t)
	ctx := context.Background()

	_, err := f.rec.ReconcileRefund(ctx, ChargeRefunded{PaymentRef: "pi_1", AmountRefunded: 700})
	require.NoError(t, err)
	p, err := f.rec.ReconcileRefund(ctx, ChargeRefunded{PaymentRef: "pi_1", AmountRefunded: 300})
	require.NoError(t, err)
	assert.Equal(t, int64(700), p.RefundedAmount)
	assert.Equal(t, int64(300), f.sellerBalance(t))
}

func TestReconcileRefund_OutOfOrderCreatesFromMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.rec.ReconcileRefund(ctx, ChargeRefunded{
		PaymentRef:     "pi_9",
		BuyerID:        "buyer",
		SellerID:       "seller",
		ItemID:         "itm_9",
		AmountTotal:    500,
		AmountRefunded: 500,
		Currency:       "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, purchases.StatusRefunded, p.Status)

	// The payment success that arrives afterwards cannot resurrect it.
	res, err := f.machine.Settle(ctx, purchases.Transition{Status: purchases.StatusPaid, PaymentRef: "pi_9"})
	require.NoError(t, err)
	assert.Equal(t, purchases.StatusRefunded, res.Purchase.Status)
	assert.False(t, res.BecamePaid())
}

func TestReconcileRefund_UnresolvableWithoutMetadata(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.ReconcileRefund(context.Background(), ChargeRefunded{PaymentRef: "pi_unknown", AmountRefunded: 100})
	require.ErrorIs(t, err, ErrPurchaseUnresolved)
	assert.Equal(t, apierr.KindNotFound, apierr.KindOf(err))
}

func TestReconcileRefund_MarksActionSucceeded(t *testing.T) {
	f := newFixture(t)
	f.paid(t)
	ctx := context.Background()
	require.NoError(t, f.actions.Create(ctx, &Action{
		ID: "rfd_1", PurchaseID: "pur_1", ExternalRefundRef: "re_1", AmountMinor: 400, Status: ActionPending,
	}))

	_, err := f.rec.ReconcileRefund(ctx, ChargeRefunded{PaymentRef: "pi_1", AmountRefunded: 400, RefundRefs: []string{"re_1", "re_dashboard"}})
	require.NoError(t, err)

	a, err := f.actions.FindByExternalRef(ctx, "re_1")
	require.NoError(t, err)
	assert.Equal(t, ActionSucceeded, a.Status)
}

func TestReconcileRefund_ConcurrentDeliveriesClawBackOnce(t *testing.T) {
	f := newFixture(t)
	f.paid(t)
	ctx := context.Background()
	rec := f.rec.WithMaxAttempts(20)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rec.ReconcileRefund(ctx, ChargeRefunded{PaymentRef: "pi_1", AmountRefunded: 400})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(600), f.sellerBalance(t))
}

func TestReconcileRefund_ConcurrentLevelsNeverOverClaw(t *testing.T) {
	f := newFixture(t)
	f.paid(t)
	ctx := context.Background()
	rec := f.rec.WithMaxAttempts(50)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(level int64) {
			defer wg.Done()
			_, err := rec.ReconcileRefund(ctx, ChargeRefunded{PaymentRef: "pi_1", AmountRefunded: level})
			assert.NoError(t, err)
		}(int64(i+1) * 100)
	}
	wg.Wait()

	p, err := f.purchases.Get(ctx, "pur_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), p.RefundedAmount)
	assert.Equal(t, int64(0), f.sellerBalance(t))
}

func TestReconcileDispute(t *testing.T) {
	f := newFixture(t)
	f.paid(t)
	ctx := context.Background()

	p, err := f.rec.ReconcileDispute(ctx, DisputeOpened{EventID: "evt_d1", PaymentRef: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, purchases.StatusDisputed, p.Status)

	// A partial refund after the dispute keeps the stronger status.
	p, err = f.rec.ReconcileRefund(ctx, ChargeRefunded{PaymentRef: "pi_1", AmountRefunded: 200})
	require.NoError(t, err)
	assert.Equal(t, purchases.StatusDisputed, p.Status)
	assert.Equal(t, int64(200), p.RefundedAmount)

	// Repeating the dispute changes nothing and notifies no one.
	_, err = f.rec.ReconcileDispute(ctx, DisputeOpened{EventID: "evt_d2", PaymentRef: "pi_1"})
	require.NoError(t, err)
	kinds := map[notify.Kind]int{}
	for _, n := range f.outbox.For("buyer") {
		kinds[n.Kind]++
	}
	assert.Equal(t, 1, kinds[notify.KindDisputed])
}

type stubRefunder struct {
	mu      sync.Mutex
	calls   []RefundRequest
	err     error
	nextRef string
}

func (s *stubRefunder) Refund(ctx context.Context, req RefundRequest) (RefundReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return RefundReceipt{}, s.err
	}
	return RefundReceipt{RefundRef: s.nextRef, Status: "pending"}, nil
}

func TestInitiate_DefaultsToRemainder(t *testing.T) {
	f := newFixture(t)
	f.paid(t)
	refunder := &stubRefunder{nextRef: "re_1"}
	in := NewInitiator(f.purchases, f.actions, refunder, logging.Discard())
	in.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	a, err := in.Initiate(context.Background(), InitiateRequest{PurchaseID: "pur_1", Reason: "requested_by_customer"})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), a.AmountMinor)
	assert.Equal(t, ActionPending, a.Status)
	assert.Equal(t, "re_1", a.ExternalRefundRef)

	require.Len(t, refunder.calls, 1)
	assert.Equal(t, "pi_1", refunder.calls[0].PaymentRef)
	assert.NotEmpty(t, refunder.calls[0].IdempotencyKey)

	// Initiation never moves the purchase.
	p, err := f.purchases.Get(context.Background(), "pur_1")
	require.NoError(t, err)
	assert.Equal(t, purchases.StatusPaid, p.Status)
}

func TestInitiate_PendingActionsReduceRemainder(t *testing.T) {
	f := newFixture(t)
	f.paid(t)
	refunder := &stubRefunder{nextRef: "re_1"}
	in := NewInitiator(f.purchases, f.actions, refunder, logging.Discard())
	ctx := context.Background()

	_, err := in.Initiate(ctx, InitiateRequest{PurchaseID: "pur_1", Amount: 700})
	require.NoError(t, err)

	refunder.nextRef = "re_2"
	_, err = in.Initiate(ctx, InitiateRequest{PurchaseID: "pur_1", Amount: 400})
	require.ErrorIs(t, err, ErrInvalidRefund)
	assert.Len(t, refunder.calls, 1, "processor is not called for invalid amounts")

	a, err := in.Initiate(ctx, InitiateRequest{PurchaseID: "pur_1"})
	require.NoError(t, err)
	assert.Equal(t, int64(300), a.AmountMinor)

	_, err = in.Initiate(ctx, InitiateRequest{PurchaseID: "pur_1"})
	assert.ErrorIs(t, err, ErrNothingToRefund)
}

func TestInitiate_ProcessorFailureRecordsNothing(t *testing.T) {
	f := newFixture(t)
	f.paid(t)
	refunder := &stubRefunder{err: errors.New("card_declined")}
	in := NewInitiator(f.purchases, f.actions, refunder, logging.Discard())

	_, err := in.Initiate(context.Background(), InitiateRequest{PurchaseID: "pur_1", Amount: 100})
	require.ErrorIs(t, err, ErrProcessorRefund)
	assert.Equal(t, apierr.KindExternalService, apierr.KindOf(err))

	actions, err := f.actions.ListByPurchase(context.Background(), "pur_1")
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestInitiate_Validation(t *testing.T) {
	f := newFixture(t)
	f.paid(t)
	ctx := context.Background()
	in := NewInitiator(f.purchases, f.actions, &stubRefunder{nextRef: "re_x"}, logging.Discard())

	_, err := in.Initiate(ctx, InitiateRequest{PurchaseID: "pur_1", Amount: -1})
	assert.ErrorIs(t, err, ErrInvalidRefund)
	_, err = in.Initiate(ctx, InitiateRequest{PurchaseID: "pur_1", Amount: 1001})
	assert.ErrorIs(t, err, ErrInvalidRefund)
	_, err = in.Initiate(ctx, InitiateRequest{PurchaseID: "pur_missing"})
	assert.ErrorIs(t, err, purchases.ErrPurchaseNotFound)

	_, err = f.rec.ReconcileDispute(ctx, DisputeOpened{PaymentRef: "pi_1"})
	require.NoError(t, err)
	_, err = in.Initiate(ctx, InitiateRequest{PurchaseID: "pur_1"})
	assert.ErrorIs(t, err, ErrNotRefundable)
}

func TestInitiate_CreditPurchaseNotRefundable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.machine.Settle(ctx, purchases.Transition{
		Status: purchases.StatusPaid, PurchaseID: "pur_c", BuyerID: "buyer", ItemID: "itm_c", AmountTotal: 50,
	})
	require.NoError(t, err)

	in := NewInitiator(f.purchases, f.actions, &stubRefunder{nextRef: "re_c"}, logging.Discard())
	_, err = in.Initiate(ctx, InitiateRequest{PurchaseID: "pur_c"})
	assert.ErrorIs(t, err, ErrNotRefundable)
}
