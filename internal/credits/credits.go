// Package credits keeps per-owner credit balances.
//
// Balances change only through compare-and-swap: read the current value,
// compute the next one, and write conditioned on the stored value still
// being the one that was read. Every applied movement is appended to an
// entry log in the same write.
package credits

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/promptsettle/internal/apierr"
	"github.com/mbd888/promptsettle/internal/idgen"
	"github.com/mbd888/promptsettle/internal/metrics"
	"github.com/mbd888/promptsettle/internal/retry"
)

var (
	ErrInvalidAmount          = apierr.New(apierr.KindValidation, "invalid_amount", "amount must be positive")
	ErrInvalidOwner           = apierr.New(apierr.KindValidation, "invalid_owner", "owner id is required")
	ErrInsufficientFunds      = apierr.New(apierr.KindValidation, "insufficient_funds", "insufficient credits")
	ErrConcurrentModification = apierr.New(apierr.KindConcurrentModification, "concurrent_modification", "balance changed concurrently")
	ErrDuplicateEntry         = apierr.New(apierr.KindConflict, "duplicate_entry", "movement already applied")
	ErrCompensationFailed     = apierr.New(apierr.KindInternal, "compensation_failed", "compensating credit failed")
)

// EntryKind labels a balance movement.
type EntryKind string

const (
	KindGrant        EntryKind = "grant"
	KindPurchase     EntryKind = "purchase"
	KindSale         EntryKind = "sale"
	KindCompensation EntryKind = "compensation"
	KindClawback     EntryKind = "clawback"
)

// Memo describes why a movement happened. For sale, grant and clawback
// entries a non-empty Reference makes the (owner, kind, reference) triple
// unique, so replays apply at most once.
type Memo struct {
	Kind      EntryKind
	Reference string
}

// Unique reports whether kind entries are deduplicated by reference.
func (k EntryKind) Unique() bool {
	return k == KindSale || k == KindGrant || k == KindClawback
}

// Entry is one applied movement.
type Entry struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	Kind         EntryKind `json:"kind"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balanceAfter"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Balance is an owner's current credits.
type Balance struct {
	OwnerID   string    `json:"ownerId"`
	Credits   int64     `json:"credits"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Store persists balances and their entry log.
type Store interface {
	// Get returns the owner's balance; unknown owners read as zero.
	Get(ctx context.Context, ownerID string) (int64, error)
	// CompareAndSwap sets the balance to next only if it still equals
	// previous, appending entry in the same write. A lost race returns
	// (false, nil); a reused entry reference returns ErrDuplicateEntry.
	CompareAndSwap(ctx context.Context, ownerID string, previous, next int64, entry *Entry) (bool, error)
	Entries(ctx context.Context, ownerID string, limit int) ([]*Entry, error)
	HasEntry(ctx context.Context, ownerID string, kind EntryKind, reference string) (bool, error)
	// SumDeltas totals the deltas of ownerID's kind entries whose reference
	// starts with prefix.
	SumDeltas(ctx context.Context, ownerID string, kind EntryKind, prefix string) (int64, error)
}

// Result is the outcome of one applied CAS.
type Result struct {
	Previous int64 `json:"previous"`
	Next     int64 `json:"next"`
}

// TransferResult holds both sides of a transfer.
type TransferResult struct {
	From Result `json:"from"`
	To   Result `json:"to"`
}

// Ledger applies credit movements.
type Ledger struct {
	store       Store
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
}

// NewLedger creates a credit ledger.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now, maxAttempts: 5}
}

// WithMaxAttempts bounds the retry wrappers and compensation re-reads.
func (l *Ledger) WithMaxAttempts(n int) *Ledger {
	if n > 0 {
		l.maxAttempts = n
	}
	return l
}

// Balance returns ownerID's balance.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (*Balance, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrInvalidOwner
	}
	credits, err := l.store.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &Balance{OwnerID: ownerID, Credits: credits}, nil
}

// Entries returns ownerID's most recent movements.
func (l *Ledger) Entries(ctx context.Context, ownerID string, limit int) ([]*Entry, error) {
	return l.store.Entries(ctx, ownerID, limit)
}

// Applied reports whether a movement of kind with reference was recorded
// for ownerID.
func (l *Ledger) Applied(ctx context.Context, ownerID string, kind EntryKind, reference string) (bool, error) {
	return l.store.HasEntry(ctx, ownerID, kind, reference)
}

// Total sums ownerID's kind movements whose reference starts with prefix.
func (l *Ledger) Total(ctx context.Context, ownerID string, kind EntryKind, prefix string) (int64, error) {
	return l.store.SumDeltas(ctx, ownerID, kind, prefix)
}

// Credit makes exactly one CAS attempt adding amount (which may be
// negative) to ownerID's balance. A lost race returns
// ErrConcurrentModification; the caller re-reads by calling again.
func (l *Ledger) Credit(ctx context.Context, ownerID string, amount int64, memo Memo) (Result, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Result{}, ErrInvalidOwner
	}
	if amount == 0 {
		return Result{}, ErrInvalidAmount
	}

	previous, err := l.store.Get(ctx, ownerID)
	if err != nil {
		return Result{}, fmt.Errorf("read balance: %w", err)
	}
	next := previous + amount
	if next < 0 {
		return Result{Previous: previous, Next: previous}, ErrInsufficientFunds
	}

	entry := &Entry{
		ID:           idgen.WithPrefix(idgen.EntryPrefix),
		OwnerID:      ownerID,
		Kind:         memo.Kind,
		Delta:        amount,
		BalanceAfter: next,
		Reference:    memo.Reference,
		CreatedAt:    l.now().UTC(),
	}
	ok, err := l.store.CompareAndSwap(ctx, ownerID, previous, next, entry)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		metrics.CASAttemptsTotal.WithLabelValues("miss").Inc()
		return Result{}, ErrConcurrentModification
	}
	metrics.CASAttemptsTotal.WithLabelValues("hit").Inc()
	return Result{Previous: previous, Next: next}, nil
}

// CreditWithRetry repeats Credit while it loses CAS races.
func (l *Ledger) CreditWithRetry(ctx context.Context, ownerID string, amount int64, memo Memo) (Result, error) {
	var res Result
	err := retry.OnError(ctx, l.maxAttempts, 5*time.Millisecond, ErrConcurrentModification, func() error {
		var err error
		res, err = l.Credit(ctx, ownerID, amount, memo)
		return err
	})
	return res, err
}

// Grant tops up ownerID's balance.
func (l *Ledger) Grant(ctx context.Context, ownerID string, amount int64, reference string) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	res, err := l.CreditWithRetry(ctx, ownerID, amount, Memo{Kind: KindGrant, Reference: reference})
	if err != nil {
		return Result{}, err
	}
	l.logger.Info("credits granted", "owner_id", ownerID, "amount", amount, "balance", res.Next)
	return res, nil
}

// Transfer debits from and credits to, one CAS each. When the credit side
// fails after the debit landed, the debit is compensated before the error
// is returned. A replay with an already-applied reference ends with the
// credit side reporting ErrDuplicateEntry and the debit compensated.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount int64, reference string) (TransferResult, error) {
	if amount <= 0 {
		return TransferResult{}, ErrInvalidAmount
	}

	debit, err := l.Credit(ctx, from, -amount, Memo{Kind: KindPurchase, Reference: reference})
	if err != nil {
		return TransferResult{}, err
	}

	credit, err := l.Credit(ctx, to, amount, Memo{Kind: KindSale, Reference: reference})
	if err != nil {
		if cerr := l.compensate(ctx, from, amount, reference); cerr != nil {
			metrics.CompensationsTotal.WithLabelValues("failed").Inc()
			l.logger.Error("credit compensation failed",
				"owner_id", from,
				"amount", amount,
				"reference", reference,
				"error", cerr,
				"cause", err,
			)
			return TransferResult{}, fmt.Errorf("%w: %w (cause: %w)", ErrCompensationFailed, cerr, err)
		}
		metrics.CompensationsTotal.WithLabelValues("restored").Inc()
		l.logger.Warn("transfer compensated",
			"from", from,
			"to", to,
			"amount", amount,
			"reference", reference,
			"error", err,
		)
		return TransferResult{}, err
	}
	return TransferResult{From: debit, To: credit}, nil
}

// TransferWithRetry repeats Transfer while either side loses a CAS race.
// Every failed attempt has already been compensated.
func (l *Ledger) TransferWithRetry(ctx context.Context, from, to string, amount int64, reference string) (TransferResult, error) {
	var res TransferResult
	err := retry.OnError(ctx, l.maxAttempts, 5*time.Millisecond, ErrConcurrentModification, func() error {
		var err error
		res, err = l.Transfer(ctx, from, to, amount, reference)
		return err
	})
	return res, err
}

// compensate adds amount back to ownerID. On a CAS miss it re-reads and
// tries again, up to maxAttempts.
func (l *Ledger) compensate(ctx context.Context, ownerID string, amount int64, reference string) error {
	return retry.OnError(ctx, l.maxAttempts, time.Millisecond, ErrConcurrentModification, func() error {
		_, err := l.Credit(ctx, ownerID, amount, Memo{Kind: KindCompensation, Reference: reference})
		return err
	})
}
