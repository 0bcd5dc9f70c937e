package purchases

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/promptsettle/internal/pagination"
	"github.com/mbd888/promptsettle/internal/pgstore"
)

// PostgresStore persists purchases in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed purchase store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const purchaseColumns = `id, buyer_id, seller_id, item_id, amount_total, refunded_amount,
		       currency, status, external_payment_ref, external_session_ref,
		       last_event_id, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pu *Purchase) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		pu.ID, pu.BuyerID, pgstore.NullString(pu.SellerID), pu.ItemID,
		pu.AmountTotal, pu.RefundedAmount, pgstore.NullString(pu.Currency), string(pu.Status),
		pgstore.NullString(pu.ExternalPaymentRef), pgstore.NullString(pu.ExternalSessionRef),
		pgstore.NullString(pu.LastEventID), pu.Version, pu.CreatedAt, pu.UpdatedAt,
	)
	if pgstore.IsUniqueViolation(err) {
		return ErrDuplicatePurchase
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Purchase, error) {
	return p.one(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id)
}

func (p *PostgresStore) FindByPaymentRef(ctx context.Context, ref string) (*Purchase, error) {
	return p.one(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE external_payment_ref = $1`, ref)
}

func (p *PostgresStore) FindBySessionRef(ctx context.Context, ref string) (*Purchase, error) {
	return p.one(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE external_session_ref = $1`, ref)
}

func (p *PostgresStore) FindByBuyerItem(ctx context.Context, buyerID, itemID string) (*Purchase, error) {
	return p.one(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE buyer_id = $1 AND item_id = $2
		ORDER BY (status = 'failed'), created_at DESC
		LIMIT 1`, buyerID, itemID)
}

func (p *PostgresStore) UpdateIfVersion(ctx context.Context, pu *Purchase, expected int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE purchases SET
			seller_id = $1, amount_total = $2, refunded_amount = $3, currency = $4,
			status = $5, external_payment_ref = $6, external_session_ref = $7,
			last_event_id = $8, updated_at = $9, version = version + 1
		WHERE id = $10 AND version = $11`,
		pgstore.NullString(pu.SellerID), pu.AmountTotal, pu.RefundedAmount, pgstore.NullString(pu.Currency),
		string(pu.Status), pgstore.NullString(pu.ExternalPaymentRef), pgstore.NullString(pu.ExternalSessionRef),
		pgstore.NullString(pu.LastEventID), pu.UpdatedAt, pu.ID, expected,
	)
	if pgstore.IsUniqueViolation(err) {
		return ErrDuplicatePurchase
	}
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, pu.ID); err != nil {
			return err
		}
		return ErrConcurrentModification
	}
	pu.Version = expected + 1
	return nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, after *pagination.Cursor, limit int) ([]*Purchase, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+purchaseColumns+` FROM purchases
			WHERE buyer_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, buyerID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+purchaseColumns+` FROM purchases
			WHERE buyer_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, buyerID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Purchase
	for rows.Next() {
		pu, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pu)
	}
	return out, rows.Err()
}

func (p *PostgresStore) one(ctx context.Context, query string, args ...any) (*Purchase, error) {
	pu, err := scanPurchase(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPurchaseNotFound
	}
	return pu, err
}

func scanPurchase(s pgstore.Scanner) (*Purchase, error) {
	pu := &Purchase{}
	var seller, currency, paymentRef, sessionRef, lastEvent sql.NullString
	var status string
	err := s.Scan(
		&pu.ID, &pu.BuyerID, &seller, &pu.ItemID, &pu.AmountTotal, &pu.RefundedAmount,
		&currency, &status, &paymentRef, &sessionRef,
		&lastEvent, &pu.Version, &pu.CreatedAt, &pu.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pu.Status = Status(status)
	pu.SellerID = seller.String
	pu.Currency = currency.String
	pu.ExternalPaymentRef = paymentRef.String
	pu.ExternalSessionRef = sessionRef.String
	pu.LastEventID = lastEvent.String
	return pu, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
