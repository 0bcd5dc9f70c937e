package refunds

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/promptsettle/internal/pgstore"
)

// PostgresStore persists refund actions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed refund store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const actionColumns = `id, purchase_id, external_refund_ref, amount_minor, reason, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Action) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refund_actions (`+actionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.PurchaseID, a.ExternalRefundRef, a.AmountMinor,
		pgstore.NullString(a.Reason), string(a.Status), a.CreatedAt, a.UpdatedAt,
	)
	if pgstore.IsUniqueViolation(err) {
		return ErrDuplicateRefund
	}
	return err
}

func (p *PostgresStore) FindByExternalRef(ctx context.Context, ref string) (*Action, error) {
	a, err := scanAction(p.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM refund_actions WHERE external_refund_ref = $1`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	return a, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, ref string, status ActionStatus, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE refund_actions SET status = $1, updated_at = $2
		WHERE external_refund_ref = $3`, string(status), at, ref)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRefundNotFound
	}
	return nil
}

func (p *PostgresStore) ListByPurchase(ctx context.Context, purchaseID string) ([]*Action, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM refund_actions
		WHERE purchase_id = $1
		ORDER BY created_at ASC`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAction(s pgstore.Scanner) (*Action, error) {
	a := &Action{}
	var reason sql.NullString
	var status string
	err := s.Scan(&a.ID, &a.PurchaseID, &a.ExternalRefundRef, &a.AmountMinor, &reason, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Reason = reason.String
	a.Status = ActionStatus(status)
	return a, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
