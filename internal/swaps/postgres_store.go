package swaps

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/promptsettle/internal/items"
	"github.com/mbd888/promptsettle/internal/pagination"
	"github.com/mbd888/promptsettle/internal/pgstore"
)

// PostgresStore persists swaps in PostgreSQL. Fulfillment shares one
// transaction with the item copies.
type PostgresStore struct {
	db     *sql.DB
	copier items.TxCopier
}

// NewPostgresStore creates a new PostgreSQL-backed swap store.
func NewPostgresStore(db *sql.DB, copier items.TxCopier) *PostgresStore {
	return &PostgresStore{db: db, copier: copier}
}

const swapColumns = `id, requester_id, responder_id, requested_item_id, offered_item_id,
		       status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Swap) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO swaps (`+swapColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.RequesterID, s.ResponderID, s.RequestedItemID, s.OfferedItemID,
		string(s.Status), s.CreatedAt, s.UpdatedAt,
	)
	if pgstore.IsUniqueViolation(err) {
		return ErrDuplicateSwap
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Swap, error) {
	s, err := scanSwap(p.db.QueryRowContext(ctx, `SELECT `+swapColumns+` FROM swaps WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSwapNotFound
	}
	return s, err
}

func (p *PostgresStore) TransitionIfStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE swaps SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), at, id, string(from))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) Fulfill(ctx context.Context, id string, at time.Time, reqs []items.CopyRequest) ([]*items.Item, bool, error) {
	var copies []*items.Item
	fulfilled := false
	err := pgstore.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE swaps SET status = $1, updated_at = $2
			WHERE id = $3 AND status = $4`,
			string(StatusFulfilled), at, id, string(StatusAccepted))
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return nil
		}
		copies, err = p.copier.CopyPairTx(ctx, tx, id, reqs)
		if err != nil {
			return err
		}
		fulfilled = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return copies, fulfilled, nil
}

func (p *PostgresStore) FindActive(ctx context.Context, requestedItemID, offeredItemID string) (*Swap, error) {
	s, err := scanSwap(p.db.QueryRowContext(ctx, `
		SELECT `+swapColumns+` FROM swaps
		WHERE requested_item_id = $1 AND offered_item_id = $2
		  AND status IN ('requested', 'accepted')
		LIMIT 1`, requestedItemID, offeredItemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSwapNotFound
	}
	return s, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Swap, error) {
	if limit <= 0 {
		limit = 100
	}
	if after == nil {
		return p.list(ctx, `
			SELECT `+swapColumns+` FROM swaps
			WHERE requester_id = $1 OR responder_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	}
	return p.list(ctx, `
		SELECT `+swapColumns+` FROM swaps
		WHERE (requester_id = $1 OR responder_id = $1)
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, userID, after.CreatedAt, after.ID, limit)
}

func (p *PostgresStore) ListStale(ctx context.Context, status Status, before time.Time, after *pagination.Cursor, limit int) ([]*Swap, error) {
	if limit <= 0 {
		limit = 500
	}
	if after == nil {
		return p.list(ctx, `
			SELECT `+swapColumns+` FROM swaps
			WHERE status = $1 AND created_at < $2
			ORDER BY created_at ASC, id ASC
			LIMIT $3`, string(status), before, limit)
	}
	return p.list(ctx, `
		SELECT `+swapColumns+` FROM swaps
		WHERE status = $1 AND created_at < $2
		  AND (created_at, id) > ($3, $4)
		ORDER BY created_at ASC, id ASC
		LIMIT $5`, string(status), before, after.CreatedAt, after.ID, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Swap, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Swap
	for rows.Next() {
		s, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSwap(sc pgstore.Scanner) (*Swap, error) {
	s := &Swap{}
	var status string
	err := sc.Scan(
		&s.ID, &s.RequesterID, &s.ResponderID, &s.RequestedItemID, &s.OfferedItemID,
		&status, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	return s, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
