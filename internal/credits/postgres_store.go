package credits

import (
	"context"
	"database/sql"

	"github.com/mbd888/promptsettle/internal/pgstore"
)

// PostgresStore persists balances in credit_balances and movements in
// credit_entries.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed credit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, ownerID string) (int64, error) {
	var credits int64
	err := p.db.QueryRowContext(ctx,
		`SELECT credits FROM credit_balances WHERE owner_id = $1`, ownerID,
	).Scan(&credits)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return credits, err
}

// CompareAndSwap conditions the write on the balance read by the caller.
// A missing row counts as zero, so the first credit for an owner inserts.
func (p *PostgresStore) CompareAndSwap(ctx context.Context, ownerID string, previous, next int64, entry *Entry) (bool, error) {
	swapped := false
	err := pgstore.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		var result sql.Result
		var err error
		if previous == 0 {
			result, err = tx.ExecContext(ctx, `
				INSERT INTO credit_balances (owner_id, credits, updated_at)
				VALUES ($1, $2, NOW())
				ON CONFLICT (owner_id) DO UPDATE
				SET credits = EXCLUDED.credits, updated_at = EXCLUDED.updated_at
				WHERE credit_balances.credits = 0`,
				ownerID, next)
		} else {
			result, err = tx.ExecContext(ctx, `
				UPDATE credit_balances SET credits = $1, updated_at = NOW()
				WHERE owner_id = $2 AND credits = $3`,
				next, ownerID, previous)
		}
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

		if entry != nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO credit_entries (id, owner_id, kind, delta, balance_after, reference, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				entry.ID, entry.OwnerID, string(entry.Kind), entry.Delta, entry.BalanceAfter,
				pgstore.NullString(entry.Reference), entry.CreatedAt,
			)
			if pgstore.IsUniqueViolation(err) {
				return ErrDuplicateEntry
			}
			if err != nil {
				return err
			}
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (p *PostgresStore) Entries(ctx context.Context, ownerID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, kind, delta, balance_after, reference, created_at
		FROM credit_entries
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var kind string
		var ref sql.NullString
		if err := rows.Scan(&e.ID, &e.OwnerID, &kind, &e.Delta, &e.BalanceAfter, &ref, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = EntryKind(kind)
		e.Reference = ref.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) HasEntry(ctx context.Context, ownerID string, kind EntryKind, reference string) (bool, error) {
	var found bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM credit_entries
			WHERE owner_id = $1 AND kind = $2 AND reference = $3
		)`, ownerID, string(kind), reference,
	).Scan(&found)
	return found, err
}

func (p *PostgresStore) SumDeltas(ctx context.Context, ownerID string, kind EntryKind, prefix string) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM credit_entries
		WHERE owner_id = $1 AND kind = $2 AND starts_with(reference, $3)`,
		ownerID, string(kind), prefix,
	).Scan(&sum)
	return sum, err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
