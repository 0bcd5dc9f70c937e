package items

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/promptsettle/internal/idgen"
	"github.com/mbd888/promptsettle/internal/pgstore"
)

// PostgresStore persists items in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed item store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const itemColumns = `id, owner_id, title, body, price_credits, private,
		       source_item_id, source_swap_id, source_purchase_id, created_at`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) Create(ctx context.Context, item *Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	return insertItem(ctx, p.db, item)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Item, error) {
	return getItem(ctx, p.db, id, false)
}

func (p *PostgresStore) OwnedBy(ctx context.Context, ownerID, itemID string) (bool, error) {
	var owned bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM items
			WHERE owner_id = $1 AND (id = $2 OR source_item_id = $2)
		)`, ownerID, itemID,
	).Scan(&owned)
	return owned, err
}

func (p *PostgresStore) Grant(ctx context.Context, ownerID, itemID, purchaseID string) (*Item, error) {
	var out *Item
	err := pgstore.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		if purchaseID != "" {
			prior, err := scanItem(tx.QueryRowContext(ctx,
				`SELECT `+itemColumns+` FROM items WHERE source_purchase_id = $1`, purchaseID))
			if err == nil {
				out = prior
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}
		src, err := getItem(ctx, tx, itemID, false)
		if err != nil {
			return err
		}
		c := privateCopy(src, idgen.WithPrefix(idgen.ItemPrefix), ownerID, time.Now().UTC())
		c.SourcePurchaseID = purchaseID
		if err := insertItem(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if pgstore.IsUniqueViolation(err) {
		// A concurrent grant for the same purchase won.
		return scanItem(p.db.QueryRowContext(ctx,
			`SELECT `+itemColumns+` FROM items WHERE source_purchase_id = $1`, purchaseID))
	}
	return out, err
}

func (p *PostgresStore) CopyPair(ctx context.Context, swapID string, reqs []CopyRequest) ([]*Item, error) {
	var out []*Item
	err := pgstore.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		var err error
		out, err = p.CopyPairTx(ctx, tx, swapID, reqs)
		return err
	})
	return out, err
}

// CopyPairTx locks the source rows, then inserts one copy per request.
// Nothing is committed here; the caller's transaction decides.
func (p *PostgresStore) CopyPairTx(ctx context.Context, tx *sql.Tx, swapID string, reqs []CopyRequest) ([]*Item, error) {
	prior, err := listItems(ctx, tx, `SELECT `+itemColumns+` FROM items WHERE source_swap_id = $1 ORDER BY created_at, id`, swapID)
	if err != nil {
		return nil, err
	}
	if len(prior) > 0 {
		return prior, nil
	}

	sources := make([]*Item, len(reqs))
	for i, r := range reqs {
		if r.NewOwnerID == "" {
			return nil, ErrInvalidItem
		}
		src, err := getItem(ctx, tx, r.ItemID, true)
		if err != nil {
			return nil, err
		}
		sources[i] = src
	}

	now := time.Now().UTC()
	out := make([]*Item, 0, len(reqs))
	for i, r := range reqs {
		c := privateCopy(sources[i], idgen.WithPrefix(idgen.ItemPrefix), r.NewOwnerID, now)
		c.SourceSwapID = swapID
		if err := insertItem(ctx, tx, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func insertItem(ctx context.Context, q queryer, it *Item) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		it.ID, it.OwnerID, it.Title, it.Body, it.PriceCredits, it.Private,
		pgstore.NullString(it.SourceItemID), pgstore.NullString(it.SourceSwapID),
		pgstore.NullString(it.SourcePurchaseID), it.CreatedAt,
	)
	return err
}

func getItem(ctx context.Context, q queryer, id string, lock bool) (*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE id = $1`
	if lock {
		query += ` FOR SHARE`
	}
	it, err := scanItem(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	return it, err
}

func listItems(ctx context.Context, q queryer, query string, args ...any) ([]*Item, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanItem(s pgstore.Scanner) (*Item, error) {
	it := &Item{}
	var body, sourceItem, sourceSwap, sourcePurchase sql.NullString
	err := s.Scan(
		&it.ID, &it.OwnerID, &it.Title, &body, &it.PriceCredits, &it.Private,
		&sourceItem, &sourceSwap, &sourcePurchase, &it.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.Body = body.String
	it.SourceItemID = sourceItem.String
	it.SourceSwapID = sourceSwap.String
	it.SourcePurchaseID = sourcePurchase.String
	return it, nil
}

// Compile-time assertions.
var (
	_ Store    = (*PostgresStore)(nil)
	_ TxCopier = (*PostgresStore)(nil)
)
