package events

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists processed events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Insert relies on the event_id primary key; ON CONFLICT turns the
// uniqueness violation into zero affected rows.
func (p *PostgresStore) Insert(ctx context.Context, ev *ProcessedEvent) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, type, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.Type, ev.ReceivedAt,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) Get(ctx context.Context, eventID string) (*ProcessedEvent, error) {
	ev := &ProcessedEvent{}
	var processedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT event_id, type, received_at, processed_at
		FROM processed_events WHERE event_id = $1`, eventID,
	).Scan(&ev.EventID, &ev.Type, &ev.ReceivedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		ev.ProcessedAt = &processedAt.Time
	}
	return ev, nil
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE processed_events
		SET processed_at = COALESCE(processed_at, $2)
		WHERE event_id = $1`, eventID, at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
