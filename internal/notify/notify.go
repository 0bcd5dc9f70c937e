// Package notify emits user-facing notifications for settlement events.
//
// Delivery is out of scope here: notifications are either logged or written
// to an outbox table that a separate worker drains.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/promptsettle/internal/idgen"
)

// Kind names a notification template.
type Kind string

const (
	KindRefunded      Kind = "purchase.refunded"
	KindPartialRefund Kind = "purchase.partially_refunded"
	KindDisputed      Kind = "purchase.disputed"
	KindSwapExpired   Kind = "swap.expired"
	KindSwapAccepted  Kind = "swap.accepted"
	KindSwapFulfilled Kind = "swap.fulfilled"
)

// Notification is one message for one user.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Kind      Kind              `json:"kind"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

func stamp(n *Notification) {
	if n.ID == "" {
		n.ID = idgen.WithPrefix(idgen.NotifyPrefix)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	stamp(&n)
	l.logger.Info("notification",
		"notification_id", n.ID,
		"user_id", n.UserID,
		"kind", n.Kind,
		"data", n.Data,
	)
	return nil
}

// MemoryOutbox keeps notifications in memory for demo mode.
type MemoryOutbox struct {
	mu   sync.Mutex
	sent []Notification
}

// NewMemoryOutbox creates an empty in-memory outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{}
}

func (m *MemoryOutbox) Notify(ctx context.Context, n Notification) error {
	stamp(&n)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

// Sent returns a snapshot of every notification so far.
func (m *MemoryOutbox) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}

// For returns the notifications addressed to userID.
func (m *MemoryOutbox) For(userID string) []Notification {
	var out []Notification
	for _, n := range m.Sent() {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// PostgresOutbox appends notifications to the notifications table.
type PostgresOutbox struct {
	db *sql.DB
}

// NewPostgresOutbox creates an outbox notifier.
func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{db: db}
}

func (p *PostgresOutbox) Notify(ctx context.Context, n Notification) error {
	stamp(&n)
	if n.Data == nil {
		n.Data = map[string]string{}
	}
	data, err := json.Marshal(n.Data)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, kind, data, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		n.ID, n.UserID, string(n.Kind), data, n.CreatedAt,
	)
	return err
}

// Compile-time assertions.
var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*MemoryOutbox)(nil)
	_ Notifier = (*PostgresOutbox)(nil)
)
