//go:build integration

package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/promptsettle/internal/testutil"
)

func TestPostgresOutbox_AppendsRows(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	o := NewPostgresOutbox(db)

	require.NoError(t, o.Notify(ctx, Notification{UserID: "A", Kind: KindSwapFulfilled, Data: map[string]string{"swapId": "swp_1"}}))
	require.NoError(t, o.Notify(ctx, Notification{UserID: "A", Kind: KindSwapExpired}))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = 'A' AND delivered_at IS NULL`).Scan(&count))
	assert.Equal(t, 2, count)

	var swapID string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT data->>'swapId' FROM notifications WHERE kind = $1`, string(KindSwapFulfilled)).Scan(&swapID))
	assert.Equal(t, "swp_1", swapID)

	var empty string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT data::text FROM notifications WHERE kind = $1`, string(KindSwapExpired)).Scan(&empty))
	assert.Equal(t, "{}", empty)
}
