package notify

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/promptsettle/internal/idgen"
)

func TestMemoryOutbox_StampsAndFilters(t *testing.T) {
	ctx := context.Background()
	o := NewMemoryOutbox()
	require.NoError(t, o.Notify(ctx, Notification{UserID: "A", Kind: KindSwapExpired}))
	require.NoError(t, o.Notify(ctx, Notification{UserID: "B", Kind: KindSwapExpired}))
	require.NoError(t, o.Notify(ctx, Notification{ID: "ntf_fixed", UserID: "A", Kind: KindRefunded}))

	assert.Len(t, o.Sent(), 3)
	forA := o.For("A")
	require.Len(t, forA, 2)
	assert.True(t, idgen.HasPrefix(forA[0].ID, idgen.NotifyPrefix))
	assert.False(t, forA[0].CreatedAt.IsZero())
	assert.Equal(t, "ntf_fixed", forA[1].ID)
	assert.Empty(t, o.For("C"))
}

func TestMemoryOutbox_SentIsSnapshot(t *testing.T) {
	o := NewMemoryOutbox()
	require.NoError(t, o.Notify(context.Background(), Notification{UserID: "A", Kind: KindDisputed}))
	snap := o.Sent()
	snap[0].UserID = "mutated"
	assert.Equal(t, "A", o.Sent()[0].UserID)
}

func TestLogNotifier_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, n.Notify(context.Background(), Notification{
		UserID: "buyer",
		Kind:   KindPartialRefund,
		Data:   map[string]string{"purchaseId": "pur_1"},
	}))
	out := buf.String()
	assert.Contains(t, out, `"kind":"purchase.partially_refunded"`)
	assert.Contains(t, out, `"user_id":"buyer"`)
	assert.Contains(t, out, `"purchaseId":"pur_1"`)
}
