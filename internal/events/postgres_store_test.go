//go:build integration

package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/promptsettle/internal/testutil"
)

func TestPostgresStore_RecordLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	l := NewLedger(NewPostgresStore(db))

	first, err := l.Record(ctx, "evt_1", "charge.refunded")
	require.NoError(t, err)
	assert.Equal(t, RecordResult{}, first)

	again, err := l.Record(ctx, "evt_1", "charge.refunded")
	require.NoError(t, err)
	assert.True(t, again.Resumed)

	require.NoError(t, l.MarkProcessed(ctx, "evt_1"))
	require.NoError(t, l.MarkProcessed(ctx, "evt_1"))

	done, err := l.Record(ctx, "evt_1", "charge.refunded")
	require.NoError(t, err)
	assert.True(t, done.AlreadyProcessed)

	ev, err := l.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ev.Done())

	_, err = l.Get(ctx, "evt_missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}
