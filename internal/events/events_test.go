package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_FirstSightThenDuplicate(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore())

	res, err := l.Record(ctx, "evt_1", "charge.refunded")
	require.NoError(t, err)
	assert.False(t, res.AlreadyProcessed)
	assert.False(t, res.Resumed)

	require.NoError(t, l.MarkProcessed(ctx, "evt_1"))

	res, err = l.Record(ctx, "evt_1", "charge.refunded")
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
	assert.False(t, res.Resumed)
}

func TestLedger_CrashBeforeMarkResumes(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore())

	_, err := l.Record(ctx, "evt_crash", "checkout.session.completed")
	require.NoError(t, err)

	// No MarkProcessed: the earlier attempt died mid-chain.
	res, err := l.Record(ctx, "evt_crash", "checkout.session.completed")
	require.NoError(t, err)
	assert.False(t, res.AlreadyProcessed)
	assert.True(t, res.Resumed, "unfinished events must be redone, not skipped")
}

func TestLedger_MarkProcessedKeepsFirstTimestamp(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLedger(NewMemoryStore()).WithClock(func() time.Time { return clock })

	_, err := l.Record(ctx, "evt_2", "charge.dispute.created")
	require.NoError(t, err)
	require.NoError(t, l.MarkProcessed(ctx, "evt_2"))

	clock = clock.Add(time.Hour)
	require.NoError(t, l.MarkProcessed(ctx, "evt_2"))

	ev, err := l.Get(ctx, "evt_2")
	require.NoError(t, err)
	require.NotNil(t, ev.ProcessedAt)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *ev.ProcessedAt)
}

func TestLedger_RejectsBlankIDs(t *testing.T) {
	l := NewLedger(NewMemoryStore())
	_, err := l.Record(context.Background(), " ", "charge.refunded")
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = l.Record(context.Background(), "evt_3", "")
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestLedger_MarkUnknownEvent(t *testing.T) {
	err := NewLedger(NewMemoryStore()).MarkProcessed(context.Background(), "evt_missing")
	assert.True(t, errors.Is(err, ErrEventNotFound))
}

func TestLedger_ConcurrentRecordExactlyOneFirstSight(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore())

	const workers = 20
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		fresh  int
		resume int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Record(ctx, "evt_race", "payment_intent.succeeded")
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if res.Resumed {
				resume++
			} else if !res.AlreadyProcessed {
				fresh++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	assert.Equal(t, workers-1, resume)
}
