package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_SerializesSameKey(t *testing.T) {
	l := NewKeyLock()
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "pur_1")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestKeyLock_WaiterHonoursContext(t *testing.T) {
	l := NewKeyLock()
	unlock, err := l.Lock(context.Background(), "pur_1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "pur_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyLock_ReleaseAllowsNextHolder(t *testing.T) {
	l := NewKeyLock()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock, err = l.Lock(ctx, "k")
	require.NoError(t, err)
	unlock()
}
