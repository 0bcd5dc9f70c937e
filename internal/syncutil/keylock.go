// Package syncutil holds in-process locking helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyLock serializes work per string key over a fixed pool of shards.
// Distinct keys may share a shard. Waiters give up when their context ends.
type KeyLock struct {
	shards [shardCount]chan struct{}
}

// NewKeyLock returns a KeyLock with every shard unlocked.
func NewKeyLock() *KeyLock {
	l := &KeyLock{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock blocks until key's shard is free or ctx is done. The returned func
// releases the shard and must be called exactly once.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	shard := l.shards[shardOf(key)]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
