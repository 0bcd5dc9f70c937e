// Package retry provides bounded retry loops with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n, safe
}

// maxDelay caps the backoff between attempts.
const maxDelay = 2 * time.Second

// DoIf calls fn up to maxAttempts times, retrying only errors for which
// retryable returns true. Any other error is returned immediately, as is
// ctx's error once it is done. baseDelay doubles on each retry with +-25%
// jitter, capped at maxDelay.
func DoIf(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !retryable(err) {
			return err
		}

		if attempt == maxAttempts-1 {
			break
		}

		if delay > 0 {
			jitter := delay / 4
			sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			delay = min(delay*2, maxDelay)
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return err
}

// OnError retries fn while it fails with target (matched by errors.Is).
func OnError(ctx context.Context, maxAttempts int, baseDelay time.Duration, target error, fn func() error) error {
	return DoIf(ctx, maxAttempts, baseDelay, func(err error) bool {
		return errors.Is(err, target)
	}, fn)
}
