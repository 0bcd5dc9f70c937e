package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func always(error) bool { return true }

func fail() error { return errBoom }

func ok() error { return nil }

type clock struct{ t time.Time }

func (c *clock) now() time.Time      { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, time.Minute)
	b.now = c.now
	return b, c
}

func TestExecute_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	for range 2 {
		assert.ErrorIs(t, b.Execute("svc", fail, always), errBoom)
	}
	assert.Equal(t, StateClosed, b.State("svc"))

	assert.ErrorIs(t, b.Execute("svc", fail, always), errBoom)
	assert.Equal(t, StateOpen, b.State("svc"))

	called := false
	err := b.Execute("svc", func() error { called = true; return nil }, always)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestExecute_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2)
	_ = b.Execute("svc", fail, always)
	assert.NoError(t, b.Execute("svc", ok, always))
	_ = b.Execute("svc", fail, always)
	assert.Equal(t, StateClosed, b.State("svc"))
}

func TestExecute_IgnoredErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(1)
	never := func(error) bool { return false }
	assert.ErrorIs(t, b.Execute("svc", fail, never), errBoom)
	assert.Equal(t, StateClosed, b.State("svc"))
}

func TestExecute_HalfOpenProbe(t *testing.T) {
	b, c := newTestBreaker(1)
	_ = b.Execute("svc", fail, always)
	assert.Equal(t, StateOpen, b.State("svc"))

	c.add(time.Minute)
	assert.ErrorIs(t, b.Execute("svc", fail, always), errBoom)
	assert.Equal(t, StateOpen, b.State("svc"), "failed probe reopens")

	c.add(time.Minute)
	assert.NoError(t, b.Execute("svc", ok, always))
	assert.Equal(t, StateClosed, b.State("svc"))
}

func TestExecute_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1)
	_ = b.Execute("a", fail, always)
	assert.Equal(t, StateOpen, b.State("a"))
	assert.NoError(t, b.Execute("b", ok, always))
}

func TestExecute_Concurrent(t *testing.T) {
	b := New(1000, time.Minute)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.Execute("svc", fail, always)
			} else {
				_ = b.Execute("svc", ok, always)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, StateClosed, b.State("svc"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
