package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterResolveRemove(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("c1", "e1"))

	id, ok := r.ResolveExchangeID("c1")
	require.True(t, ok)
	assert.Equal(t, "e1", id)
	id, ok = r.ResolveClientID("e1")
	require.True(t, ok)
	assert.Equal(t, "c1", id)

	r.Remove("c1")
	_, ok = r.ResolveExchangeID("c1")
	assert.False(t, ok)
	_, ok = r.ResolveClientID("e1")
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestUnknownIDsAreNotFound(t *testing.T) {
	r := New(nil)
	_, ok := r.ResolveExchangeID("missing")
	assert.False(t, ok)
	_, ok = r.ResolveClientID("missing")
	assert.False(t, ok)
}

func TestRegisterIsIdempotentAndRejectsConflicts(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("c1", "e1"))
	require.NoError(t, r.Register("c1", "e1"))
	assert.ErrorIs(t, r.Register("c1", "e2"), ErrConflict)
	assert.ErrorIs(t, r.Register("c2", "e1"), ErrConflict)
	assert.Error(t, r.Register("", "e3"))
	assert.Equal(t, 1, r.Len())
}

func TestWaitReleasedByRegistration(t *testing.T) {
	r := New(nil)
	done := make(chan string, 1)
	go func() {
		id, err := r.WaitForExchangeID(context.Background(), "c1", time.Second)
		assert.NoError(t, err)
		done <- id
	}()

	require.Eventually(t, func() bool { return r.Waiting("c1") == 1 }, time.Second, time.Millisecond)
	require.NoError(t, r.Register("c1", "e1"))

	select {
	case id := <-done:
		assert.Equal(t, "e1", id)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestWaitReturnsImmediatelyWhenKnown(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("c1", "e1"))
	id, err := r.WaitForExchangeID(context.Background(), "c1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "e1", id)
}

func TestWaitTimesOutAndLateRegistrationSucceeds(t *testing.T) {
	r := New(nil)
	start := time.Now()
	_, err := r.WaitForExchangeID(context.Background(), "c1", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Zero(t, r.Waiting("c1"))

	require.NoError(t, r.Register("c1", "e1"))
	id, ok := r.ResolveExchangeID("c1")
	assert.True(t, ok)
	assert.Equal(t, "e1", id)
}

func TestAllWaitersReleasedByOneRegistration(t *testing.T) {
	r := New(nil)
	const waiters = 5
	var wg sync.WaitGroup
	results := make(chan string, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.WaitForExchangeID(context.Background(), "c1", time.Second)
			assert.NoError(t, err)
			results <- id
		}()
	}
	require.Eventually(t, func() bool { return r.Waiting("c1") == waiters }, time.Second, time.Millisecond)
	require.NoError(t, r.Register("c1", "e1"))
	wg.Wait()
	close(results)
	for id := range results {
		assert.Equal(t, "e1", id)
	}
}

func TestWaitOnRemovedIDTimesOut(t *testing.T) {
	r := New(nil)
	r.Remove("c1")
	require.NoError(t, r.Register("c1", "e1"))
	_, ok := r.ResolveExchangeID("c1")
	assert.False(t, ok)

	_, err := r.WaitForExchangeID(context.Background(), "c1", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitHonoursContext(t *testing.T) {
	r := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.WaitForExchangeID(ctx, "c1", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, r.Waiting("c1"))
}
