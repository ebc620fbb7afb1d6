package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := NewFuture[int]()
	require.False(t, f.Settled())

	require.True(t, f.Resolve(42))
	require.True(t, f.Settled())

	// Later settlements are no-ops.
	require.False(t, f.Resolve(99))
	require.False(t, f.Reject(errors.New("late")))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)

	// Repeated waits observe the same outcome.
	v, err = f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestFutureRejectsOnce(t *testing.T) {
	f := NewFuture[string]()
	boom := errors.New("boom")
	require.True(t, f.Reject(boom))
	require.False(t, f.Resolve("nope"))

	v, err := f.Wait(context.Background())
	require.ErrorIs(t, err, boom)
	require.Empty(t, v)
}

func TestFutureConcurrentSettle(t *testing.T) {
	f := NewFuture[int]()
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if f.Resolve(n) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.EqualValues(t, 1, wins)
}

func TestFutureWaitHonorsContext(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, f.Settled())
}
