package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitQueued(t *testing.T, l *Limiter, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return l.Stats().Queued == n }, 2*time.Second, time.Millisecond)
}

func TestAdmitImmediatelyWithCapacity(t *testing.T) {
	l := New(Config{MaxConcurrent: 2, MaxQueue: 1, MaxDelay: time.Second})

	d, err := l.Admit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Admitted, d.Outcome)
	assert.Zero(t, d.Delay)

	stats := l.Stats()
	assert.Equal(t, 1, stats.InFlight)
	assert.Equal(t, uint64(1), stats.Admitted)

	l.Release()
	assert.Equal(t, 0, l.Stats().InFlight)
}

func TestFullQueueRejectsImmediately(t *testing.T) {
	l := New(Config{MaxConcurrent: 1, MaxQueue: 10, MaxDelay: 5 * time.Second})

	_, err := l.Admit(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Admit(context.Background()); err == nil {
				l.Release()
			}
		}()
	}
	waitQueued(t, l, 10)

	start := time.Now()
	d, err := l.Admit(context.Background())
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, Rejected, d.Outcome)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, uint64(1), l.Stats().Rejected)

	l.Release()
	wg.Wait()
	assert.Equal(t, 0, l.Stats().InFlight)
}

func TestQueuedRequestsAdmittedInArrivalOrder(t *testing.T) {
	l := New(Config{MaxConcurrent: 1, MaxQueue: 5, MaxDelay: 5 * time.Second})

	_, err := l.Admit(context.Background())
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d, err := l.Admit(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			assert.Equal(t, Queued, d.Outcome)
			l.Release()
		}(i)
		waitQueued(t, l, i+1)
	}

	l.Release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, uint64(5), l.Stats().Delayed)
}

func TestWaitBoundedByMaxDelay(t *testing.T) {
	l := New(Config{MaxConcurrent: 1, MaxQueue: 4, MaxDelay: 30 * time.Millisecond})

	_, err := l.Admit(context.Background())
	require.NoError(t, err)
	defer l.Release()

	start := time.Now()
	_, err = l.Admit(context.Background())
	assert.ErrorIs(t, err, ErrRejected)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, l.Stats().Queued)
}

func TestContextCancelWhileQueued(t *testing.T) {
	l := New(Config{MaxConcurrent: 1, MaxQueue: 4, MaxDelay: 5 * time.Second})

	_, err := l.Admit(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Admit(ctx)
		done <- err
	}()
	waitQueued(t, l, 1)
	cancel()

	err = <-done
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, l.Stats().Queued)

	l.Release()
	assert.Equal(t, 0, l.Stats().InFlight)
}

func TestTokenRateRejectsBeyondMaxDelay(t *testing.T) {
	l := New(Config{MaxConcurrent: 100, MaxQueue: 100, MaxDelay: 10 * time.Millisecond, RequestsPerSecond: 1, Burst: 1})

	d, err := l.Admit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Admitted, d.Outcome)
	l.Release()

	// the next token is a full second away
	_, err = l.Admit(context.Background())
	assert.ErrorIs(t, err, ErrRejected)
}

func TestTokenRateDelaysWithinMaxDelay(t *testing.T) {
	l := New(Config{MaxConcurrent: 100, MaxQueue: 100, MaxDelay: time.Second, RequestsPerSecond: 50, Burst: 1})

	_, err := l.Admit(context.Background())
	require.NoError(t, err)
	l.Release()

	d, err := l.Admit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Queued, d.Outcome)
	assert.Greater(t, d.Delay, time.Duration(0))
	assert.LessOrEqual(t, d.Delay, time.Second)
	l.Release()
}

func TestUnlimitedConcurrency(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 50; i++ {
		d, err := l.Admit(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Admitted, d.Outcome)
	}
	assert.Equal(t, 50, l.Stats().InFlight)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "admitted", Admitted.String())
	assert.Equal(t, "queued", Queued.String())
	assert.Equal(t, "rejected", Rejected.String())
}
