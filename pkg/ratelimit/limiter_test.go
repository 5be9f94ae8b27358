package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratelimit/pkg/clock"
)

func TestLimiterPassthroughForEmptyQuota(t *testing.T) {
	l := New(Quota{})
	defer l.Close()

	called := false
	got, err := l.Schedule(context.Background(), func() (any, error) {
		called = true
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.True(t, called)
}

func TestLimiterFIFOOrder(t *testing.T) {
	fc := clock.NewFakeClock(0)
	l := New(Quota{Concurrency: Int64(1)}, WithClock(fc), WithDispatchTick(5*time.Millisecond))
	defer l.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Schedule(context.Background(), func() (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
			assert.NoError(t, err)
		}()
		// Give the dispatcher a chance to enqueue this waiter before the next
		// one is scheduled, so FIFO order is deterministic.
		time.Sleep(10 * time.Millisecond)
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLimiterDeadlineRejectionAdvancesQueue(t *testing.T) {
	fc := clock.NewFakeClock(0)
	l := New(Quota{Concurrency: Int64(1), MaxDelay: Int64(50)}, WithClock(fc), WithDispatchTick(5*time.Millisecond))
	defer l.Close()

	blockCh := make(chan struct{})
	firstStarted := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := l.Schedule(context.Background(), func() (any, error) {
			close(firstStarted)
			<-blockCh
			return "first", nil
		})
		assert.NoError(t, err)
	}()

	<-firstStarted // first op now holds the only concurrency slot

	secondDone := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := l.Schedule(context.Background(), func() (any, error) {
			return "second", nil
		})
		secondDone <- err
	}()

	// Give the second waiter time to enqueue, then push the fake clock past
	// its maxDelay; the dispatcher's poll tick should reject it on deadline.
	time.Sleep(20 * time.Millisecond)
	fc.Advance(51)

	var timeoutErr *RateLimitTimeoutError
	require.Eventually(t, func() bool {
		select {
		case err := <-secondDone:
			return errors.As(err, &timeoutErr)
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.NotNil(t, timeoutErr)

	close(blockCh)
	wg.Wait()
}

func TestLimiterOperationErrorPropagation(t *testing.T) {
	l := New(Quota{Concurrency: Int64(1)}, WithDispatchTick(5*time.Millisecond))
	defer l.Close()

	wantErr := errors.New("boom")
	_, err := l.Schedule(context.Background(), func() (any, error) {
		return nil, wantErr
	})

	assert.ErrorIs(t, err, wantErr)
}

func TestLimiterContextCancellation(t *testing.T) {
	l := New(Quota{Concurrency: Int64(0)}, WithDispatchTick(5*time.Millisecond))
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := l.Schedule(ctx, func() (any, error) {
		return "never", nil
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiterCloseRejectsQueuedWaiters(t *testing.T) {
	l := New(Quota{Concurrency: Int64(0)}, WithDispatchTick(5*time.Millisecond))

	resultCh := make(chan error, 1)
	go func() {
		_, err := l.Schedule(context.Background(), func() (any, error) {
			return nil, nil
		})
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l.Close()

	select {
	case err := <-resultCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued waiter to be rejected on close")
	}
}

func TestLimiterScheduleAfterCloseIsRejectedImmediately(t *testing.T) {
	l := New(Quota{Concurrency: Int64(1)})
	l.Close()

	_, err := l.Schedule(context.Background(), func() (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLimiterQueueDepthTracksPendingWaiters(t *testing.T) {
	l := New(Quota{Concurrency: Int64(0)}, WithDispatchTick(5*time.Millisecond))
	defer l.Close()

	go l.Schedule(context.Background(), func() (any, error) { return nil, nil })

	require.Eventually(t, func() bool {
		return l.QueueDepth() == 1
	}, time.Second, 5*time.Millisecond)
}
