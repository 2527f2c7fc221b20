package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeReject, m)

	m, err = ParseMode("wait")
	require.NoError(t, err)
	assert.Equal(t, ModeWait, m)

	_, err = ParseMode("spin")
	assert.Error(t, err)
}

func TestMemoryLocker_Reject(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker(ModeReject)

	lease, err := l.Acquire(ctx, "polkadot/1")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "polkadot/1")
	assert.ErrorIs(t, err, ErrHeld)

	other, err := l.Acquire(ctx, "kusama/1")
	require.NoError(t, err, "keys are independent")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx), "release is idempotent")

	again, err := l.Acquire(ctx, "polkadot/1")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestMemoryLocker_WaitSerializes(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker(ModeWait)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Acquire(ctx, "polkadot/7")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, lease.Release(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestMemoryLocker_WaitHonoursContext(t *testing.T) {
	l := NewMemoryLocker(ModeWait)
	lease, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer func() { _ = lease.Release(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestRedisLocker_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisLocker_Integration(t *testing.T) {
	l := NewRedisLocker(RedisOptions{Addr: "localhost:6379", Mode: ModeReject, TTL: time.Second})
	ctx := context.Background()
	if err := l.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := "test/" + time.Now().Format(time.RFC3339Nano)
	lease, err := l.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, key)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, lease.Release(ctx))
	assert.Error(t, lease.Release(ctx), "second release finds the key gone")

	waiter := NewRedisLocker(RedisOptions{Addr: "localhost:6379", Mode: ModeWait, TTL: time.Second})
	held, err := waiter.Acquire(ctx, key)
	require.NoError(t, err)
	// The TTL frees the key even if the holder never releases.
	ctx2, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	next, err := waiter.Acquire(ctx2, key)
	require.NoError(t, err)
	_ = held
	require.NoError(t, next.Release(ctx))
}
