package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX so that several controller
// processes share one lock namespace.
type RedisLocker struct {
	client redis.UniversalClient
	mode   Mode
	ttl    time.Duration
	poll   time.Duration
	prefix string
}

// RedisOptions configures a RedisLocker.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Mode     Mode
	// TTL bounds how long a crashed holder can block a proposal. It should
	// exceed the run deadline.
	TTL time.Duration
}

// NewRedisLocker creates a locker backed by a Redis server.
func NewRedisLocker(opts RedisOptions) *RedisLocker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisLockerWithClient(rdb, opts.Mode, opts.TTL)
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client redis.UniversalClient, mode Mode, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{
		client: client,
		mode:   mode,
		ttl:    ttl,
		poll:   100 * time.Millisecond,
		prefix: "quorum:lock:",
	}
}

// Ping checks connectivity.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	k := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return &redisLease{client: l.client, key: k, token: token}, nil
		}
		if l.mode != ModeWait {
			return nil, fmt.Errorf("acquire %s: %w", key, ErrHeld)
		}

		t := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		case <-t.C:
		}
	}
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

// errLeaseLost means the TTL expired and another holder may own the key.
var errLeaseLost = errors.New("lock lease expired before release")

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", l.key, err)
	}
	if n == 0 {
		return errLeaseLost
	}
	return nil
}
