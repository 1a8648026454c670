package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when the lock is held by someone else
var ErrLocked = errors.New("lock is held")

// release deletes the key only if we still own it
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out named leases
type Locker interface {
	// TryAcquire takes the lock once and returns ErrLocked if it is held
	TryAcquire(ctx context.Context, name string) (*Lease, error)

	// Acquire retries with backoff until the lock is free, ctx ends or wait elapses
	Acquire(ctx context.Context, name string, wait time.Duration) (*Lease, error)
}

// RedisLocker implements Locker with SET NX PX on a shared pooled client
type RedisLocker struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedisLocker creates a locker. ttl bounds how long a crashed holder blocks others.
func NewRedisLocker(client redis.Cmdable, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "lock:"}
}

// Lease is a held lock
type Lease struct {
	client redis.Cmdable
	key    string
	token  string
}

// AppKey names the lock serializing lifecycle operations on one app
func AppKey(appID string) string {
	return "app:" + appID
}

// JobKey names the lock preventing concurrent runs of a cron job
func JobKey(job string) string {
	return "job:" + job
}

func (l *RedisLocker) TryAcquire(ctx context.Context, name string) (*Lease, error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrLocked)
	}
	return &Lease{client: l.client, key: key, token: token}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, wait time.Duration) (*Lease, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = wait

	var lease *Lease
	err := backoff.Retry(func() error {
		var err error
		lease, err = l.TryAcquire(ctx, name)
		if err != nil && !errors.Is(err, ErrLocked) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Release frees the lock if it has not expired and been taken by another holder
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := release.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}
