package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrRunInProgress is returned when another process holds the run lock.
var ErrRunInProgress = errors.New("retry run already in progress")

// Locker serialises retry runs.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a single-key lease in Redis. The lease expires on its own if
// the holder dies, so ttl must exceed the run budget.
type RedisLock struct {
	rdb redis.UniversalClient
	key string
	ttl time.Duration
}

// NewRedisLock creates a lock stored under key.
func NewRedisLock(rdb redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	if key == "" {
		key = "installments:retry:lock"
	}
	return &RedisLock{rdb: rdb, key: key, ttl: ttl}
}

// Acquire takes the lease or returns ErrRunInProgress.
func (l *RedisLock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire retry lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}
	return func() {
		// Release even if the run's context was cancelled.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.rdb, []string{l.key}, token).Err()
	}, nil
}

// LocalLock serialises runs inside one process. It is used when Redis is not configured.
type LocalLock struct {
	ch chan struct{}
}

// NewLocalLock returns an unlocked LocalLock.
func NewLocalLock() *LocalLock {
	return &LocalLock{ch: make(chan struct{}, 1)}
}

// Acquire takes the lock without waiting.
func (l *LocalLock) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.ch <- struct{}{}:
		return func() { <-l.ch }, nil
	default:
		return nil, ErrRunInProgress
	}
}
