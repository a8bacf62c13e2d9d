package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes training per tenant. Unlock must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, tenantID string) (unlock func(), err error)
}

// LocalLocker is an in-process keyed mutex. Tenants never contend with each
// other.
type LocalLocker struct {
	locks sync.Map // tenant -> *sync.Mutex
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{}
}

func (l *LocalLocker) Lock(ctx context.Context, tenantID string) (func(), error) {
	v, _ := l.locks.LoadOrStore(tenantID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock, nil
}

// redisClient is the subset of *redis.Client the distributed lock needs.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Deletes the key only if it still holds our token.
const releaseScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`

// Pushes the expiry forward only if the key still holds our token.
const extendScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`

// RedisLocker extends a LocalLocker with a Redis lease so replicas sharing a
// store do not train the same tenant at once. The holder renews the lease
// every ttl/3 until unlock; if the holder dies the lease expires after ttl.
type RedisLocker struct {
	rdb   redisClient
	local *LocalLocker
	ttl   time.Duration
	retry time.Duration
}

func NewRedisLocker(rdb redisClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{rdb: rdb, local: NewLocalLocker(), ttl: ttl, retry: 100 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, tenantID string) (func(), error) {
	unlockLocal, _ := l.local.Lock(ctx, tenantID)

	key := "healthguard:train-lock:" + tenantID
	token := uuid.NewString()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("acquire training lock for %s: %w", tenantID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go l.keepAlive(key, token, stop, renewed)

	return func() {
		close(stop)
		<-renewed
		// Release with a fresh context so a cancelled caller still frees the lease.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.rdb.Eval(releaseCtx, releaseScript, []string{key}, token).Err()
		unlockLocal()
	}, nil
}

// keepAlive renews the lease until stop is closed or the lease is lost.
func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := l.rdb.Eval(ctx, extendScript, []string{key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err == nil && n == 0 {
				return
			}
		}
	}
}
