package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes a key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every process pointed at the same Redis.
// Locks expire after TTL so a crashed holder cannot wedge an entity.
type RedisLocker struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
	Wait   time.Duration
	Retry  time.Duration
}

func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{
		Client: client,
		Prefix: "leadflow:lock:",
		TTL:    ttl,
		Wait:   wait,
		Retry:  25 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	redisKey := l.Prefix + key
	deadline := time.Now().Add(l.Wait)

	for {
		ok, err := l.Client.SetNX(ctx, redisKey, token, l.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.Retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's context may already be cancelled
			if err := releaseScript.Run(context.Background(), l.Client, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
				log.Printf("Failed to release lock %s: %v", key, err)
			}
		})
	}, nil
}

// Deduper claims event keys so redelivered events are processed once.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type RedisDeduper struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{Client: client, Prefix: "leadflow:event:", TTL: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.Client.SetNX(ctx, d.Prefix+key, time.Now().UTC().Format(time.RFC3339), d.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim event key: %w", err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.Client.Del(ctx, d.Prefix+key).Err()
}

// MemoryDeduper keeps claims in process memory until they expire.
type MemoryDeduper struct {
	TTL   time.Duration
	Clock Clock

	mu     sync.Mutex
	claims map[string]time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{TTL: ttl, Clock: systemClock, claims: make(map[string]time.Time)}
}

func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	now := d.Clock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.claims[key]; ok && (d.TTL <= 0 || now.Before(exp)) {
		return false, nil
	}
	d.claims[key] = now.Add(d.TTL)
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.claims, key)
	d.mu.Unlock()
	return nil
}

// Lease guards a singleton job across processes.
type Lease interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

type RedisLease struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
}

func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{Client: client, Key: "leadflow:lease:" + key, TTL: ttl}
}

func (l *RedisLease) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.New().String()
	ok, err := l.Client.SetNX(ctx, l.Key, token, l.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", l.Key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		if err := releaseScript.Run(context.Background(), l.Client, []string{l.Key}, token).Err(); err != nil && err != redis.Nil {
			log.Printf("Failed to release lease %s: %v", l.Key, err)
		}
	}, true, nil
}

// LocalLease is a process-local Lease.
type LocalLease struct {
	held atomic.Bool
}

func (l *LocalLease) TryAcquire(context.Context) (func(), bool, error) {
	if !l.held.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	return func() { l.held.Store(false) }, true, nil
}
