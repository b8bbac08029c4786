package registration

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// AddressLock serializes concurrent registrations for the same address.
// A Redis SET NX PX lock is used when Redis is configured, so multiple
// proxy processes serialize correctly; an in-process sync.Map of
// per-address sync.Mutex covers the single-process case and lets unit
// tests exercise real mutual exclusion without a live Redis.
type AddressLock interface {
	// Lock blocks until the address is exclusively held, returning a
	// release function. ctx bounds the wait, not the hold.
	Lock(ctx context.Context, address string) (release func(), err error)
}

// RedisAddressLock implements AddressLock with SET NX PX + token-checked
// DEL, the standard single-instance Redis mutex recipe.
type RedisAddressLock struct {
	Client *redis.Client
	TTL    time.Duration
	Poll   time.Duration
}

// NewRedisAddressLock returns a lock backed by client. ttl bounds how long
// a held lock survives a crashed holder; poll is the retry interval while
// waiting to acquire.
func NewRedisAddressLock(client *redis.Client, ttl, poll time.Duration) *RedisAddressLock {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if poll <= 0 {
		poll = 25 * time.Millisecond
	}
	return &RedisAddressLock{Client: client, TTL: ttl, Poll: poll}
}

func (l *RedisAddressLock) key(address string) string {
	return "utilmeta:proxy:registration-lock:" + address
}

func (l *RedisAddressLock) Lock(ctx context.Context, address string) (func(), error) {
	key := l.key(address)
	token := uuid.NewString()

	ticker := time.NewTicker(l.Poll)
	defer ticker.Stop()

	for {
		ok, err := l.Client.SetNX(ctx, key, token, l.TTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if v, err := l.Client.Get(releaseCtx, key).Result(); err == nil && v == token {
			l.Client.Del(releaseCtx, key)
		}
	}
	return release, nil
}

// MemoryAddressLock is the Redis-less fallback: one sync.Mutex per address,
// lazily created, held in a sync.Map so concurrent registrations for
// distinct addresses never block each other.
type MemoryAddressLock struct {
	mutexes sync.Map // address -> *sync.Mutex
}

// NewMemoryAddressLock returns an in-process AddressLock.
func NewMemoryAddressLock() *MemoryAddressLock {
	return &MemoryAddressLock{}
}

func (l *MemoryAddressLock) Lock(ctx context.Context, address string) (func(), error) {
	value, _ := l.mutexes.LoadOrStore(address, &sync.Mutex{})
	mu := value.(*sync.Mutex)

	acquired := make(chan struct{})
	go func() {
		mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return mu.Unlock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
