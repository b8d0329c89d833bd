package payments

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-marketplace/internal/apperrors"
)

// Locker serializes payment operations per booking. Concurrent accept/reject
// calls on the same booking queue up here; the loser then observes the hold in
// a non-authorized state and gets InvalidStateError.
type Locker interface {
	Acquire(ctx context.Context, bookingID string) (release func(), err error)
}

// KeyedMutex is the in-process Locker used in single-replica deployments and
// tests. Entries are reference counted so the map does not grow with the
// booking table.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*lockEntry)}
}

func (k *KeyedMutex) Acquire(ctx context.Context, bookingID string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[bookingID]
	if !ok {
		e = &lockEntry{}
		k.locks[bookingID] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, bookingID)
		}
		k.mu.Unlock()
	}, nil
}

// RedisLocker implements Locker with SET NX PX so the guarantee holds across
// replicas. Release checks ownership before deleting, in case the TTL already
// expired and another process took the lock.
type RedisLocker struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisLocker(addr, password string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisLocker{Client: c, TTL: ttl}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (r *RedisLocker) Acquire(ctx context.Context, bookingID string) (func(), error) {
	key := "booking:lock:" + bookingID
	token := uuid.NewString()
	for {
		ok, err := r.Client.SetNX(ctx, key, token, r.TTL).Result()
		if err != nil {
			return nil, apperrors.Transient("acquire booking lock", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.Transient("acquire booking lock", ctx.Err())
		case <-time.After(25 * time.Millisecond):
		}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = releaseScript.Run(ctx, r.Client, []string{key}, token).Result()
	}, nil
}
