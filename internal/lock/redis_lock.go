package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisLocker leases locks with SET NX PX. The lease expires on its own if
// the holder dies, so a crashed worker never strands a message.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
}

var (
	_ Locker   = (*RedisLocker)(nil)
	_ Extender = (*RedisGuard)(nil)
)

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: "lock:"}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, lease time.Duration) (Guard, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("lock %s: lease must be > 0", name)
	}

	g := &RedisGuard{
		rdb:   l.rdb,
		key:   l.prefix + name,
		token: uuid.NewString(),
	}

	ok, err := l.rdb.SetNX(ctx, g.key, g.token, lease).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", g.key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return g, nil
}

// RedisGuard releases only while it still owns the key.
type RedisGuard struct {
	rdb   *redis.Client
	key   string
	token string
}

func (g *RedisGuard) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, g.rdb, []string{g.key}, g.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", g.key, err)
	}
	return nil
}

// Extend pushes the lease out for long sweeps. It fails once ownership is lost.
func (g *RedisGuard) Extend(ctx context.Context, lease time.Duration) error {
	n, err := extendScript.Run(ctx, g.rdb, []string{g.key}, g.token, lease.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", g.key, err)
	}
	if n == 0 {
		return ErrNotAcquired
	}
	return nil
}
