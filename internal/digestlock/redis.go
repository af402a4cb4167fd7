// Package digestlock provides a Redis-backed lock that keeps digest
// generation exclusive across hush processes sharing one store.
package digestlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/xerrors"
)

const keyPrefix = "hush:lock:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another holder is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Lock implements triage.DigestLock with SET NX and a per-acquire token.
type Lock struct {
	rdb redis.UniversalClient
}

// New wraps an existing client.
func New(rdb redis.UniversalClient) *Lock {
	if rdb == nil {
		panic(xerrors.New("digestlock: redis client is required"))
	}
	return &Lock{rdb: rdb}
}

// Dial connects to Redis and verifies the connection with PING.
func Dial(ctx context.Context, c Config) (*Lock, func() error, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", c.Addr, err)
	}
	return New(rdb), rdb.Close, nil
}

// Acquire takes key for ttl. ok is false when another holder owns it.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("digestlock: ttl must be positive, got %s", ttl)
	}
	k := keyPrefix + key
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", k, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.rdb, []string{k}, token).Err(); err != nil {
			return fmt.Errorf("release %s: %w", k, err)
		}
		return nil
	}
	return release, true, nil
}
