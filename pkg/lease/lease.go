// Package lease provides per-key leases so that at most one reconciliation
// runs for an entity at a time.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lease", fx.Provide(Provide))

// ReleaseFunc gives a held lease back. It is safe to call more than once.
type ReleaseFunc func(ctx context.Context) error

type Locker interface {
	// Acquire returns acquired=false without error when another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release ReleaseFunc, acquired bool, err error)
}

type Params struct {
	fx.In
	Redis *redis.Client `optional:"true"`
}

func Provide(p Params) Locker {
	if p.Redis == nil {
		zap.L().Warn("[Lease] redis not configured, using in-process leases")
		return NewLocal()
	}
	return NewRedis(p.Redis)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) Locker {
	return &redisLocker{rdb: rdb}
}

func (l *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func(ctx context.Context) error {
		var err error
		once.Do(func() {
			err = releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
		})
		return err
	}
	return release, true, nil
}

type localLocker struct {
	mu    sync.Mutex
	held  map[string]localHold
	clock func() time.Time
}

type localHold struct {
	token   string
	expires time.Time
}

// NewLocal returns an in-process dedupe map keyed by entity.
func NewLocal() Locker {
	return &localLocker{held: make(map[string]localHold), clock: time.Now}
}

func (l *localLocker) Acquire(_ context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, false, nil
	}

	token := uuid.NewString()
	l.held[key] = localHold{token: token, expires: now.Add(ttl)}

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[key]; ok && h.token == token {
			delete(l.held, key)
		}
		return nil
	}
	return release, true, nil
}
