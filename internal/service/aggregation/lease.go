package aggregation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/urbanevents/metricas/internal/domain"
)

// Lease extends per-key exclusion across replicas. Acquire returns ok=false when
// another holder owns key.
type Lease interface {
	Acquire(ctx context.Context, key domain.GroupKey) (release func(context.Context) error, ok bool, err error)
}

const (
	defaultLeaseTTL    = 30 * time.Second
	defaultLeasePrefix = "metricas:recompute:"
)

// releaseScript deletes the lease only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease implements Lease with SET NX PX and a compare-and-delete release.
type RedisLease struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLease connects to Redis and verifies the connection.
func NewRedisLease(addr, password string, db int, ttl time.Duration) (*RedisLease, error) {
	if addr == "" {
		return nil, errors.New("redis address required")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisLease{client: client, ttl: ttl, prefix: defaultLeasePrefix}, nil
}

// Acquire claims key for the lease TTL.
func (l *RedisLease) Acquire(ctx context.Context, key domain.GroupKey) (func(context.Context) error, bool, error) {
	redisKey := l.redisKey(key)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", redisKey, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release lease %s: %w", redisKey, err)
		}
		return nil
	}
	return release, true, nil
}

// Close releases the Redis connection.
func (l *RedisLease) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

func (l *RedisLease) redisKey(key domain.GroupKey) string {
	priority := key.Priority
	if priority == "" {
		priority = "-"
	}
	return fmt.Sprintf("%s%s:%s", l.prefix, key.Type, priority)
}
