package providers

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenCache keeps partner access tokens. With Redis the token is shared
// across instances; without it each process keeps its own copy.
type tokenCache struct {
	rdb *redis.Client
	key string

	mu      sync.Mutex
	local   string
	expires time.Time
}

func newTokenCache(rdb *redis.Client, key string) *tokenCache {
	return &tokenCache{rdb: rdb, key: key}
}

func (c *tokenCache) get(ctx context.Context) (string, bool) {
	if c.rdb != nil {
		v, err := c.rdb.Get(ctx, c.key).Result()
		if err == nil && v != "" {
			return v, true
		}
		// miss or Redis unreachable: try the local copy
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local != "" && time.Now().Before(c.expires) {
		return c.local, true
	}
	return "", false
}

// put stores token for ttl minus a safety margin so it is never used stale.
func (c *tokenCache) put(ctx context.Context, token string, ttl time.Duration) {
	if ttl > 2*time.Minute {
		ttl -= time.Minute
	}
	if c.rdb != nil {
		_ = c.rdb.Set(ctx, c.key, token, ttl).Err()
	}
	c.mu.Lock()
	c.local = token
	c.expires = time.Now().Add(ttl)
	c.mu.Unlock()
}

func (c *tokenCache) drop(ctx context.Context) {
	if c.rdb != nil {
		_ = c.rdb.Del(ctx, c.key).Err()
	}
	c.mu.Lock()
	c.local = ""
	c.mu.Unlock()
}
