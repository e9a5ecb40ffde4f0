package replay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "license-gate"

// Redis claims values with SET NX so every replica sharing the server sees
// the same spent tokens.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client. The guard owns the client and closes it.
func NewRedis(client *redis.Client, prefix string) *Redis {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(kind, value string) string {
	return r.prefix + ":" + kind + ":" + value
}

func (r *Redis) Use(ctx context.Context, kind, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(kind, value), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ok, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
