package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tternquist/doh-sni-proxy/internal/config"
)

const redisOpTimeout = 2 * time.Second

// RedisSnapshotter stores the cache snapshot as a single JSON value so
// several proxy instances can start from the same warm cache.
type RedisSnapshotter struct {
	client *redis.Client
	key    string
}

// NewRedisSnapshotter returns nil, nil when no address is configured.
func NewRedisSnapshotter(cfg config.RedisConfig) (*RedisSnapshotter, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		DB:           cfg.DB,
		Password:     cfg.Password,
		MaxRetries:   3,
		DialTimeout:  redisOpTimeout,
		ReadTimeout:  redisOpTimeout,
		WriteTimeout: redisOpTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	key := cfg.Key
	if key == "" {
		key = "doh-sni-proxy:cache"
	}
	return &RedisSnapshotter{client: client, key: key}, nil
}

func (r *RedisSnapshotter) Load() (map[string]AddressRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return map[string]AddressRecord{}, nil
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

// Save stores the snapshot with a TTL of the latest expiry so stale
// snapshots age out of redis on their own.
func (r *RedisSnapshotter) Save(records map[string]AddressRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	var latest time.Time
	for _, rec := range records {
		if rec.ExpiresAt.After(latest) {
			latest = rec.ExpiresAt
		}
	}
	ttl := time.Until(latest)
	if ttl <= 0 {
		ttl = 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return r.client.Set(ctx, r.key, data, ttl).Err()
}

func (r *RedisSnapshotter) Close() error {
	return r.client.Close()
}
