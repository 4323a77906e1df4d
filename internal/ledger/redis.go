package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis 每个订阅源一个 SET，key 为 prefix:sourceID
type Redis struct {
	Client *redis.Client
	Prefix string
}

func NewRedis(ctx context.Context, addr, password, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{Client: rdb, Prefix: strings.TrimSuffix(prefix, ":")}, nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) key(sourceID string) string {
	return r.Prefix + ":" + sourceID
}

func (r *Redis) Load(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)
	iter := r.Client.Scan(ctx, 0, r.Prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ids, err := r.Client.SMembers(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("smembers %s: %w", key, err)
		}
		out[strings.TrimPrefix(key, r.Prefix+":")] = ids
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", r.Prefix, err)
	}
	return out, nil
}

func (r *Redis) Add(ctx context.Context, sourceID, itemID string) error {
	return r.Client.SAdd(ctx, r.key(sourceID), itemID).Err()
}

func (r *Redis) Close() error {
	return r.Client.Close()
}
