// ABOUTME: Redis implementation of the Store interface using go-redis
// ABOUTME: Records are plain string keys, sets are native Redis sets, all under a key prefix

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// Timeout bounds each individual command.
	Timeout time.Duration
}

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = "opamp:"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, unavailable("connecting to redis", err)
	}

	logger.With("component", "store").Info("Redis store initialized", "addr", opts.Addr, "db", opts.DB)
	return &RedisStore{
		client:  client,
		logger:  logger.With("component", "store"),
		prefix:  opts.Prefix,
		timeout: opts.Timeout,
	}, nil
}

func (r *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get "+key, err)
	}
	return data, nil
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return unavailable("put "+key, err)
	}
	return nil
}

// PutIfAbsent implements Store.
func (r *RedisStore) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	ok, err := r.client.SetNX(ctx, r.prefix+key, value, 0).Result()
	if err != nil {
		return false, unavailable("put-if-absent "+key, err)
	}
	return ok, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return unavailable("delete "+key, err)
	}
	return nil
}

// AddMember implements Store.
func (r *RedisStore) AddMember(ctx context.Context, set, member string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.SAdd(ctx, r.prefix+set, member).Err(); err != nil {
		return unavailable("add member to "+set, err)
	}
	return nil
}

// RemoveMember implements Store.
func (r *RedisStore) RemoveMember(ctx context.Context, set, member string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.SRem(ctx, r.prefix+set, member).Err(); err != nil {
		return unavailable("remove member from "+set, err)
	}
	return nil
}

// Members implements Store.
func (r *RedisStore) Members(ctx context.Context, set string) ([]string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	members, err := r.client.SMembers(ctx, r.prefix+set).Result()
	if err != nil {
		return nil, unavailable("members of "+set, err)
	}
	slices.Sort(members)
	return members, nil
}

// Ping implements Store.
func (r *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
