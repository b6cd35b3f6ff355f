// ABOUTME: Store interface for control plane persistence
// ABOUTME: Key/value records plus named member sets, with JSON helpers and backend selection

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/opamp-gateway/internal/fleet"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = fleet.ErrNotFound

// ErrUnavailable is returned when the backend cannot be reached.
var ErrUnavailable = fleet.ErrStoreUnavailable

// Store is the persistence contract consumed by every component. Values
// are opaque bytes; sets are unordered collections of member strings.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// PutIfAbsent writes value only when key does not exist and reports
	// whether the write happened.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	Delete(ctx context.Context, key string) error

	AddMember(ctx context.Context, set, member string) error
	RemoveMember(ctx context.Context, set, member string) error
	// Members returns the set's members in ascending order.
	Members(ctx context.Context, set string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Drivers accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Driver        string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Open constructs the backend named by opts.Driver.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		return NewSQLiteStore(ctx, opts.Path, logger)
	case DriverRedis:
		return NewRedisStore(ctx, RedisOptions{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			Prefix:   opts.RedisPrefix,
		}, logger)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}
}

// GetJSON loads key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// PutJSONIfAbsent encodes v and stores it only if key is free.
func PutJSONIfAbsent(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.PutIfAbsent(ctx, key, data)
}

// LoadSet decodes every record whose id is a member of set. Members whose
// record is missing are skipped.
func LoadSet[T any](ctx context.Context, s Store, set, keyPrefix string) ([]*T, error) {
	ids, err := s.Members(ctx, set)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", set, err)
	}
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		var v T
		if err := GetJSON(ctx, s, keyPrefix+id, &v); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &v)
	}
	return out, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

var errOutage = errors.New("simulated outage")
