// ABOUTME: Contract tests run against every Store backend
// ABOUTME: SQLite uses a temp file, Redis runs against miniredis

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	sqlite, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	mr := miniredis.RunT(t)
	rs, err := NewRedisStore(ctx, RedisOptions{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
		"redis":  rs,
	}
}

func TestStore_GetPutDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "config:missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, "config:1", []byte("v1")))
			got, err := s.Get(ctx, "config:1")
			require.NoError(t, err)
			assert.Equal(t, "v1", string(got))

			require.NoError(t, s.Put(ctx, "config:1", []byte("v2")))
			got, err = s.Get(ctx, "config:1")
			require.NoError(t, err)
			assert.Equal(t, "v2", string(got))

			require.NoError(t, s.Delete(ctx, "config:1"))
			_, err = s.Get(ctx, "config:1")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Delete(ctx, "config:1"), "deleting a missing key is not an error")
		})
	}
}

func TestStore_PutIfAbsent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := s.PutIfAbsent(ctx, "claim", []byte("first"))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.PutIfAbsent(ctx, "claim", []byte("second"))
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := s.Get(ctx, "claim")
			require.NoError(t, err)
			assert.Equal(t, "first", string(got))
		})
	}
}

func TestStore_PutIfAbsentConcurrent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.PutIfAbsent(ctx, "race", []byte(fmt.Sprint(i)))
					if err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestStore_Sets(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			members, err := s.Members(ctx, "agents")
			require.NoError(t, err)
			assert.Empty(t, members)

			require.NoError(t, s.AddMember(ctx, "agents", "b"))
			require.NoError(t, s.AddMember(ctx, "agents", "a"))
			require.NoError(t, s.AddMember(ctx, "agents", "a"))

			members, err = s.Members(ctx, "agents")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, members)

			require.NoError(t, s.RemoveMember(ctx, "agents", "a"))
			members, err = s.Members(ctx, "agents")
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, members)
		})
	}
}

type record struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestLoadSet_SkipsMissingRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, PutJSON(ctx, s, "env:e1", record{ID: "e1", Name: "prod"}))
	require.NoError(t, s.AddMember(ctx, "environments", "e1"))
	require.NoError(t, s.AddMember(ctx, "environments", "ghost"))

	got, err := LoadSet[record](ctx, s, "environments", "env:")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "prod", got[0].Name)
}

func TestMemoryStore_Outage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "k", []byte("v")))

	s.SetUnavailable(true)
	_, err := s.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.ErrorIs(t, s.Ping(ctx), ErrUnavailable)

	s.SetUnavailable(false)
	_, err = s.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestOpen_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Driver: DriverMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Options{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "gw.db")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Driver: "cassandra"}, nil)
	assert.Error(t, err)
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")
	s, err := NewSQLiteStore(context.Background(), path, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.FileExists(t, path)
}
