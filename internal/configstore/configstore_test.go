// ABOUTME: Tests for the versioned configuration store
// ABOUTME: Covers versioning, activation, validation, hashing and store outages

package configstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opamp-gateway/internal/fleet"
	"github.com/2389/opamp-gateway/internal/store"
)

const otlpConfig = `receivers:
  otlp:
    protocols:
      grpc:
        endpoint: 0.0.0.0:4317
exporters:
  otlp:
    endpoint: ${OTEL_EXPORTER_ENDPOINT}
`

func setupTestStore(t *testing.T) (*Store, *store.MemoryStore) {
	t.Helper()
	kv := store.NewMemoryStore()
	return New(kv, nil), kv
}

func TestHash_IsPure(t *testing.T) {
	assert.Equal(t, Hash(otlpConfig), Hash(otlpConfig))
	assert.NotEqual(t, Hash(otlpConfig), Hash(otlpConfig+"\n"))
	assert.Len(t, Hash(""), 64)
}

func TestCreate(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	cfg, err := s.Create(ctx, CreateParams{
		Name:    "basic-otlp",
		Content: otlpConfig,
		Labels:  map[string]string{"tier": "application"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, fleet.StatusDraft, cfg.Status)
	assert.Equal(t, Hash(otlpConfig), cfg.ContentHash)
	assert.NotEmpty(t, cfg.ID)

	_, err = s.Create(ctx, CreateParams{Name: "basic-otlp", Content: otlpConfig})
	assert.True(t, fleet.IsConflict(err), "duplicate name must conflict, got %v", err)
}

func TestCreate_Validation(t *testing.T) {
	s := New(store.NewMemoryStore(), nil, WithMaxContentBytes(64))
	ctx := context.Background()

	tests := []struct {
		name    string
		params  CreateParams
		wantErr string
	}{
		{"empty name", CreateParams{Name: "  ", Content: "a: 1"}, "name"},
		{"empty content", CreateParams{Name: "x", Content: ""}, "content"},
		{"bad yaml", CreateParams{Name: "x", Content: "a: [1, 2"}, "invalid YAML"},
		{"too large", CreateParams{Name: "x", Content: "a: " + string(make([]byte, 100))}, "exceeds"},
		{"colon in name", CreateParams{Name: "a:b", Content: "a: 1"}, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(ctx, tt.params)
			require.Error(t, err)
			assert.True(t, fleet.IsValidation(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewVersion_StrictlyIncreasing(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateParams{Name: "gw", Content: "a: 1", Description: "gateway"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.NewVersion(ctx, "gw", "a: "+string(rune('b'+i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	versions, err := s.ListByName("gw")
	require.NoError(t, err)
	require.Len(t, versions, 11)
	for i, v := range versions {
		assert.Equal(t, i+1, v.Version)
		assert.Equal(t, "gateway", v.Description)
	}
}

func TestNewVersion_UnknownName(t *testing.T) {
	s, _ := setupTestStore(t)
	_, err := s.NewVersion(context.Background(), "nope", "a: 1")
	assert.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestNewVersion_ConcurrentWriterConflict(t *testing.T) {
	kv := store.NewMemoryStore()
	ctx := context.Background()

	a := New(kv, nil)
	_, err := a.Create(ctx, CreateParams{Name: "gw", Content: "a: 1"})
	require.NoError(t, err)

	b := New(kv, nil)
	require.NoError(t, b.Load(ctx))

	_, err = a.NewVersion(ctx, "gw", "a: 2")
	require.NoError(t, err)

	// b has not seen version 2 and tries to claim the same slot.
	_, err = b.NewVersion(ctx, "gw", "a: 3")
	assert.True(t, fleet.IsConflict(err), "expected conflict, got %v", err)
}

func TestActivate_DemotesPrevious(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	v1, err := s.Create(ctx, CreateParams{Name: "gw", Content: "a: 1"})
	require.NoError(t, err)
	v2, err := s.NewVersion(ctx, "gw", "a: 2")
	require.NoError(t, err)

	_, err = s.Activate(ctx, v1.ID)
	require.NoError(t, err)
	active, err := s.Active("gw")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)

	_, err = s.Activate(ctx, v2.ID)
	require.NoError(t, err)

	active, err = s.Active("gw")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	old, err := s.Get(v1.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusArchived, old.Status)

	assert.Len(t, s.List(fleet.StatusActive), 1)
}

func TestActivate_Idempotent(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	v1, err := s.Create(ctx, CreateParams{Name: "gw", Content: "a: 1"})
	require.NoError(t, err)
	first, err := s.Activate(ctx, v1.ID)
	require.NoError(t, err)
	second, err := s.Activate(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestArchive(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	v1, err := s.Create(ctx, CreateParams{Name: "gw", Content: "a: 1"})
	require.NoError(t, err)
	_, err = s.Activate(ctx, v1.ID)
	require.NoError(t, err)

	_, err = s.Archive(ctx, v1.ID)
	require.NoError(t, err)

	_, err = s.Active("gw")
	assert.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestStoreOutage_ReadsServedWritesFail(t *testing.T) {
	s, kv := setupTestStore(t)
	ctx := context.Background()

	v1, err := s.Create(ctx, CreateParams{Name: "gw", Content: "a: 1"})
	require.NoError(t, err)
	_, err = s.Activate(ctx, v1.ID)
	require.NoError(t, err)

	kv.SetUnavailable(true)

	active, err := s.Active("gw")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)

	_, err = s.NewVersion(ctx, "gw", "a: 2")
	assert.ErrorIs(t, err, fleet.ErrStoreUnavailable)

	versions, err := s.ListByName("gw")
	require.NoError(t, err)
	assert.Len(t, versions, 1, "failed write must not reach the index")
}

func TestLoad_RestoresIndex(t *testing.T) {
	kv := store.NewMemoryStore()
	ctx := context.Background()

	a := New(kv, nil)
	v1, err := a.Create(ctx, CreateParams{Name: "gw", Content: "a: 1"})
	require.NoError(t, err)
	v2, err := a.NewVersion(ctx, "gw", "a: 2")
	require.NoError(t, err)
	_, err = a.Activate(ctx, v2.ID)
	require.NoError(t, err)

	b := New(kv, nil)
	require.NoError(t, b.Load(ctx))

	got, err := b.Get(v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	active, err := b.Active("gw")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)
	assert.True(t, b.Exists("gw"))
}
