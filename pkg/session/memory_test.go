package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetGetDestroy(t *testing.T) {
	s := NewMemoryStore(10, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "sid", "oidc", []byte("state"), time.Minute))

	v, err := s.Get(ctx, "sid", "oidc")
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), v)

	_, err = s.Get(ctx, "other", "oidc")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Destroy(ctx, "sid", "oidc"))
	_, err = s.Get(ctx, "sid", "oidc")
	assert.ErrorIs(t, err, ErrNotFound)

	// Destroying twice is fine
	require.NoError(t, s.Destroy(ctx, "sid", "oidc"))
}

func TestMemoryStore_EntryTTL(t *testing.T) {
	s := NewMemoryStore(10, time.Hour)
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "sid", "k", []byte("v"), time.Minute))

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err := s.Get(ctx, "sid", "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, s.Len())
}

func TestMemoryStore_CopiesValue(t *testing.T) {
	s := NewMemoryStore(10, time.Hour)
	ctx := context.Background()

	value := []byte("abc")
	require.NoError(t, s.Set(ctx, "sid", "k", value, time.Minute))
	value[0] = 'x'

	v, err := s.Get(ctx, "sid", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), v)
}

func TestMemoryStore_Bounded(t *testing.T) {
	s := NewMemoryStore(2, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "k", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "b", "k", []byte("2"), time.Minute))
	require.NoError(t, s.Set(ctx, "c", "k", []byte("3"), time.Minute))

	assert.Equal(t, 2, s.Len())
	_, err := s.Get(ctx, "a", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}
