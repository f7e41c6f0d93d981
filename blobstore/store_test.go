package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemory(),
		"local":  local,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, "seg/1/delta.bin", []byte("hello")))

			got, err := s.Get(ctx, "seg/1/delta.bin")
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), got)

			// Overwrite replaces whole object.
			require.NoError(t, s.Put(ctx, "seg/1/delta.bin", []byte("world")))
			got, err = s.Get(ctx, "seg/1/delta.bin")
			require.NoError(t, err)
			assert.Equal(t, []byte("world"), got)
		})
	}
}

func TestStoreNotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, "a", []byte("x")))
			require.NoError(t, s.Delete(ctx, "a"))
			_, err := s.Get(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting a missing object is fine.
			assert.NoError(t, s.Delete(ctx, "a"))
		})
	}
}

func TestStoreList(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, "seg/1/delta.bin", []byte("a")))
			require.NoError(t, s.Put(ctx, "seg/1/vectors.bin", []byte("b")))
			require.NoError(t, s.Put(ctx, "seg/2/delta.bin", []byte("c")))

			names, err := s.List(ctx, "seg/1/")
			require.NoError(t, err)
			assert.Equal(t, []string{"seg/1/delta.bin", "seg/1/vectors.bin"}, names)

			all, err := s.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", []byte("abc")))
	got, _ := s.Get(ctx, "a")
	got[0] = 'z'
	again, _ := s.Get(ctx, "a")
	assert.Equal(t, []byte("abc"), again)
}
