package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/docsync/localstore"
)

func TestStore_GetSetDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, localstore.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	// returned slices are copies
	v[0] = 'x'
	again, _ := s.Get(ctx, "k")
	assert.Equal(t, []byte("v"), again)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestStore_ListIsOrderedByKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Batch(ctx, []localstore.Op{
		{Key: "doc/a/pending/2", Value: []byte("2")},
		{Key: "doc/a/pending/1", Value: []byte("1")},
		{Key: "doc/b/pending/1", Value: []byte("x")},
	}))

	entries, err := s.List(ctx, "doc/a/pending/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "doc/a/pending/1", entries[0].Key)
	assert.Equal(t, "doc/a/pending/2", entries[1].Key)
}

func TestStore_FailWritesIsAllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.FailWrites = errors.New("disk full")

	err := s.Batch(ctx, []localstore.Op{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}})
	assert.Error(t, err)

	s.FailWrites = nil
	entries, _ := s.List(ctx, "")
	assert.Empty(t, entries)
}
