package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/docsync/localstore"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetAndGet_InsertThenGet(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", []byte{0x01, 0x02}))

	v, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, v)
}

func TestGet_NotExists(t *testing.T) {
	s := setupStore(t)
	_, err := s.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestSet_UpsertOverwritesValue(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("old")))
	require.NoError(t, s.Set(ctx, "k", []byte("new")))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func TestList_PrefixIsLiteral(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Batch(ctx, []localstore.Op{
		{Key: "doc/a_1/pending/2", Value: []byte("2")},
		{Key: "doc/a_1/pending/1", Value: []byte("1")},
		{Key: "doc/ab1/pending/1", Value: []byte("x")},
		{Key: "doc/a%1/pending/1", Value: []byte("y")},
	}))

	entries, err := s.List(ctx, "doc/a_1/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "doc/a_1/pending/1", entries[0].Key)
	assert.Equal(t, "doc/a_1/pending/2", entries[1].Key)
}

func TestBatch_DeleteAndClear(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", []byte("1")))
	require.NoError(t, s.Batch(ctx, []localstore.Op{
		{Key: "a", Delete: true},
		{Key: "b", Value: []byte("2")},
	}))

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, localstore.ErrNotFound)

	require.NoError(t, s.Clear(ctx))
	entries, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBatch_CanceledContextWritesNothing(t *testing.T) {
	s := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Batch(ctx, []localstore.Op{{Key: "a", Value: []byte("1")}})
	assert.Error(t, err)

	entries, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunMigrations_Error(t *testing.T) {
	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })

	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	assert.EqualError(t, RunMigrations(context.Background(), db), "boom")
}
