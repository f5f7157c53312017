package memstore

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/store"
)

func TestAppendDelta_ConcurrentSeqsAreDistinctAndGapless(t *testing.T) {
	s := New()
	ctx := context.Background()

	const writers = 16
	const perWriter = 25

	var wg sync.WaitGroup
	seqs := make(chan int64, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				d, err := s.AppendDelta(ctx, models.Delta{DocumentId: "D", Payload: []byte("x")})
				assert.NoError(t, err)
				seqs <- d.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	var got []int64
	for seq := range seqs {
		got = append(got, seq)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Len(t, got, writers*perWriter)
	for i, seq := range got {
		assert.Equal(t, int64(i+1), seq)
	}

	deltas, err := s.GetDeltas(ctx, "D", 0, 0)
	require.NoError(t, err)
	for i := 1; i < len(deltas); i++ {
		assert.Less(t, deltas[i-1].Seq, deltas[i].Seq)
	}
}

func TestPutSnapshot_NonDecreasing(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := s.AppendDelta(ctx, models.Delta{DocumentId: "D"})
		require.NoError(t, err)
	}

	require.NoError(t, s.PutSnapshot(ctx, models.Snapshot{DocumentId: "D", Seq: 5}))
	assert.ErrorIs(t, s.PutSnapshot(ctx, models.Snapshot{DocumentId: "D", Seq: 5}), store.ErrConditionFailed)
	assert.ErrorIs(t, s.PutSnapshot(ctx, models.Snapshot{DocumentId: "D", Seq: 3}), store.ErrConditionFailed)
	assert.ErrorIs(t, s.PutSnapshot(ctx, models.Snapshot{DocumentId: "D", Seq: 9}), store.ErrConditionFailed)

	snap, err := s.GetLatestSnapshot(ctx, "D")
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Seq)
}

func TestPruneDeltas(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := s.AppendDelta(ctx, models.Delta{DocumentId: "D"})
		require.NoError(t, err)
	}

	n, err := s.PruneDeltas(ctx, "D", 4)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is pruned without a committed snapshot")

	require.NoError(t, s.PutSnapshot(ctx, models.Snapshot{DocumentId: "D", Seq: 4}))
	n, err = s.PruneDeltas(ctx, "D", 6)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "pruning is clamped to the snapshot seq")

	deltas, err := s.GetDeltas(ctx, "D", 0, 0)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, int64(5), deltas[0].Seq)

	latest, err := s.GetLatestSeq(ctx, "D")
	require.NoError(t, err)
	assert.Equal(t, int64(6), latest, "pruning never rewinds the allocator")
}

func TestApproveDevice_Conditions(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := models.Device{UserId: "u", DeviceId: "d1", PublicKey: []byte("pk1"), Approved: true}
	require.NoError(t, s.BootstrapUser(ctx, models.UserKey{UserId: "u"}, first, models.WrappedMasterKey{UserId: "u", DeviceId: "d1"}))
	assert.ErrorIs(t, s.BootstrapUser(ctx, models.UserKey{UserId: "u"}, first, models.WrappedMasterKey{}), store.ErrConditionFailed)

	pending := models.Device{UserId: "u", DeviceId: "d2", PublicKey: []byte("pk2")}
	_, created, err := s.CreateDevice(ctx, pending)
	require.NoError(t, err)
	assert.True(t, created)

	// Unapproved approver
	err = s.ApproveDevice(ctx, "d2", pending, models.WrappedMasterKey{UserId: "u", DeviceId: "d2"})
	assert.ErrorIs(t, err, store.ErrConditionFailed)

	// Public key mismatch
	swapped := pending
	swapped.PublicKey = []byte("evil")
	err = s.ApproveDevice(ctx, "d1", swapped, models.WrappedMasterKey{UserId: "u", DeviceId: "d2"})
	assert.ErrorIs(t, err, store.ErrConditionFailed)

	require.NoError(t, s.ApproveDevice(ctx, "d1", pending, models.WrappedMasterKey{UserId: "u", DeviceId: "d2"}))
	wmks, err := s.ListWrappedMasterKeys(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, wmks, 2)

	require.NoError(t, s.RevokeDevice(ctx, "u", "d2", 100))
	d2, err := s.GetDevice(ctx, "u", "d2")
	require.NoError(t, err)
	assert.False(t, d2.Approved)
	assert.Equal(t, int64(100), d2.Revoked)
	_, err = s.GetWrappedMasterKey(ctx, "u", "d2")
	assert.ErrorIs(t, err, store.ErrItemNotFound)
}

func TestPutDocKey_ReturnsExisting(t *testing.T) {
	s := New()
	ctx := context.Background()

	k, created, err := s.PutDocKey(ctx, models.DocKey{DocumentId: "D", UserId: "u", Wrapped: []byte("a")})
	require.NoError(t, err)
	assert.True(t, created)

	existing, created, err := s.PutDocKey(ctx, models.DocKey{DocumentId: "D", UserId: "u", Wrapped: []byte("b")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, k.Wrapped, existing.Wrapped)

	require.NoError(t, s.DeleteDocKey(ctx, "D", "u"))
	assert.ErrorIs(t, s.DeleteDocKey(ctx, "D", "u"), store.ErrItemNotFound)
}
