package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/docsync/cache"
	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/service"
	"github.com/zlnvch/docsync/store"
	"github.com/zlnvch/docsync/syncerr"
)

func docKey(documentId, userId string) models.DocKey {
	return models.DocKey{DocumentId: documentId, UserId: userId, Wrapped: []byte("dk")}
}

func TestAppend_Success(t *testing.T) {
	svc, mockStore, mockCache := setupService(t)
	ctx := context.Background()

	params := service.AppendParams{
		DocumentId: "doc1",
		UserId:     "user1",
		ClientId:   "client1",
		Op:         models.OpInsert,
		Payload:    []byte("ciphertext"),
	}

	mockStore.On("GetDocKey", ctx, "doc1", "user1").Return(docKey("doc1", "user1"), nil)
	mockStore.On("AppendDelta", ctx, mock.MatchedBy(func(d models.Delta) bool {
		return d.DocumentId == "doc1" && d.Seq == 0 && d.Op == models.OpInsert && d.Created == fixedNow.Unix()
	})).Return(models.Delta{
		DocumentId: "doc1",
		Seq:        7,
		Op:         models.OpInsert,
		ClientId:   "client1",
		UserId:     "user1",
		Payload:    []byte("ciphertext"),
		Created:    fixedNow.Unix(),
	}, nil)

	publishDone := wrapMockWithSignal(mockCache.On("Publish", mock.Anything, cache.DocEventsChannel, mock.MatchedBy(func(msg []byte) bool {
		var ev service.DocEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return false
		}
		return ev.Type == service.EventDeltaAppended && ev.Seq == 7 && ev.ClientId == "client1" && ev.Op == "insert"
	})).Return(nil))

	delta, err := svc.Append(ctx, params)
	assert.NoError(t, err)
	assert.Equal(t, int64(7), delta.Seq)

	waitFor(t, publishDone, "Publish")
	mockStore.AssertExpectations(t)
}

func TestAppend_Unauthorized(t *testing.T) {
	svc, mockStore, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetDocKey", ctx, "doc1", "intruder").Return(models.DocKey{}, store.ErrItemNotFound)

	_, err := svc.Append(ctx, service.AppendParams{
		DocumentId: "doc1",
		UserId:     "intruder",
		ClientId:   "c1",
		Payload:    []byte("x"),
	})
	assert.ErrorIs(t, err, syncerr.ErrUnauthorized)
	assert.False(t, syncerr.Retriable(err))
	mockStore.AssertNotCalled(t, "AppendDelta", mock.Anything, mock.Anything)
}

type vetoAuthorizer struct{}

func (vetoAuthorizer) AuthorizeWrite(context.Context, string, string) error {
	return errors.New("document is read-only")
}

func (vetoAuthorizer) AuthorizeRead(context.Context, string, string) error { return nil }

func TestAppend_CustomAuthorizerVeto(t *testing.T) {
	svc, mockStore, _ := setupService(t, service.WithHooks(service.Hooks{Authorizer: vetoAuthorizer{}}))

	_, err := svc.Append(context.Background(), service.AppendParams{
		DocumentId: "doc1",
		UserId:     "user1",
		ClientId:   "c1",
		Payload:    []byte("x"),
	})
	assert.ErrorIs(t, err, syncerr.ErrUnauthorized)
	assert.Contains(t, err.Error(), "read-only")
	mockStore.AssertNotCalled(t, "AppendDelta", mock.Anything, mock.Anything)
}

func TestAppend_Validation(t *testing.T) {
	svc, mockStore, _ := setupService(t, service.WithMaxPayloadBytes(8))
	ctx := context.Background()

	valid := service.AppendParams{DocumentId: "doc1", UserId: "user1", ClientId: "c1", Payload: []byte("x")}

	cases := map[string]func(p *service.AppendParams){
		"bad document id": func(p *service.AppendParams) { p.DocumentId = "DOC#1" },
		"empty user":      func(p *service.AppendParams) { p.UserId = "" },
		"empty client":    func(p *service.AppendParams) { p.ClientId = "" },
		"unknown op":      func(p *service.AppendParams) { p.Op = models.OpKind(9) },
		"empty payload":   func(p *service.AppendParams) { p.Payload = nil },
		"payload too big": func(p *service.AppendParams) { p.Payload = []byte(strings.Repeat("x", 9)) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := valid
			mutate(&p)
			_, err := svc.Append(ctx, p)
			assert.ErrorIs(t, err, syncerr.ErrInvalidArgument)
		})
	}
	mockStore.AssertNotCalled(t, "GetDocKey", mock.Anything, mock.Anything, mock.Anything)
}

func TestAppend_ContentionIsTransient(t *testing.T) {
	svc, mockStore, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetDocKey", ctx, "doc1", "user1").Return(docKey("doc1", "user1"), nil)
	mockStore.On("AppendDelta", ctx, mock.Anything).Return(models.Delta{}, store.ErrContention)

	_, err := svc.Append(ctx, service.AppendParams{DocumentId: "doc1", UserId: "user1", ClientId: "c1", Payload: []byte("x")})
	assert.ErrorIs(t, err, syncerr.ErrTransient)
	assert.True(t, syncerr.Retriable(err))
}

type recordingLifecycle struct {
	mu   sync.Mutex
	ops  []string
	done chan struct{}
}

func (l *recordingLifecycle) record(op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
	close(l.done)
	return nil
}

func (l *recordingLifecycle) OnInsert(context.Context, models.Delta) error { return l.record("insert") }
func (l *recordingLifecycle) OnUpdate(context.Context, models.Delta) error { return l.record("update") }
func (l *recordingLifecycle) OnRemove(context.Context, models.Delta) error { return l.record("remove") }

func TestAppend_RunsLifecycleHookByOpKind(t *testing.T) {
	lifecycle := &recordingLifecycle{done: make(chan struct{})}
	env := setupMemService(t, service.WithHooks(service.Hooks{Lifecycle: lifecycle}))
	env.registerUser(t, "alice")
	env.grant(t, "doc1", "alice", "alice")

	_, err := env.svc.Append(context.Background(), service.AppendParams{
		DocumentId: "doc1", UserId: "alice", ClientId: "c1", Op: models.OpRemove, Payload: []byte("x"),
	})
	require.NoError(t, err)

	waitFor(t, lifecycle.done, "lifecycle hook")
	lifecycle.mu.Lock()
	defer lifecycle.mu.Unlock()
	assert.Equal(t, []string{"remove"}, lifecycle.ops)
}

func TestAppend_ConcurrentAppendsGetDistinctSeqs(t *testing.T) {
	env := setupMemService(t)
	env.registerUser(t, "alice")
	env.grant(t, "doc1", "alice", "alice")

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	seqs := make(chan int64, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				d, err := env.svc.Append(context.Background(), service.AppendParams{
					DocumentId: "doc1", UserId: "alice", ClientId: "c1", Payload: []byte("x"),
				})
				if !assert.NoError(t, err) {
					return
				}
				seqs <- d.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "seq %d assigned twice", seq)
		seen[seq] = true
	}
	require.Len(t, seen, writers*perWriter)
	for seq := int64(1); seq <= writers*perWriter; seq++ {
		assert.True(t, seen[seq], "gap at seq %d", seq)
	}
}

func TestFetchSince_RawDeltas(t *testing.T) {
	env := setupMemService(t)
	ctx := context.Background()
	env.registerUser(t, "alice")
	env.grant(t, "doc1", "alice", "alice")
	env.appendN(t, "doc1", "alice", 3)

	res, err := env.svc.FetchSince(ctx, "alice", "doc1", 1)
	require.NoError(t, err)
	assert.Nil(t, res.Snapshot)
	require.Len(t, res.Deltas, 2)
	assert.Equal(t, int64(2), res.Deltas[0].Seq)
	assert.Equal(t, int64(3), res.LatestSeq)

	res, err = env.svc.FetchSince(ctx, "alice", "doc1", 3)
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestFetchSince_Errors(t *testing.T) {
	env := setupMemService(t)
	ctx := context.Background()
	env.registerUser(t, "alice")
	env.registerUser(t, "bob")
	env.grant(t, "doc1", "alice", "alice")
	env.appendN(t, "doc1", "alice", 2)

	_, err := env.svc.FetchSince(ctx, "alice", "doc1", -1)
	assert.ErrorIs(t, err, syncerr.ErrInvalidArgument)

	_, err = env.svc.FetchSince(ctx, "alice", "doc1", 5)
	assert.ErrorIs(t, err, syncerr.ErrPrecondition)

	_, err = env.svc.FetchSince(ctx, "bob", "doc1", 0)
	assert.ErrorIs(t, err, syncerr.ErrUnauthorized)
}

func TestFetchSince_RetriesWhenPrunedBetweenReads(t *testing.T) {
	svc, mockStore, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetDocKey", ctx, "doc1", "user1").Return(docKey("doc1", "user1"), nil)
	mockStore.On("GetLatestSeq", ctx, "doc1").Return(int64(8), nil)

	// first pass: no snapshot yet, but the deltas were pruned by the time we read them
	mockStore.On("GetLatestSnapshot", ctx, "doc1").Return(models.Snapshot{}, store.ErrItemNotFound).Once()
	mockStore.On("GetDeltas", ctx, "doc1", int64(0), 0).Return([]models.Delta{{DocumentId: "doc1", Seq: 6}}, nil).Once()

	// second pass sees the snapshot that caused the prune
	snapshot := models.Snapshot{DocumentId: "doc1", Seq: 5, Payload: []byte("s")}
	mockStore.On("GetLatestSnapshot", ctx, "doc1").Return(snapshot, nil).Once()
	mockStore.On("GetDeltas", ctx, "doc1", int64(5), 0).Return([]models.Delta{
		{DocumentId: "doc1", Seq: 6}, {DocumentId: "doc1", Seq: 7}, {DocumentId: "doc1", Seq: 8},
	}, nil).Once()

	res, err := svc.FetchSince(ctx, "user1", "doc1", 0)
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, int64(5), res.Snapshot.Seq)
	assert.Len(t, res.Deltas, 3)
	assert.Equal(t, int64(8), res.LatestSeq)
	mockStore.AssertExpectations(t)
}

func TestFetchSince_GivesUpAsTransient(t *testing.T) {
	svc, mockStore, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetDocKey", ctx, "doc1", "user1").Return(docKey("doc1", "user1"), nil)
	mockStore.On("GetLatestSeq", ctx, "doc1").Return(int64(4), nil)
	mockStore.On("GetLatestSnapshot", ctx, "doc1").Return(models.Snapshot{}, store.ErrItemNotFound)
	mockStore.On("GetDeltas", ctx, "doc1", int64(0), 0).Return([]models.Delta{}, nil)

	_, err := svc.FetchSince(ctx, "user1", "doc1", 0)
	assert.ErrorIs(t, err, syncerr.ErrTransient)
	mockStore.AssertNumberOfCalls(t, "GetDeltas", 3)
}

func TestMaterialize_FoldsAndTransforms(t *testing.T) {
	var seen models.Materialized
	transform := func(ctx context.Context, userId string, doc models.Materialized) (models.Materialized, error) {
		seen = doc
		doc.DocumentId = "other"
		doc.Seq = 999
		doc.Payload = []byte("projected for " + userId)
		return doc, nil
	}
	env := setupMemService(t, service.WithHooks(service.Hooks{Transform: transform}))
	ctx := context.Background()
	env.registerUser(t, "alice")
	env.grant(t, "doc1", "alice", "alice")
	env.appendN(t, "doc1", "alice", 3)

	doc, err := env.svc.Materialize(ctx, "alice", "doc1")
	require.NoError(t, err)
	assert.Equal(t, "doc1", doc.DocumentId)
	assert.Equal(t, int64(3), doc.Seq)
	assert.Equal(t, "projected for alice", string(doc.Payload))

	parts, err := models.DecodeParts(seen.Payload)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, parts)
}

func TestMaterialize_EmptyDocument(t *testing.T) {
	env := setupMemService(t)
	env.registerUser(t, "alice")
	env.grant(t, "doc1", "alice", "alice")

	_, err := env.svc.Materialize(context.Background(), "alice", "doc1")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}
