package httpremote_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/docsync/api/rest"
	"github.com/zlnvch/docsync/cache/memory"
	"github.com/zlnvch/docsync/client"
	"github.com/zlnvch/docsync/client/httpremote"
	"github.com/zlnvch/docsync/crdt/lww"
	"github.com/zlnvch/docsync/cryptox"
	lsmemory "github.com/zlnvch/docsync/localstore/memory"
	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/presence"
	"github.com/zlnvch/docsync/scheduler"
	"github.com/zlnvch/docsync/service"
	"github.com/zlnvch/docsync/store/memstore"
	"github.com/zlnvch/docsync/syncerr"
)

type server struct {
	svc *service.Service
	srv *httptest.Server
}

func setupServer(t *testing.T) *server {
	t.Helper()
	c := memory.New()
	tracker := presence.NewTracker(c, scheduler.NewManual(), logger.Nop())
	svc, err := service.NewService(memstore.New(), c, tracker, nil, nil, []byte("secret"), logger.Nop())
	require.NoError(t, err)

	mux := http.NewServeMux()
	rest.NewHandler(svc, logger.Nop(), 0).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &server{svc: svc, srv: srv}
}

type account struct {
	userId   string
	deviceId string
	device   *cryptox.DeviceKeyPair
	remote   *httpremote.Remote
}

func (s *server) newAccount(t *testing.T, userId string) *account {
	t.Helper()
	master, err := cryptox.GenerateKey()
	require.NoError(t, err)
	masterPub, err := cryptox.MasterPublicKey(master)
	require.NoError(t, err)
	device, err := cryptox.GenerateDeviceKeyPair()
	require.NoError(t, err)
	wrapped, err := cryptox.WrapForDevice(master, device.PublicBytes())
	require.NoError(t, err)

	deviceId := userId + "-d1"
	_, err = s.svc.RegisterDevice(context.Background(), service.RegisterDeviceParams{
		UserId:           userId,
		DeviceId:         deviceId,
		PublicKey:        device.PublicBytes(),
		MasterPublicKey:  masterPub,
		WrappedMasterKey: wrapped,
	})
	require.NoError(t, err)

	token, err := s.svc.CreateJWT(userId, deviceId)
	require.NoError(t, err)
	return &account{
		userId:   userId,
		deviceId: deviceId,
		device:   device,
		remote:   httpremote.New(s.srv.URL, token, deviceId),
	}
}

func (s *server) share(t *testing.T, documentId string, granter *account, grantee *account, contentKey []byte) {
	t.Helper()
	ctx := context.Background()
	uk, err := s.svc.GetUserKey(ctx, grantee.userId)
	require.NoError(t, err)
	wrapped, err := cryptox.WrapDocKey(uk.PublicKey, contentKey, documentId, grantee.userId)
	require.NoError(t, err)
	_, err = s.svc.GrantDocumentAccess(ctx, service.GrantParams{
		DocumentId:        documentId,
		GranterUserId:     granter.userId,
		UserId:            grantee.userId,
		WrappedContentKey: wrapped,
	})
	require.NoError(t, err)
}

func (a *account) client(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.New(client.Deps{
		Remote:            a.remote,
		Keys:              client.NewKeyring(a.userId, a.device, a.remote),
		Store:             lsmemory.New(),
		NewDoc:            lww.Factory,
		Log:               logger.Nop(),
		HeartbeatInterval: -1,
		Retry:             client.RetryPolicy{Retries: 1, Base: time.Millisecond, Max: time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRemote_ReplicatesBetweenUsers(t *testing.T) {
	s := setupServer(t)
	ctx := context.Background()
	alice, bob := s.newAccount(t, "alice"), s.newAccount(t, "bob")
	ck, err := cryptox.GenerateKey()
	require.NoError(t, err)
	s.share(t, "D", alice, alice, ck)
	s.share(t, "D", alice, bob, ck)

	ra, err := alice.client(t).Open(ctx, "D")
	require.NoError(t, err)
	view := ra.View().(*lww.Map)
	update, err := view.Set("alice", "title", "over the wire")
	require.NoError(t, err)
	delta, err := ra.Edit(ctx, models.OpInsert, update)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delta.Seq)
	assert.Equal(t, models.OpInsert, delta.Op)

	rb, err := bob.client(t).Open(ctx, "D")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rb.Seq())
	raw, ok := rb.View().(*lww.Map).Get("title")
	require.True(t, ok)
	assert.JSONEq(t, `"over the wire"`, string(raw))
}

func TestRemote_CompactionThenFetch(t *testing.T) {
	s := setupServer(t)
	ctx := context.Background()
	alice := s.newAccount(t, "alice")
	s.share(t, "D", alice, alice, []byte("0123456789abcdef0123456789abcdef"))

	for i := 0; i < 5; i++ {
		_, err := alice.remote.Append(ctx, client.AppendRequest{DocumentId: "D", ClientId: "c1", Payload: []byte{byte(i)}})
		require.NoError(t, err)
	}

	compacted, seq, err := alice.remote.Compact(ctx, "D")
	require.NoError(t, err)
	assert.True(t, compacted)
	assert.Equal(t, int64(5), seq)

	result, err := alice.remote.FetchSince(ctx, "D", 0)
	require.NoError(t, err)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, int64(5), result.Snapshot.Seq)
	assert.Empty(t, result.Deltas)

	result, err = alice.remote.FetchSince(ctx, "D", 5)
	require.NoError(t, err)
	assert.True(t, result.Empty())

	_, err = alice.remote.Append(ctx, client.AppendRequest{DocumentId: "D", ClientId: "c1", Payload: []byte("six")})
	require.NoError(t, err)
	result, err = alice.remote.FetchSince(ctx, "D", 5)
	require.NoError(t, err)
	require.Len(t, result.Deltas, 1)
	assert.Equal(t, int64(6), result.Deltas[0].Seq)
	assert.Equal(t, []byte("six"), result.Deltas[0].Payload)
}

func TestRemote_ErrorClassesSurviveTheWire(t *testing.T) {
	s := setupServer(t)
	ctx := context.Background()
	alice, mallory := s.newAccount(t, "alice"), s.newAccount(t, "mallory")
	s.share(t, "D", alice, alice, []byte("0123456789abcdef0123456789abcdef"))

	_, err := mallory.remote.FetchSince(ctx, "D", 0)
	assert.ErrorIs(t, err, syncerr.ErrUnauthorized)

	_, err = alice.remote.FetchSince(ctx, "D", 7)
	assert.ErrorIs(t, err, syncerr.ErrPrecondition)

	_, err = mallory.remote.GetDocKey(ctx, "D")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	_, err = alice.remote.Append(ctx, client.AppendRequest{DocumentId: "D", ClientId: "c1"})
	assert.ErrorIs(t, err, syncerr.ErrInvalidArgument)

	bad := httpremote.New(s.srv.URL, "not-a-token", "alice-d1")
	_, err = bad.GetWrappedMasterKey(ctx)
	assert.ErrorIs(t, err, syncerr.ErrUnauthorized)
	assert.False(t, syncerr.Retriable(err))
}

func TestRemote_MasterKeyOfOwnDevice(t *testing.T) {
	s := setupServer(t)
	alice := s.newAccount(t, "alice")

	wmk, err := alice.remote.GetWrappedMasterKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice-d1", wmk.DeviceId)
	assert.NotEmpty(t, wmk.Wrapped)
}

func TestRemote_PresenceRoundTrip(t *testing.T) {
	s := setupServer(t)
	ctx := context.Background()
	alice := s.newAccount(t, "alice")
	s.share(t, "D", alice, alice, []byte("0123456789abcdef0123456789abcdef"))

	session, err := alice.remote.Heartbeat(ctx, presence.HeartbeatParams{DocumentId: "D", ClientId: "c1", AckSeq: 2, Cursor: []byte(`{"line":3}`)})
	require.NoError(t, err)
	assert.True(t, session.Connected)
	assert.Equal(t, "alice", session.UserId)
	assert.Equal(t, int64(2), session.AckSeq)

	require.NoError(t, alice.remote.Leave(ctx, "D", "c1"))
	sessions, err := s.svc.ListPresence(ctx, "alice", "D")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Connected)
}

func TestRemote_UnreachableServerIsTransient(t *testing.T) {
	s := setupServer(t)
	alice := s.newAccount(t, "alice")
	s.srv.Close()

	_, err := alice.remote.FetchSince(context.Background(), "D", 0)
	assert.ErrorIs(t, err, syncerr.ErrTransient)
	assert.True(t, syncerr.Retriable(err))
}
