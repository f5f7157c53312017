package client_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zlnvch/docsync/cache/memory"
	"github.com/zlnvch/docsync/client"
	"github.com/zlnvch/docsync/crdt/lww"
	"github.com/zlnvch/docsync/cryptox"
	"github.com/zlnvch/docsync/localstore"
	lsmemory "github.com/zlnvch/docsync/localstore/memory"
	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/presence"
	"github.com/zlnvch/docsync/scheduler"
	"github.com/zlnvch/docsync/service"
	"github.com/zlnvch/docsync/store/memstore"
	"github.com/zlnvch/docsync/syncerr"
)

const heartbeatEvery = 10 * time.Second

// serviceRemote calls the service in-process as one authenticated device.
type serviceRemote struct {
	svc      *service.Service
	userId   string
	deviceId string

	// offline makes every call fail like an unreachable server
	offline    atomic.Bool
	appends    atomic.Int32
	docKeys    atomic.Int32
	masterKeys atomic.Int32
	// hold, when set before use, keeps Append waiting until it is closed
	hold chan struct{}
}

func (r *serviceRemote) down() error {
	if r.offline.Load() {
		return syncerr.ErrTransient
	}
	return nil
}

func (r *serviceRemote) Append(ctx context.Context, req client.AppendRequest) (models.Delta, error) {
	r.appends.Add(1)
	if r.hold != nil {
		select {
		case <-r.hold:
		case <-ctx.Done():
			return models.Delta{}, ctx.Err()
		}
	}
	if err := r.down(); err != nil {
		return models.Delta{}, err
	}
	return r.svc.Append(ctx, service.AppendParams{
		DocumentId: req.DocumentId,
		UserId:     r.userId,
		ClientId:   req.ClientId,
		Op:         req.Op,
		Payload:    req.Payload,
	})
}

func (r *serviceRemote) FetchSince(ctx context.Context, documentId string, fromSeq int64) (models.FetchResult, error) {
	if err := r.down(); err != nil {
		return models.FetchResult{}, err
	}
	return r.svc.FetchSince(ctx, r.userId, documentId, fromSeq)
}

func (r *serviceRemote) CommitSnapshot(ctx context.Context, snapshot models.Snapshot) error {
	if err := r.down(); err != nil {
		return err
	}
	return r.svc.CommitSnapshot(ctx, r.userId, snapshot)
}

func (r *serviceRemote) Heartbeat(ctx context.Context, params presence.HeartbeatParams) (models.Session, error) {
	if err := r.down(); err != nil {
		return models.Session{}, err
	}
	return r.svc.Heartbeat(ctx, r.userId, params)
}

func (r *serviceRemote) Leave(ctx context.Context, documentId string, clientId string) error {
	if err := r.down(); err != nil {
		return err
	}
	return r.svc.LeaveDocument(ctx, r.userId, documentId, clientId)
}

func (r *serviceRemote) GetWrappedMasterKey(ctx context.Context) (models.WrappedMasterKey, error) {
	r.masterKeys.Add(1)
	if err := r.down(); err != nil {
		return models.WrappedMasterKey{}, err
	}
	return r.svc.GetWrappedMasterKey(ctx, r.userId, r.deviceId)
}

func (r *serviceRemote) GetDocKey(ctx context.Context, documentId string) (models.DocKey, error) {
	r.docKeys.Add(1)
	if err := r.down(); err != nil {
		return models.DocKey{}, err
	}
	return r.svc.GetDocKey(ctx, documentId, r.userId)
}

type env struct {
	svc   *service.Service
	store *memstore.MemStore
	cache *memory.MemoryCache
	sched *scheduler.Manual
}

// openReads lets anyone fetch ciphertext while writes still need a key.
type openReads struct {
	service.DocKeyAuthorizer
}

func (openReads) AuthorizeRead(context.Context, string, string) error { return nil }

func setupEnv(t *testing.T, readsOpen bool, opts ...service.Option) *env {
	t.Helper()
	st := memstore.New()
	c := memory.New()
	sched := scheduler.NewManual()
	tracker := presence.NewTracker(c, sched, logger.Nop())
	if readsOpen {
		opts = append([]service.Option{service.WithHooks(service.Hooks{
			Authorizer: openReads{service.DocKeyAuthorizer{Ledger: st}},
		})}, opts...)
	}
	svc, err := service.NewService(st, c, tracker, nil, nil, []byte("secret"), logger.Nop(), opts...)
	require.NoError(t, err)
	return &env{svc: svc, store: st, cache: c, sched: sched}
}

type user struct {
	id        string
	deviceId  string
	masterKey []byte
	device    *cryptox.DeviceKeyPair
}

// newUser bootstraps a user whose first device holds a real wrapped master key.
func (e *env) newUser(t *testing.T, userId string) *user {
	t.Helper()
	master, err := cryptox.GenerateKey()
	require.NoError(t, err)
	masterPub, err := cryptox.MasterPublicKey(master)
	require.NoError(t, err)
	device, err := cryptox.GenerateDeviceKeyPair()
	require.NoError(t, err)
	wrapped, err := cryptox.WrapForDevice(master, device.PublicBytes())
	require.NoError(t, err)

	u := &user{id: userId, deviceId: userId + "-d1", masterKey: master, device: device}
	_, err = e.svc.RegisterDevice(context.Background(), service.RegisterDeviceParams{
		UserId:           u.id,
		DeviceId:         u.deviceId,
		PublicKey:        device.PublicBytes(),
		MasterPublicKey:  masterPub,
		WrappedMasterKey: wrapped,
	})
	require.NoError(t, err)
	return u
}

// share wraps contentKey for the grantee's published key and grants it.
func (e *env) share(t *testing.T, documentId string, granter *user, grantee *user, contentKey []byte) {
	t.Helper()
	ctx := context.Background()
	uk, err := e.svc.GetUserKey(ctx, grantee.id)
	require.NoError(t, err)
	wrapped, err := cryptox.WrapDocKey(uk.PublicKey, contentKey, documentId, grantee.id)
	require.NoError(t, err)
	_, err = e.svc.GrantDocumentAccess(ctx, service.GrantParams{
		DocumentId:        documentId,
		GranterUserId:     granter.id,
		UserId:            grantee.id,
		WrappedContentKey: wrapped,
	})
	require.NoError(t, err)
}

type device struct {
	client *client.Client
	remote *serviceRemote
	local  localstore.Store
}

func (e *env) newDevice(t *testing.T, u *user, local localstore.Store, tweaks ...func(*client.Deps)) *device {
	t.Helper()
	remote := &serviceRemote{svc: e.svc, userId: u.id, deviceId: u.deviceId}
	if local == nil {
		local = lsmemory.New()
	}
	deps := client.Deps{
		Remote:            remote,
		Keys:              client.NewKeyring(u.id, u.device, remote),
		Store:             local,
		NewDoc:            lww.Factory,
		Scheduler:         e.sched,
		Log:               logger.Nop(),
		ClientId:          u.id + "-client",
		HeartbeatInterval: heartbeatEvery,
		Retry:             client.RetryPolicy{Retries: 2, Base: time.Millisecond, Max: 5 * time.Millisecond},
	}
	for _, tweak := range tweaks {
		tweak(&deps)
	}
	c, err := client.New(deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &device{client: c, remote: remote, local: local}
}

// set writes key=value through the replica the way an editor would.
func set(t *testing.T, r *client.Replica, actor string, key string, value string) (models.Delta, error) {
	t.Helper()
	view, ok := r.View().(*lww.Map)
	require.True(t, ok)
	update, err := view.Set(actor, key, value)
	require.NoError(t, err)
	return r.Edit(context.Background(), models.OpUpdate, update)
}

func get(t *testing.T, r *client.Replica, key string) (string, bool) {
	t.Helper()
	view, ok := r.View().(*lww.Map)
	require.True(t, ok)
	raw, ok := view.Get(key)
	if !ok {
		return "", false
	}
	return string(raw), true
}
