package service_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/docsync/cache/memory"
	cachemocks "github.com/zlnvch/docsync/cache/mocks"
	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/presence"
	"github.com/zlnvch/docsync/scheduler"
	"github.com/zlnvch/docsync/service"
	"github.com/zlnvch/docsync/store/memstore"
	storemocks "github.com/zlnvch/docsync/store/mocks"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time { return fixedNow }

func setupService(t *testing.T, opts ...service.Option) (*service.Service, *storemocks.MockStore, *cachemocks.MockCache) {
	mockStore := new(storemocks.MockStore)
	mockCache := new(cachemocks.MockCache)

	opts = append([]service.Option{service.WithClock(fixedClock)}, opts...)
	svc, err := service.NewService(
		mockStore,
		mockCache,
		nil,
		nil,
		nil,
		[]byte("secret"),
		logger.Nop(),
		opts...,
	)
	assert.NoError(t, err)

	return svc, mockStore, mockCache
}

// Helper that creates a channel and wraps a mock call to signal when it's called
func wrapMockWithSignal(call *mock.Call) chan struct{} {
	done := make(chan struct{})
	call.Run(func(args mock.Arguments) {
		close(done)
	})
	return done
}

func waitFor(t *testing.T, done chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for "+what)
	}
}

// memEnv runs the service against the in-memory backend.
type memEnv struct {
	svc   *service.Service
	store *memstore.MemStore
	cache *memory.MemoryCache
	sched *scheduler.Manual
}

func setupMemService(t *testing.T, opts ...service.Option) *memEnv {
	t.Helper()
	st := memstore.New()
	c := memory.New()
	sched := scheduler.NewManual()
	tracker := presence.NewTracker(c, sched, logger.Nop(),
		presence.WithObserver(service.PresencePublisher{Cache: c, Log: logger.Nop()}))

	opts = append([]service.Option{service.WithClock(fixedClock)}, opts...)
	svc, err := service.NewService(st, c, tracker, nil, nil, []byte("secret"), logger.Nop(), opts...)
	require.NoError(t, err)
	return &memEnv{svc: svc, store: st, cache: c, sched: sched}
}

func randomKey(t *testing.T) []byte {
	t.Helper()
	b := make([]byte, 32)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// registerUser bootstraps the user with a first device named "<user>-d1".
func (e *memEnv) registerUser(t *testing.T, userId string) string {
	t.Helper()
	deviceId := userId + "-d1"
	_, err := e.svc.RegisterDevice(context.Background(), service.RegisterDeviceParams{
		UserId:           userId,
		DeviceId:         deviceId,
		PublicKey:        randomKey(t),
		MasterPublicKey:  randomKey(t),
		WrappedMasterKey: []byte("wmk-" + deviceId),
	})
	require.NoError(t, err)
	return deviceId
}

func (e *memEnv) grant(t *testing.T, documentId string, granterUserId string, userId string) {
	t.Helper()
	_, err := e.svc.GrantDocumentAccess(context.Background(), service.GrantParams{
		DocumentId:        documentId,
		GranterUserId:     granterUserId,
		UserId:            userId,
		WrappedContentKey: []byte("dk-" + documentId + "-" + userId),
	})
	require.NoError(t, err)
}

func (e *memEnv) appendN(t *testing.T, documentId string, userId string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := e.svc.Append(context.Background(), service.AppendParams{
			DocumentId: documentId,
			UserId:     userId,
			ClientId:   "c-" + userId,
			Payload:    []byte{byte('a' + i%26)},
		})
		require.NoError(t, err)
	}
}
