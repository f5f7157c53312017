package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/docsync/models"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) AppendDelta(ctx context.Context, delta models.Delta) (models.Delta, error) {
	args := m.Called(ctx, delta)
	return args.Get(0).(models.Delta), args.Error(1)
}

func (m *MockStore) GetDeltas(ctx context.Context, documentId string, afterSeq int64, limit int) ([]models.Delta, error) {
	args := m.Called(ctx, documentId, afterSeq, limit)
	return args.Get(0).([]models.Delta), args.Error(1)
}

func (m *MockStore) GetLatestSeq(ctx context.Context, documentId string) (int64, error) {
	args := m.Called(ctx, documentId)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) PutSnapshot(ctx context.Context, snapshot models.Snapshot) error {
	args := m.Called(ctx, snapshot)
	return args.Error(0)
}

func (m *MockStore) GetLatestSnapshot(ctx context.Context, documentId string) (models.Snapshot, error) {
	args := m.Called(ctx, documentId)
	return args.Get(0).(models.Snapshot), args.Error(1)
}

func (m *MockStore) PruneDeltas(ctx context.Context, documentId string, uptoSeq int64) (int, error) {
	args := m.Called(ctx, documentId, uptoSeq)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) BootstrapUser(ctx context.Context, userKey models.UserKey, device models.Device, wmk models.WrappedMasterKey) error {
	args := m.Called(ctx, userKey, device, wmk)
	return args.Error(0)
}

func (m *MockStore) GetUserKey(ctx context.Context, userId string) (models.UserKey, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(models.UserKey), args.Error(1)
}

func (m *MockStore) CreateDevice(ctx context.Context, device models.Device) (models.Device, bool, error) {
	args := m.Called(ctx, device)
	return args.Get(0).(models.Device), args.Bool(1), args.Error(2)
}

func (m *MockStore) GetDevice(ctx context.Context, userId string, deviceId string) (models.Device, error) {
	args := m.Called(ctx, userId, deviceId)
	return args.Get(0).(models.Device), args.Error(1)
}

func (m *MockStore) ListDevices(ctx context.Context, userId string) ([]models.Device, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).([]models.Device), args.Error(1)
}

func (m *MockStore) ApproveDevice(ctx context.Context, approverDeviceId string, device models.Device, wmk models.WrappedMasterKey) error {
	args := m.Called(ctx, approverDeviceId, device, wmk)
	return args.Error(0)
}

func (m *MockStore) RevokeDevice(ctx context.Context, userId string, deviceId string, revokedAt int64) error {
	args := m.Called(ctx, userId, deviceId, revokedAt)
	return args.Error(0)
}

func (m *MockStore) TouchDevice(ctx context.Context, userId string, deviceId string, lastSeen int64) error {
	args := m.Called(ctx, userId, deviceId, lastSeen)
	return args.Error(0)
}

func (m *MockStore) GetWrappedMasterKey(ctx context.Context, userId string, deviceId string) (models.WrappedMasterKey, error) {
	args := m.Called(ctx, userId, deviceId)
	return args.Get(0).(models.WrappedMasterKey), args.Error(1)
}

func (m *MockStore) ListWrappedMasterKeys(ctx context.Context, userId string) ([]models.WrappedMasterKey, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).([]models.WrappedMasterKey), args.Error(1)
}

func (m *MockStore) PutDocKey(ctx context.Context, key models.DocKey) (models.DocKey, bool, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(models.DocKey), args.Bool(1), args.Error(2)
}

func (m *MockStore) GetDocKey(ctx context.Context, documentId string, userId string) (models.DocKey, error) {
	args := m.Called(ctx, documentId, userId)
	return args.Get(0).(models.DocKey), args.Error(1)
}

func (m *MockStore) CountDocKeys(ctx context.Context, documentId string) (int, error) {
	args := m.Called(ctx, documentId)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) DeleteDocKey(ctx context.Context, documentId string, userId string) error {
	args := m.Called(ctx, documentId, userId)
	return args.Error(0)
}
