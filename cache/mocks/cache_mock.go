package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/docsync/models"
)

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Publish(ctx context.Context, channel string, message []byte) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

func (m *MockCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	args := m.Called(ctx, channel, handler)
	return args.Error(0)
}

func (m *MockCache) PutSession(ctx context.Context, session models.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockCache) GetSession(ctx context.Context, documentId string, clientId string) (models.Session, error) {
	args := m.Called(ctx, documentId, clientId)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *MockCache) DeleteSession(ctx context.Context, documentId string, clientId string) error {
	args := m.Called(ctx, documentId, clientId)
	return args.Error(0)
}

func (m *MockCache) ListSessions(ctx context.Context, documentId string) ([]models.Session, error) {
	args := m.Called(ctx, documentId)
	return args.Get(0).([]models.Session), args.Error(1)
}

func (m *MockCache) ExpireSessions(ctx context.Context, documentId string, before int64) (int, error) {
	args := m.Called(ctx, documentId, before)
	return args.Int(0), args.Error(1)
}
