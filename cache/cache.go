package cache

import (
	"context"
	"errors"

	"github.com/zlnvch/docsync/models"
)

// Pub/sub channels shared by every server instance.
const (
	DocEventsChannel  = "doc-events"
	UserEventsChannel = "user-events"
)

var ErrSessionNotFound = errors.New("session not found")

// SyncCache carries cross-instance fan-out and the presence table.
type SyncCache interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error

	PutSession(ctx context.Context, session models.Session) error
	GetSession(ctx context.Context, documentId string, clientId string) (models.Session, error)
	DeleteSession(ctx context.Context, documentId string, clientId string) error
	// ListSessions returns every session row of the document ordered by LastSeen.
	ListSessions(ctx context.Context, documentId string) ([]models.Session, error)
	// ExpireSessions drops rows with LastSeen older than before and returns how many went.
	ExpireSessions(ctx context.Context, documentId string, before int64) (int, error)
}
