package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zlnvch/docsync/cache"
	"github.com/zlnvch/docsync/logger"
	"github.com/zlnvch/docsync/models"
)

const (
	EventDeltaAppended     = "delta_appended"
	EventSnapshotCommitted = "snapshot_committed"
	EventPresence          = "presence"
	EventKeysChanged       = "keys_changed"
)

// DocEvent is published on cache.DocEventsChannel and fanned out to the
// document's subscribers.
type DocEvent struct {
	Type       string          `json:"type"`
	DocumentId string          `json:"documentId"`
	Seq        int64           `json:"seq,omitempty"`
	ClientId   string          `json:"clientId,omitempty"`
	Op         string          `json:"op,omitempty"`
	Session    *models.Session `json:"session,omitempty"`
}

// UserEvent is published on cache.UserEventsChannel and fanned out to the
// user's connections.
type UserEvent struct {
	Type       string `json:"type"`
	UserId     string `json:"userId"`
	DeviceId   string `json:"deviceId,omitempty"`
	DocumentId string `json:"documentId,omitempty"`
	Reason     string `json:"reason"`
}

const publishTimeout = 5 * time.Second

func publish(c cache.SyncCache, log *logger.Logger, channel string, event any) {
	msg, err := json.Marshal(event)
	if err != nil {
		log.Errorf("Failed to marshal event: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.Publish(ctx, channel, msg); err != nil {
		log.Warnf("Failed to publish on %s: %v", channel, err)
	}
}

func (s *Service) publishDocEvent(event DocEvent) {
	publish(s.Cache, s.Log, cache.DocEventsChannel, event)
}

func (s *Service) publishUserEvent(event UserEvent) {
	publish(s.Cache, s.Log, cache.UserEventsChannel, event)
}

// PresencePublisher announces presence transitions to the document's
// subscribers. It is the tracker's observer in a server deployment.
type PresencePublisher struct {
	Cache cache.SyncCache
	Log   *logger.Logger
}

func (p PresencePublisher) announce(session models.Session) {
	publish(p.Cache, p.Log, cache.DocEventsChannel, DocEvent{
		Type:       EventPresence,
		DocumentId: session.DocumentId,
		ClientId:   session.ClientId,
		Session:    &session,
	})
}

func (p PresencePublisher) OnConnect(_ context.Context, session models.Session) {
	p.announce(session)
}

func (p PresencePublisher) OnDisconnect(_ context.Context, session models.Session) {
	p.announce(session)
}
