package service

import (
	"context"
	"fmt"
	"time"

	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/presence"
	"github.com/zlnvch/docsync/syncerr"
)

func (s *Service) tracker() (*presence.Tracker, error) {
	if s.Presence == nil {
		return nil, fmt.Errorf("%w: presence is not enabled", syncerr.ErrPrecondition)
	}
	return s.Presence, nil
}

// Heartbeat reports a client as live on a document the user can read.
func (s *Service) Heartbeat(ctx context.Context, userId string, params presence.HeartbeatParams) (models.Session, error) {
	t, err := s.tracker()
	if err != nil {
		return models.Session{}, err
	}
	if err := ValidateId("document", params.DocumentId); err != nil {
		return models.Session{}, err
	}
	if err := ValidateId("client", params.ClientId); err != nil {
		return models.Session{}, err
	}
	if err := s.authorizeRead(ctx, userId, params.DocumentId); err != nil {
		return models.Session{}, err
	}
	params.UserId = userId
	return t.Heartbeat(ctx, params)
}

// JoinDocument creates the session in the connecting state.
func (s *Service) JoinDocument(ctx context.Context, userId string, documentId string, clientId string) (models.Session, error) {
	t, err := s.tracker()
	if err != nil {
		return models.Session{}, err
	}
	if err := ValidateId("document", documentId); err != nil {
		return models.Session{}, err
	}
	if err := ValidateId("client", clientId); err != nil {
		return models.Session{}, err
	}
	if err := s.authorizeRead(ctx, userId, documentId); err != nil {
		return models.Session{}, err
	}
	return t.Touch(ctx, documentId, clientId, userId)
}

// LeaveDocument ends a session. Only its own user may end it.
func (s *Service) LeaveDocument(ctx context.Context, userId string, documentId string, clientId string) error {
	t, err := s.tracker()
	if err != nil {
		return err
	}
	session, err := s.Cache.GetSession(ctx, documentId, clientId)
	if err == nil && session.UserId != "" && session.UserId != userId {
		return fmt.Errorf("%w: session belongs to another user", syncerr.ErrUnauthorized)
	}
	return t.Leave(ctx, documentId, clientId)
}

func (s *Service) ListPresence(ctx context.Context, userId string, documentId string) ([]models.Session, error) {
	t, err := s.tracker()
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRead(ctx, userId, documentId); err != nil {
		return nil, err
	}
	return t.List(ctx, documentId)
}

// CollectSessions drops sessions of the document idle for longer than olderThan.
func (s *Service) CollectSessions(ctx context.Context, documentId string, olderThan time.Duration, retention time.Duration) (int, error) {
	t, err := s.tracker()
	if err != nil {
		return 0, err
	}
	return t.GC(ctx, documentId, olderThan, retention)
}
