package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/store"
	"github.com/zlnvch/docsync/syncerr"
)

// Authorizer decides whether a user may write to or read from a document.
// A non-nil error vetoes the operation.
type Authorizer interface {
	AuthorizeWrite(ctx context.Context, userId string, documentId string) error
	AuthorizeRead(ctx context.Context, userId string, documentId string) error
}

// Lifecycle is called once per appended delta, by op kind, after the append
// is durable. Calls may be repeated and must be idempotent.
type Lifecycle interface {
	OnInsert(ctx context.Context, delta models.Delta) error
	OnUpdate(ctx context.Context, delta models.Delta) error
	OnRemove(ctx context.Context, delta models.Delta) error
}

// Transform projects a materialized document for the reading user.
type Transform func(ctx context.Context, userId string, doc models.Materialized) (models.Materialized, error)

type Hooks struct {
	Authorizer Authorizer
	Lifecycle  Lifecycle
	Transform  Transform
}

// DocKeyAuthorizer grants access to users holding a key for the document.
type DocKeyAuthorizer struct {
	Ledger store.KeyLedger
}

func (a DocKeyAuthorizer) check(ctx context.Context, userId string, documentId string) error {
	_, err := a.Ledger.GetDocKey(ctx, documentId, userId)
	if errors.Is(err, store.ErrItemNotFound) {
		return fmt.Errorf("%w: user %s has no key for document %s", syncerr.ErrUnauthorized, userId, documentId)
	}
	if err != nil {
		return mapStoreError(err)
	}
	return nil
}

func (a DocKeyAuthorizer) AuthorizeWrite(ctx context.Context, userId string, documentId string) error {
	return a.check(ctx, userId, documentId)
}

func (a DocKeyAuthorizer) AuthorizeRead(ctx context.Context, userId string, documentId string) error {
	return a.check(ctx, userId, documentId)
}

// authorizationError keeps transient failures retriable and turns any
// other veto into ErrUnauthorized.
func authorizationError(err error) error {
	if errors.Is(err, syncerr.ErrUnauthorized) || errors.Is(err, syncerr.ErrTransient) || errors.Is(err, syncerr.ErrStoreIO) {
		return err
	}
	return fmt.Errorf("%w: %v", syncerr.ErrUnauthorized, err)
}

func (s *Service) authorizeWrite(ctx context.Context, userId string, documentId string) error {
	if err := s.Hooks.Authorizer.AuthorizeWrite(ctx, userId, documentId); err != nil {
		return authorizationError(err)
	}
	return nil
}

func (s *Service) authorizeRead(ctx context.Context, userId string, documentId string) error {
	if err := s.Hooks.Authorizer.AuthorizeRead(ctx, userId, documentId); err != nil {
		return authorizationError(err)
	}
	return nil
}

func (s *Service) runLifecycle(ctx context.Context, delta models.Delta) {
	if s.Hooks.Lifecycle == nil {
		return
	}
	var err error
	switch delta.Op {
	case models.OpInsert:
		err = s.Hooks.Lifecycle.OnInsert(ctx, delta)
	case models.OpUpdate:
		err = s.Hooks.Lifecycle.OnUpdate(ctx, delta)
	case models.OpRemove:
		err = s.Hooks.Lifecycle.OnRemove(ctx, delta)
	}
	if err != nil {
		s.Log.Warnf("Lifecycle hook %s failed for %s seq %d: %v", delta.Op, delta.DocumentId, delta.Seq, err)
	}
}
