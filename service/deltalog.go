package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/store"
	"github.com/zlnvch/docsync/syncerr"
	"github.com/zlnvch/docsync/worker"
)

type AppendParams struct {
	DocumentId string
	UserId     string
	ClientId   string
	Op         models.OpKind
	Payload    []byte
}

// Append stamps the next seq on an opaque payload and stores it.
func (s *Service) Append(ctx context.Context, params AppendParams) (models.Delta, error) {
	// 1. Validation
	if err := ValidateId("document", params.DocumentId); err != nil {
		return models.Delta{}, err
	}
	if err := ValidateId("user", params.UserId); err != nil {
		return models.Delta{}, err
	}
	if err := ValidateId("client", params.ClientId); err != nil {
		return models.Delta{}, err
	}
	if !params.Op.Valid() {
		return models.Delta{}, fmt.Errorf("%w: unknown op kind %d", syncerr.ErrInvalidArgument, params.Op)
	}
	if err := ValidatePayload(params.Payload, s.MaxPayloadBytes); err != nil {
		return models.Delta{}, err
	}

	// 2. Authorization
	if err := s.authorizeWrite(ctx, params.UserId, params.DocumentId); err != nil {
		return models.Delta{}, err
	}

	// 3. Sequence allocation and write
	delta, err := s.Store.AppendDelta(ctx, models.Delta{
		DocumentId: params.DocumentId,
		Op:         params.Op,
		ClientId:   params.ClientId,
		UserId:     params.UserId,
		Payload:    params.Payload,
		Created:    s.now().Unix(),
	})
	if err != nil {
		s.Log.Errorf("Failed to append delta to %s: %v", params.DocumentId, err)
		return models.Delta{}, mapStoreError(err)
	}

	// Async side-effects - return to caller as soon as the store operation is done
	go func() {
		s.runLifecycle(context.Background(), delta)

		s.publishDocEvent(DocEvent{
			Type:       EventDeltaAppended,
			DocumentId: delta.DocumentId,
			Seq:        delta.Seq,
			ClientId:   delta.ClientId,
			Op:         delta.Op.String(),
		})

		if s.CompactionTrigger != nil {
			s.CompactionTrigger.Report(worker.Growth{
				DocumentId: delta.DocumentId,
				Deltas:     1,
				Bytes:      int64(len(delta.Payload)),
			})
		}
	}()

	return delta, nil
}

// FetchSince returns what a client at fromSeq needs to catch up: the latest
// snapshot when it is ahead of the client, then the deltas after it.
func (s *Service) FetchSince(ctx context.Context, userId string, documentId string, fromSeq int64) (models.FetchResult, error) {
	if err := ValidateId("document", documentId); err != nil {
		return models.FetchResult{}, err
	}
	if fromSeq < 0 {
		return models.FetchResult{}, fmt.Errorf("%w: negative seq", syncerr.ErrInvalidArgument)
	}
	if err := s.authorizeRead(ctx, userId, documentId); err != nil {
		return models.FetchResult{}, err
	}
	return s.fetch(ctx, documentId, fromSeq)
}

const fetchAttempts = 3

// fetch retries when a compaction pruned the deltas between reads.
func (s *Service) fetch(ctx context.Context, documentId string, fromSeq int64) (models.FetchResult, error) {
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		result, consistent, err := s.fetchOnce(ctx, documentId, fromSeq)
		if err != nil {
			return models.FetchResult{}, err
		}
		if consistent {
			return result, nil
		}
		s.Log.Debugf("Log of %s changed during fetch from %d, retrying", documentId, fromSeq)
	}
	return models.FetchResult{}, fmt.Errorf("%w: log of %s kept changing during fetch", syncerr.ErrTransient, documentId)
}

func (s *Service) fetchOnce(ctx context.Context, documentId string, fromSeq int64) (models.FetchResult, bool, error) {
	latest, err := s.Store.GetLatestSeq(ctx, documentId)
	if err != nil && !errors.Is(err, store.ErrItemNotFound) {
		return models.FetchResult{}, false, mapStoreError(err)
	}
	if fromSeq > latest {
		return models.FetchResult{}, false, fmt.Errorf("%w: seq %d is ahead of the log at %d", syncerr.ErrPrecondition, fromSeq, latest)
	}

	result := models.FetchResult{Deltas: []models.Delta{}, LatestSeq: latest}
	start := fromSeq

	snapshot, err := s.Store.GetLatestSnapshot(ctx, documentId)
	switch {
	case errors.Is(err, store.ErrItemNotFound):
	case err != nil:
		return models.FetchResult{}, false, mapStoreError(err)
	case fromSeq < snapshot.Seq:
		result.Snapshot = &snapshot
		start = snapshot.Seq
	}
	result.LatestSeq = max(result.LatestSeq, start)

	deltas, err := s.Store.GetDeltas(ctx, documentId, start, 0)
	if err != nil {
		return models.FetchResult{}, false, mapStoreError(err)
	}
	if len(deltas) == 0 {
		// anything committed after start must still be there
		return result, latest <= start, nil
	}
	if deltas[0].Seq != start+1 {
		return models.FetchResult{}, false, nil
	}
	result.Deltas = deltas
	result.LatestSeq = max(result.LatestSeq, deltas[len(deltas)-1].Seq)
	return result, true, nil
}

// Materialize folds the document into one value with the configured folder
// and hands it to the transform hook.
func (s *Service) Materialize(ctx context.Context, userId string, documentId string) (models.Materialized, error) {
	if err := ValidateId("document", documentId); err != nil {
		return models.Materialized{}, err
	}
	if err := s.authorizeRead(ctx, userId, documentId); err != nil {
		return models.Materialized{}, err
	}

	fetched, err := s.fetch(ctx, documentId, 0)
	if err != nil {
		return models.Materialized{}, err
	}
	if fetched.Empty() {
		return models.Materialized{}, fmt.Errorf("%w: document %s has no content", syncerr.ErrNotFound, documentId)
	}

	doc := models.Materialized{DocumentId: documentId, Seq: fetched.LatestSeq}
	if len(fetched.Deltas) == 0 {
		doc.Seq = fetched.Snapshot.Seq
		doc.Payload = fetched.Snapshot.Payload
		doc.StateVector = fetched.Snapshot.StateVector
	} else {
		doc.Seq = fetched.Deltas[len(fetched.Deltas)-1].Seq
		doc.Payload, doc.StateVector, err = s.Folder.Fold(ctx, documentId, fetched.Snapshot, fetched.Deltas)
		if err != nil {
			return models.Materialized{}, fmt.Errorf("fold %s: %w", documentId, err)
		}
	}

	if s.Hooks.Transform == nil {
		return doc, nil
	}
	out, err := s.Hooks.Transform(ctx, userId, doc)
	if err != nil {
		return models.Materialized{}, err
	}
	// identity and position are not the transform's to change
	out.DocumentId = doc.DocumentId
	out.Seq = doc.Seq
	return out, nil
}
