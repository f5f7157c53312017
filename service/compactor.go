package service

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/store"
	"github.com/zlnvch/docsync/syncerr"
)

type CompactionConfig struct {
	// DeltaThreshold is the number of deltas after the latest snapshot that
	// makes a document eligible. Zero disables the count rule.
	DeltaThreshold int
	// ByteThreshold is the summed payload size that makes a document
	// eligible. Zero disables the size rule.
	ByteThreshold int64
	// MaxFold bounds how many deltas go into one snapshot.
	MaxFold int
}

func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		DeltaThreshold: 5,
		ByteThreshold:  1 << 20,
		MaxFold:        1000,
	}
}

func (c CompactionConfig) Validate() error {
	if c.DeltaThreshold < 0 || c.ByteThreshold < 0 {
		return fmt.Errorf("%w: compaction thresholds must not be negative", syncerr.ErrInvalidArgument)
	}
	if c.DeltaThreshold == 0 && c.ByteThreshold == 0 {
		return fmt.Errorf("%w: at least one compaction threshold is required", syncerr.ErrInvalidArgument)
	}
	if c.MaxFold <= 0 || c.MaxFold < c.DeltaThreshold {
		return fmt.Errorf("%w: max fold must be positive and at least the delta threshold", syncerr.ErrInvalidArgument)
	}
	return nil
}

func (c CompactionConfig) ShouldCompact(deltas int, bytes int64) bool {
	return (c.DeltaThreshold > 0 && deltas >= c.DeltaThreshold) ||
		(c.ByteThreshold > 0 && bytes >= c.ByteThreshold)
}

// Folder merges a base snapshot and the deltas after it into a new snapshot
// payload and state vector.
type Folder interface {
	Fold(ctx context.Context, documentId string, base *models.Snapshot, deltas []models.Delta) (payload []byte, stateVector []byte, err error)
}

// BundleFolder folds without keys: the new payload is the base's parts
// followed by each delta payload, still encrypted. The state vector is the
// covered seq, big-endian.
type BundleFolder struct{}

func (BundleFolder) Fold(_ context.Context, _ string, base *models.Snapshot, deltas []models.Delta) ([]byte, []byte, error) {
	var parts [][]byte
	if base != nil {
		baseParts, err := models.DecodeParts(base.Payload)
		if err != nil {
			return nil, nil, err
		}
		parts = baseParts
	}
	for _, d := range deltas {
		parts = append(parts, d.Payload)
	}

	var covered int64
	if base != nil {
		covered = base.Seq
	}
	if len(deltas) > 0 {
		covered = deltas[len(deltas)-1].Seq
	}
	sv := make([]byte, 8)
	binary.BigEndian.PutUint64(sv, uint64(covered))
	return models.EncodeParts(parts), sv, nil
}

// Compact folds the committed deltas after the latest snapshot into a new
// snapshot when the document crosses the policy. Losing a race against
// another compaction is not an error and reports false.
func (s *Service) Compact(ctx context.Context, documentId string) (models.Snapshot, bool, error) {
	if err := ValidateId("document", documentId); err != nil {
		return models.Snapshot{}, false, err
	}

	var (
		last      models.Snapshot
		compacted bool
	)
	for {
		snapshot, folded, more, err := s.compactOnce(ctx, documentId)
		if err != nil {
			return last, compacted, err
		}
		if !folded {
			return last, compacted, nil
		}
		last, compacted = snapshot, true
		if !more {
			return last, compacted, nil
		}
	}
}

// RequestCompaction runs Compact on behalf of a user who may write the document.
func (s *Service) RequestCompaction(ctx context.Context, userId string, documentId string) (models.Snapshot, bool, error) {
	if err := ValidateId("document", documentId); err != nil {
		return models.Snapshot{}, false, err
	}
	if err := s.authorizeWrite(ctx, userId, documentId); err != nil {
		return models.Snapshot{}, false, err
	}
	return s.Compact(ctx, documentId)
}

func (s *Service) compactOnce(ctx context.Context, documentId string) (models.Snapshot, bool, bool, error) {
	var base *models.Snapshot
	latest, err := s.Store.GetLatestSnapshot(ctx, documentId)
	switch {
	case err == nil:
		base = &latest
	case !errors.Is(err, store.ErrItemNotFound):
		return models.Snapshot{}, false, false, mapStoreError(err)
	}

	var after int64
	if base != nil {
		after = base.Seq
	}
	deltas, err := s.Store.GetDeltas(ctx, documentId, after, s.Compaction.MaxFold)
	if err != nil {
		return models.Snapshot{}, false, false, mapStoreError(err)
	}
	if len(deltas) == 0 || deltas[0].Seq != after+1 {
		// nothing new, or another compaction already moved past base
		return models.Snapshot{}, false, false, nil
	}

	var size int64
	for _, d := range deltas {
		size += int64(len(d.Payload))
	}
	if !s.Compaction.ShouldCompact(len(deltas), size) {
		return models.Snapshot{}, false, false, nil
	}

	payload, sv, err := s.Folder.Fold(ctx, documentId, base, deltas)
	if err != nil {
		return models.Snapshot{}, false, false, fmt.Errorf("fold %s: %w", documentId, err)
	}
	snapshot := models.Snapshot{
		DocumentId:  documentId,
		Seq:         deltas[len(deltas)-1].Seq,
		Payload:     payload,
		StateVector: sv,
		Created:     s.now().Unix(),
	}

	if err := s.Store.PutSnapshot(ctx, snapshot); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			s.Log.Debugf("Snapshot %d of %s superseded", snapshot.Seq, documentId)
			return models.Snapshot{}, false, false, nil
		}
		s.Log.Errorf("Failed to put snapshot of %s: %v", documentId, err)
		return models.Snapshot{}, false, false, mapStoreError(err)
	}

	s.afterSnapshotCommit(ctx, snapshot)
	return snapshot, true, len(deltas) == s.Compaction.MaxFold, nil
}

// CommitSnapshot stores a snapshot a keyed client folded itself.
func (s *Service) CommitSnapshot(ctx context.Context, userId string, snapshot models.Snapshot) error {
	if err := ValidateId("document", snapshot.DocumentId); err != nil {
		return err
	}
	if snapshot.Seq <= 0 {
		return fmt.Errorf("%w: snapshot seq must be positive", syncerr.ErrInvalidArgument)
	}
	if len(snapshot.Payload) == 0 {
		return fmt.Errorf("%w: empty snapshot", syncerr.ErrInvalidArgument)
	}
	if err := s.authorizeWrite(ctx, userId, snapshot.DocumentId); err != nil {
		return err
	}

	latest, err := s.Store.GetLatestSeq(ctx, snapshot.DocumentId)
	if err != nil && !errors.Is(err, store.ErrItemNotFound) {
		return mapStoreError(err)
	}
	if snapshot.Seq > latest {
		return fmt.Errorf("%w: snapshot seq %d is past the log at %d", syncerr.ErrPrecondition, snapshot.Seq, latest)
	}

	snapshot.Created = s.now().Unix()
	if err := s.Store.PutSnapshot(ctx, snapshot); err != nil {
		return mapStoreError(err)
	}

	s.afterSnapshotCommit(ctx, snapshot)
	return nil
}

// afterSnapshotCommit prunes what the snapshot made redundant and announces it.
// Must only run once the snapshot is durable.
func (s *Service) afterSnapshotCommit(ctx context.Context, snapshot models.Snapshot) {
	if s.PruneBatcher != nil {
		s.PruneBatcher.Request(snapshot.DocumentId, snapshot.Seq)
	} else {
		n, err := s.Store.PruneDeltas(ctx, snapshot.DocumentId, snapshot.Seq)
		if err != nil {
			// pruning is advisory, the next snapshot retries it
			s.Log.Warnf("Failed to prune %s up to %d: %v", snapshot.DocumentId, snapshot.Seq, err)
		} else if n > 0 {
			s.Log.Debugf("Pruned %d deltas of %s", n, snapshot.DocumentId)
		}
	}

	go s.publishDocEvent(DocEvent{
		Type:       EventSnapshotCommitted,
		DocumentId: snapshot.DocumentId,
		Seq:        snapshot.Seq,
	})
}
