package store

import (
	"context"
	"errors"

	"github.com/zlnvch/docsync/models"
)

var (
	ErrItemNotFound    = errors.New("item does not exist")
	ErrConditionFailed = errors.New("condition not met")
	// ErrContention is returned when a sequence could not be allocated after
	// the bounded number of optimistic attempts.
	ErrContention = errors.New("too much contention")
)

// DeltaLog stores the ordered, append-only change log and its snapshots.
type DeltaLog interface {
	// AppendDelta allocates the next sequence number for the document and
	// writes the delta in one atomic step. The returned delta carries the
	// assigned Seq.
	AppendDelta(ctx context.Context, delta models.Delta) (models.Delta, error)
	// GetDeltas returns deltas with seq > afterSeq in ascending order.
	// A limit <= 0 means no limit.
	GetDeltas(ctx context.Context, documentId string, afterSeq int64, limit int) ([]models.Delta, error)
	GetLatestSeq(ctx context.Context, documentId string) (int64, error)
	// PutSnapshot commits a snapshot only if its Seq is greater than the
	// latest committed snapshot's Seq, otherwise ErrConditionFailed.
	PutSnapshot(ctx context.Context, snapshot models.Snapshot) error
	GetLatestSnapshot(ctx context.Context, documentId string) (models.Snapshot, error)
	// PruneDeltas removes deltas with seq <= uptoSeq and snapshots older than
	// the latest one. uptoSeq is clamped to the latest committed snapshot, so
	// a document without a snapshot is never pruned.
	PruneDeltas(ctx context.Context, documentId string, uptoSeq int64) (int, error)
}

// KeyLedger stores devices, wrapped master keys and document keys.
type KeyLedger interface {
	// BootstrapUser atomically stores the user's public key, the first device
	// (approved) and its wrapped master key. ErrConditionFailed if the user
	// already exists.
	BootstrapUser(ctx context.Context, userKey models.UserKey, device models.Device, wmk models.WrappedMasterKey) error
	GetUserKey(ctx context.Context, userId string) (models.UserKey, error)

	// CreateDevice stores a pending device, or returns the existing row.
	CreateDevice(ctx context.Context, device models.Device) (models.Device, bool, error)
	GetDevice(ctx context.Context, userId string, deviceId string) (models.Device, error)
	ListDevices(ctx context.Context, userId string) ([]models.Device, error)
	// ApproveDevice atomically checks the approver is approved, upserts the
	// device as approved (an existing row must carry the same public key)
	// and writes its wrapped master key.
	ApproveDevice(ctx context.Context, approverDeviceId string, device models.Device, wmk models.WrappedMasterKey) error
	// RevokeDevice atomically clears approval and deletes the wrapped master key.
	RevokeDevice(ctx context.Context, userId string, deviceId string, revokedAt int64) error
	TouchDevice(ctx context.Context, userId string, deviceId string, lastSeen int64) error

	GetWrappedMasterKey(ctx context.Context, userId string, deviceId string) (models.WrappedMasterKey, error)
	ListWrappedMasterKeys(ctx context.Context, userId string) ([]models.WrappedMasterKey, error)

	// PutDocKey inserts the row if absent. When a row exists it is returned
	// unchanged with created=false.
	PutDocKey(ctx context.Context, key models.DocKey) (models.DocKey, bool, error)
	GetDocKey(ctx context.Context, documentId string, userId string) (models.DocKey, error)
	CountDocKeys(ctx context.Context, documentId string) (int, error)
	DeleteDocKey(ctx context.Context, documentId string, userId string) error
}

type SyncStore interface {
	DeltaLog
	KeyLedger
}
