package client

import (
	"context"

	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/presence"
)

type AppendRequest struct {
	DocumentId string        `json:"documentId"`
	ClientId   string        `json:"clientId"`
	Op         models.OpKind `json:"op"`
	Payload    []byte        `json:"payload"`
}

// KeySource serves the calling device's key material.
type KeySource interface {
	// GetWrappedMasterKey returns the master key wrapped for the calling device.
	GetWrappedMasterKey(ctx context.Context) (models.WrappedMasterKey, error)
	// GetDocKey returns the content key of the document wrapped for the calling user.
	GetDocKey(ctx context.Context, documentId string) (models.DocKey, error)
}

// Remote is the server as seen by one authenticated device. Errors carry the
// syncerr classes so the replica can tell rejections from outages.
type Remote interface {
	KeySource

	Append(ctx context.Context, req AppendRequest) (models.Delta, error)
	FetchSince(ctx context.Context, documentId string, fromSeq int64) (models.FetchResult, error)
	CommitSnapshot(ctx context.Context, snapshot models.Snapshot) error
	Heartbeat(ctx context.Context, params presence.HeartbeatParams) (models.Session, error)
	Leave(ctx context.Context, documentId string, clientId string) error
}
