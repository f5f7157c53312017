package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zlnvch/docsync/localstore"
	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/syncerr"
)

// Local layout, per document:
//
//	doc/{id}/confirmed       {seq, state} of the server-confirmed replica
//	doc/{id}/pending/{uuid}  one unacknowledged local edit, uuid v7 so keys sort by time
func confirmedKey(documentId string) string {
	return "doc/" + documentId + "/confirmed"
}

func pendingPrefix(documentId string) string {
	return "doc/" + documentId + "/pending/"
}

func pendingKey(documentId string, editId string) string {
	return pendingPrefix(documentId) + editId
}

type confirmedRecord struct {
	Seq   int64  `json:"seq"`
	State []byte `json:"state"`
}

type pendingEdit struct {
	Id     string        `json:"id"`
	Op     models.OpKind `json:"op"`
	Update []byte        `json:"update"`
	// Seq is set once the server accepted the edit but the replica has not
	// caught up to it yet.
	Seq int64 `json:"seq,omitempty"`

	// claimed while the Edit call that made it waits to push it
	claimed bool
}

func loadConfirmed(ctx context.Context, s localstore.Store, documentId string) (confirmedRecord, bool, error) {
	raw, err := s.Get(ctx, confirmedKey(documentId))
	if errors.Is(err, localstore.ErrNotFound) {
		return confirmedRecord{}, false, nil
	}
	if err != nil {
		return confirmedRecord{}, false, fmt.Errorf("%w: load %s: %v", syncerr.ErrStoreIO, documentId, err)
	}
	var rec confirmedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return confirmedRecord{}, false, fmt.Errorf("%w: corrupt state of %s: %v", syncerr.ErrStoreIO, documentId, err)
	}
	return rec, true, nil
}

func loadPending(ctx context.Context, s localstore.Store, documentId string) ([]pendingEdit, error) {
	entries, err := s.List(ctx, pendingPrefix(documentId))
	if err != nil {
		return nil, fmt.Errorf("%w: list pending edits of %s: %v", syncerr.ErrStoreIO, documentId, err)
	}
	edits := make([]pendingEdit, 0, len(entries))
	for _, e := range entries {
		var edit pendingEdit
		if err := json.Unmarshal(e.Value, &edit); err != nil {
			return nil, fmt.Errorf("%w: corrupt pending edit %s: %v", syncerr.ErrStoreIO, e.Key, err)
		}
		edits = append(edits, edit)
	}
	return edits, nil
}

func confirmedOp(documentId string, rec confirmedRecord) (localstore.Op, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return localstore.Op{}, err
	}
	return localstore.Op{Key: confirmedKey(documentId), Value: data}, nil
}

func pendingOp(documentId string, edit pendingEdit) (localstore.Op, error) {
	data, err := json.Marshal(edit)
	if err != nil {
		return localstore.Op{}, err
	}
	return localstore.Op{Key: pendingKey(documentId, edit.Id), Value: data}, nil
}

func deletePendingOp(documentId string, editId string) localstore.Op {
	return localstore.Op{Key: pendingKey(documentId, editId), Delete: true}
}
