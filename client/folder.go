package client

import (
	"context"

	"github.com/zlnvch/docsync/crdt"
	"github.com/zlnvch/docsync/cryptox"
	"github.com/zlnvch/docsync/models"
)

// KeyedFolder compacts by merging plaintext: it decrypts the base snapshot and
// the deltas, folds them into one CRDT state and seals that state as a single
// part. It needs the document key, so it runs on a client or on a server that
// was trusted with keys.
type KeyedFolder struct {
	Keys   KeyProvider
	NewDoc crdt.Factory
}

func (f KeyedFolder) Fold(ctx context.Context, documentId string, base *models.Snapshot, deltas []models.Delta) ([]byte, []byte, error) {
	key, err := f.Keys.DocumentKey(ctx, documentId)
	if err != nil {
		return nil, nil, err
	}

	doc := f.NewDoc()
	if base != nil {
		if err := applySnapshot(doc, key, documentId, base); err != nil {
			return nil, nil, err
		}
	}
	for _, d := range deltas {
		if err := applyPayload(doc, key, documentId, d.Seq, d.Payload); err != nil {
			return nil, nil, err
		}
	}

	payload, err := sealState(key, documentId, doc)
	if err != nil {
		return nil, nil, err
	}
	return payload, doc.StateVector(), nil
}

func applyPayload(doc crdt.Doc, key []byte, documentId string, seq int64, payload []byte) error {
	plaintext, err := cryptox.Open(key, payload, cryptox.PayloadAAD(documentId))
	if err != nil {
		return &ReconciliationError{DocumentId: documentId, Seq: seq, Reason: "payload does not decrypt", Err: err}
	}
	if err := doc.Apply(plaintext); err != nil {
		return &ReconciliationError{DocumentId: documentId, Seq: seq, Reason: "payload is not a valid update", Err: err}
	}
	return nil
}

func applySnapshot(doc crdt.Doc, key []byte, documentId string, snapshot *models.Snapshot) error {
	parts, err := models.DecodeParts(snapshot.Payload)
	if err != nil {
		return &ReconciliationError{DocumentId: documentId, Seq: snapshot.Seq, Reason: "malformed snapshot", Err: err}
	}
	for _, part := range parts {
		if err := applyPayload(doc, key, documentId, snapshot.Seq, part); err != nil {
			return err
		}
	}
	return nil
}

func sealState(key []byte, documentId string, doc crdt.Doc) ([]byte, error) {
	part, err := cryptox.Seal(key, doc.State(), cryptox.PayloadAAD(documentId))
	if err != nil {
		return nil, err
	}
	return models.EncodeParts([][]byte{part}), nil
}
