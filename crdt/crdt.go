// Package crdt defines the boundary to the conflict-free data type that owns a
// document's content. The replication engine only orders and stores the
// update payloads these types produce.
package crdt

import "errors"

var ErrInvalidUpdate = errors.New("invalid crdt update")

type Doc interface {
	// Apply merges an update produced by any replica. Applying the same update
	// twice is a no-op. Malformed input returns ErrInvalidUpdate.
	Apply(update []byte) error
	// State encodes the full document as a single update.
	State() []byte
	// StateVector summarizes which updates the document already contains.
	StateVector() []byte
	Clone() Doc
}

type Factory func() Doc

// Replay builds a document from a sequence of updates.
func Replay(newDoc Factory, updates ...[]byte) (Doc, error) {
	doc := newDoc()
	for _, u := range updates {
		if err := doc.Apply(u); err != nil {
			return nil, err
		}
	}
	return doc, nil
}
