package client

import (
	"fmt"

	"github.com/zlnvch/docsync/syncerr"
)

// ReconciliationError reports remote state the replica cannot merge: a payload
// that does not decrypt or does not parse as a CRDT update, or a document key
// that is unavailable to this user. Retrying does not help.
type ReconciliationError struct {
	DocumentId string
	// Seq of the delta or snapshot that failed, 0 when no payload was involved.
	Seq    int64
	Reason string
	Err    error
}

func (e *ReconciliationError) Error() string {
	if e.Seq > 0 {
		return fmt.Sprintf("reconcile %s at seq %d: %s: %v", e.DocumentId, e.Seq, e.Reason, e.Err)
	}
	return fmt.Sprintf("reconcile %s: %s: %v", e.DocumentId, e.Reason, e.Err)
}

func (e *ReconciliationError) Unwrap() []error {
	return []error{syncerr.ErrReconciliation, e.Err}
}
