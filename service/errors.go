package service

import (
	"errors"
	"fmt"

	"github.com/zlnvch/docsync/store"
	"github.com/zlnvch/docsync/syncerr"
)

// mapStoreError translates store sentinels into the shared error classes.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrItemNotFound):
		return fmt.Errorf("%w: %v", syncerr.ErrNotFound, err)
	case errors.Is(err, store.ErrConditionFailed):
		return fmt.Errorf("%w: %v", syncerr.ErrPrecondition, err)
	case errors.Is(err, store.ErrContention):
		return fmt.Errorf("%w: %v", syncerr.ErrTransient, err)
	default:
		return fmt.Errorf("%w: %v", syncerr.ErrStoreIO, err)
	}
}
