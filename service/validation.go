package service

import (
	"fmt"
	"regexp"

	"github.com/zlnvch/docsync/syncerr"
)

// Ids travel in URL paths and in Dynamo sort keys, where '#' is the separator.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

const (
	publicKeySize    = 32
	maxWrappedKeyLen = 1024
)

func ValidateId(kind string, id string) error {
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: invalid %s id", syncerr.ErrInvalidArgument, kind)
	}
	return nil
}

func ValidatePayload(payload []byte, maxBytes int) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", syncerr.ErrInvalidArgument)
	}
	if maxBytes > 0 && len(payload) > maxBytes {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", syncerr.ErrInvalidArgument, len(payload), maxBytes)
	}
	return nil
}

func ValidatePublicKey(key []byte) error {
	if len(key) != publicKeySize {
		return fmt.Errorf("%w: public key must be %d bytes", syncerr.ErrInvalidArgument, publicKeySize)
	}
	return nil
}

func ValidateWrappedKey(wrapped []byte) error {
	if len(wrapped) == 0 || len(wrapped) > maxWrappedKeyLen {
		return fmt.Errorf("%w: invalid wrapped key", syncerr.ErrInvalidArgument)
	}
	return nil
}
