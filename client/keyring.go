package client

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/zlnvch/docsync/cryptox"
	"github.com/zlnvch/docsync/syncerr"
)

// KeyProvider hands out plaintext document content keys.
type KeyProvider interface {
	DocumentKey(ctx context.Context, documentId string) ([]byte, error)
	// Forget drops a cached key so the next lookup asks the ledger again.
	Forget(documentId string)
	// ForgetAll drops every cached key.
	ForgetAll()
}

// Keyring resolves document keys through the ledger: the device key pair opens
// the user's master key, the master key opens each document key. Both are
// cached for the lifetime of the keyring.
type Keyring struct {
	userId string
	device *cryptox.DeviceKeyPair
	source KeySource

	mu        sync.Mutex
	masterKey []byte
	docKeys   map[string][]byte
	group     singleflight.Group
}

func NewKeyring(userId string, device *cryptox.DeviceKeyPair, source KeySource) *Keyring {
	return &Keyring{
		userId:  userId,
		device:  device,
		source:  source,
		docKeys: make(map[string][]byte),
	}
}

func (k *Keyring) cached(documentId string) ([]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	key, ok := k.docKeys[documentId]
	return key, ok
}

func (k *Keyring) DocumentKey(ctx context.Context, documentId string) ([]byte, error) {
	if key, ok := k.cached(documentId); ok {
		return key, nil
	}

	v, err, _ := k.group.Do(documentId, func() (any, error) {
		master, err := k.master(ctx, documentId)
		if err != nil {
			return nil, err
		}

		dk, err := k.source.GetDocKey(ctx, documentId)
		if err != nil {
			if unavailable(err) {
				return nil, &ReconciliationError{DocumentId: documentId, Reason: "document key unavailable", Err: err}
			}
			return nil, err
		}
		key, err := cryptox.UnwrapDocKey(master, dk.Wrapped, documentId, k.userId)
		if err != nil {
			return nil, &ReconciliationError{DocumentId: documentId, Reason: "document key does not unwrap", Err: err}
		}

		k.mu.Lock()
		k.docKeys[documentId] = key
		k.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (k *Keyring) master(ctx context.Context, documentId string) ([]byte, error) {
	k.mu.Lock()
	master := k.masterKey
	k.mu.Unlock()
	if master != nil {
		return master, nil
	}

	wmk, err := k.source.GetWrappedMasterKey(ctx)
	if err != nil {
		if unavailable(err) {
			return nil, &ReconciliationError{DocumentId: documentId, Reason: "master key unavailable to this device", Err: err}
		}
		return nil, err
	}
	master, err = cryptox.UnwrapWithDevice(wmk.Wrapped, k.device)
	if err != nil {
		return nil, &ReconciliationError{DocumentId: documentId, Reason: "master key does not unwrap", Err: err}
	}

	k.mu.Lock()
	k.masterKey = master
	k.mu.Unlock()
	return master, nil
}

func (k *Keyring) Forget(documentId string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.docKeys, documentId)
}

// ForgetAll drops every cached key, the master key included.
func (k *Keyring) ForgetAll() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.masterKey = nil
	k.docKeys = make(map[string][]byte)
}

func unavailable(err error) bool {
	return errors.Is(err, syncerr.ErrNotFound) || errors.Is(err, syncerr.ErrUnauthorized)
}

// StaticKeys serves fixed content keys, for trusted processes that were
// handed the keys out of band.
type StaticKeys map[string][]byte

func (s StaticKeys) DocumentKey(_ context.Context, documentId string) ([]byte, error) {
	key, ok := s[documentId]
	if !ok {
		return nil, &ReconciliationError{DocumentId: documentId, Reason: "document key unavailable", Err: syncerr.ErrNotFound}
	}
	return key, nil
}

func (StaticKeys) Forget(string) {}

func (StaticKeys) ForgetAll() {}
