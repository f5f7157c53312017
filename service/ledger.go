package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/zlnvch/docsync/models"
	"github.com/zlnvch/docsync/store"
	"github.com/zlnvch/docsync/syncerr"
)

type RegisterDeviceParams struct {
	UserId    string
	DeviceId  string
	PublicKey []byte
	// MasterPublicKey and WrappedMasterKey are only used when this is the
	// user's first device.
	MasterPublicKey  []byte
	WrappedMasterKey []byte
}

// RegisterDevice records a device. The first device of a user bootstraps the
// user's key ledger and is approved on the spot; later devices stay pending
// until an approved device wraps the master key for them.
func (s *Service) RegisterDevice(ctx context.Context, params RegisterDeviceParams) (models.Device, error) {
	if err := ValidateId("user", params.UserId); err != nil {
		return models.Device{}, err
	}
	if err := ValidateId("device", params.DeviceId); err != nil {
		return models.Device{}, err
	}
	if err := ValidatePublicKey(params.PublicKey); err != nil {
		return models.Device{}, err
	}

	now := s.now().Unix()
	device := models.Device{
		UserId:    params.UserId,
		DeviceId:  params.DeviceId,
		PublicKey: params.PublicKey,
		Created:   now,
		LastSeen:  now,
	}

	_, err := s.Store.GetUserKey(ctx, params.UserId)
	if errors.Is(err, store.ErrItemNotFound) {
		if err := ValidatePublicKey(params.MasterPublicKey); err != nil {
			return models.Device{}, fmt.Errorf("%w: first device must publish the master public key", syncerr.ErrInvalidArgument)
		}
		if err := ValidateWrappedKey(params.WrappedMasterKey); err != nil {
			return models.Device{}, fmt.Errorf("%w: first device must wrap the master key for itself", syncerr.ErrInvalidArgument)
		}

		device.Approved = true
		err = s.Store.BootstrapUser(ctx,
			models.UserKey{UserId: params.UserId, PublicKey: params.MasterPublicKey, Created: now},
			device,
			models.WrappedMasterKey{UserId: params.UserId, DeviceId: params.DeviceId, Wrapped: params.WrappedMasterKey, Created: now},
		)
		if err == nil {
			s.Log.Infof("Bootstrapped key ledger of user %s with device %s", params.UserId, params.DeviceId)
			go s.publishUserEvent(UserEvent{Type: EventKeysChanged, UserId: params.UserId, DeviceId: params.DeviceId, Reason: "device_registered"})
			return device, nil
		}
		if !errors.Is(err, store.ErrConditionFailed) {
			return models.Device{}, mapStoreError(err)
		}
		// another device bootstrapped the user first
		device.Approved = false
	} else if err != nil {
		return models.Device{}, mapStoreError(err)
	}

	stored, created, err := s.Store.CreateDevice(ctx, device)
	if err != nil {
		return models.Device{}, mapStoreError(err)
	}
	if !created && !bytes.Equal(stored.PublicKey, params.PublicKey) {
		return models.Device{}, fmt.Errorf("%w: device %s is registered with another key", syncerr.ErrConflict, params.DeviceId)
	}
	if created {
		go s.publishUserEvent(UserEvent{Type: EventKeysChanged, UserId: params.UserId, DeviceId: params.DeviceId, Reason: "device_pending"})
	}
	return stored, nil
}

type ApproveDeviceParams struct {
	UserId           string
	ApproverDeviceId string
	DeviceId         string
	PublicKey        []byte
	WrappedMasterKey []byte
}

// ApproveDevice lets an approved device hand the master key to another
// device of the same user.
func (s *Service) ApproveDevice(ctx context.Context, params ApproveDeviceParams) (models.Device, error) {
	if err := ValidateId("user", params.UserId); err != nil {
		return models.Device{}, err
	}
	if err := ValidateId("device", params.ApproverDeviceId); err != nil {
		return models.Device{}, err
	}
	if err := ValidateId("device", params.DeviceId); err != nil {
		return models.Device{}, err
	}
	if params.ApproverDeviceId == params.DeviceId {
		return models.Device{}, fmt.Errorf("%w: a device cannot approve itself", syncerr.ErrInvalidArgument)
	}
	if err := ValidatePublicKey(params.PublicKey); err != nil {
		return models.Device{}, err
	}
	if err := ValidateWrappedKey(params.WrappedMasterKey); err != nil {
		return models.Device{}, err
	}

	now := s.now().Unix()
	device := models.Device{
		UserId:    params.UserId,
		DeviceId:  params.DeviceId,
		PublicKey: params.PublicKey,
		Approved:  true,
		Created:   now,
		LastSeen:  now,
	}
	wmk := models.WrappedMasterKey{
		UserId:   params.UserId,
		DeviceId: params.DeviceId,
		Wrapped:  params.WrappedMasterKey,
		Created:  now,
	}

	if err := s.Store.ApproveDevice(ctx, params.ApproverDeviceId, device, wmk); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return models.Device{}, fmt.Errorf("%w: approver %s is not an approved device or the device key differs", syncerr.ErrPrecondition, params.ApproverDeviceId)
		}
		return models.Device{}, mapStoreError(err)
	}

	go s.publishUserEvent(UserEvent{Type: EventKeysChanged, UserId: params.UserId, DeviceId: params.DeviceId, Reason: "device_approved"})
	return device, nil
}

// RevokeDevice removes the device's copy of the master key. Document keys
// are not rotated: the device loses access to new wrapped material only.
func (s *Service) RevokeDevice(ctx context.Context, userId string, actingDeviceId string, deviceId string) error {
	if err := ValidateId("user", userId); err != nil {
		return err
	}
	if err := ValidateId("device", deviceId); err != nil {
		return err
	}

	acting, err := s.Store.GetDevice(ctx, userId, actingDeviceId)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return fmt.Errorf("%w: unknown acting device", syncerr.ErrUnauthorized)
		}
		return mapStoreError(err)
	}
	if !acting.Approved {
		return fmt.Errorf("%w: acting device is not approved", syncerr.ErrUnauthorized)
	}

	// a user without an approved device has no way to approve a new one
	devices, err := s.Store.ListDevices(ctx, userId)
	if err != nil {
		return mapStoreError(err)
	}
	remaining := 0
	for _, d := range devices {
		if d.Approved && d.DeviceId != deviceId {
			remaining++
		}
	}
	if remaining == 0 {
		return fmt.Errorf("%w: %s is the last approved device", syncerr.ErrPrecondition, deviceId)
	}

	if err := s.Store.RevokeDevice(ctx, userId, deviceId, s.now().Unix()); err != nil {
		return mapStoreError(err)
	}

	s.Log.Infof("Device %s of user %s revoked by %s", deviceId, userId, actingDeviceId)
	go s.publishUserEvent(UserEvent{Type: EventKeysChanged, UserId: userId, DeviceId: deviceId, Reason: "device_revoked"})
	return nil
}

type GrantParams struct {
	DocumentId        string
	GranterUserId     string
	UserId            string
	WrappedContentKey []byte
}

// GrantDocumentAccess stores the document key wrapped for a user. Granting
// identical bytes twice is a no-op; different bytes for an existing grant
// conflict.
func (s *Service) GrantDocumentAccess(ctx context.Context, params GrantParams) (models.DocKey, error) {
	if err := ValidateId("document", params.DocumentId); err != nil {
		return models.DocKey{}, err
	}
	if err := ValidateId("user", params.GranterUserId); err != nil {
		return models.DocKey{}, err
	}
	if err := ValidateId("user", params.UserId); err != nil {
		return models.DocKey{}, err
	}
	if err := ValidateWrappedKey(params.WrappedContentKey); err != nil {
		return models.DocKey{}, err
	}

	if err := s.authorizeGrant(ctx, params); err != nil {
		return models.DocKey{}, err
	}

	if _, err := s.Store.GetUserKey(ctx, params.UserId); err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return models.DocKey{}, fmt.Errorf("%w: user %s has no published key", syncerr.ErrPrecondition, params.UserId)
		}
		return models.DocKey{}, mapStoreError(err)
	}

	key, created, err := s.Store.PutDocKey(ctx, models.DocKey{
		DocumentId: params.DocumentId,
		UserId:     params.UserId,
		Wrapped:    params.WrappedContentKey,
		Created:    s.now().Unix(),
	})
	if err != nil {
		return models.DocKey{}, mapStoreError(err)
	}
	if !created {
		if !bytes.Equal(key.Wrapped, params.WrappedContentKey) {
			return models.DocKey{}, fmt.Errorf("%w: user %s already holds a different key for %s", syncerr.ErrConflict, params.UserId, params.DocumentId)
		}
		return key, nil
	}

	go s.publishUserEvent(UserEvent{Type: EventKeysChanged, UserId: params.UserId, DocumentId: params.DocumentId, Reason: "access_granted"})
	return key, nil
}

// authorizeGrant requires the granter to hold the document key, except for
// a creator granting themselves the first key of a document.
func (s *Service) authorizeGrant(ctx context.Context, params GrantParams) error {
	_, err := s.Store.GetDocKey(ctx, params.DocumentId, params.GranterUserId)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrItemNotFound) {
		return mapStoreError(err)
	}

	if params.GranterUserId == params.UserId {
		n, err := s.Store.CountDocKeys(ctx, params.DocumentId)
		if err != nil {
			return mapStoreError(err)
		}
		if n == 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: %s holds no key for %s", syncerr.ErrUnauthorized, params.GranterUserId, params.DocumentId)
}

// RevokeDocumentAccess deletes a user's key for the document. Users may
// always drop their own access.
func (s *Service) RevokeDocumentAccess(ctx context.Context, documentId string, actingUserId string, userId string) error {
	if err := ValidateId("document", documentId); err != nil {
		return err
	}
	if err := ValidateId("user", userId); err != nil {
		return err
	}
	if actingUserId != userId {
		if _, err := s.Store.GetDocKey(ctx, documentId, actingUserId); err != nil {
			if errors.Is(err, store.ErrItemNotFound) {
				return fmt.Errorf("%w: %s holds no key for %s", syncerr.ErrUnauthorized, actingUserId, documentId)
			}
			return mapStoreError(err)
		}
	}

	if err := s.Store.DeleteDocKey(ctx, documentId, userId); err != nil {
		return mapStoreError(err)
	}

	go s.publishUserEvent(UserEvent{Type: EventKeysChanged, UserId: userId, DocumentId: documentId, Reason: "access_revoked"})
	return nil
}

func (s *Service) ListDevices(ctx context.Context, userId string) ([]models.Device, error) {
	devices, err := s.Store.ListDevices(ctx, userId)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return devices, nil
}

// GetWrappedMasterKey only serves approved devices.
func (s *Service) GetWrappedMasterKey(ctx context.Context, userId string, deviceId string) (models.WrappedMasterKey, error) {
	device, err := s.Store.GetDevice(ctx, userId, deviceId)
	if err != nil {
		return models.WrappedMasterKey{}, mapStoreError(err)
	}
	if !device.Approved {
		return models.WrappedMasterKey{}, fmt.Errorf("%w: device %s is not approved", syncerr.ErrUnauthorized, deviceId)
	}
	wmk, err := s.Store.GetWrappedMasterKey(ctx, userId, deviceId)
	if err != nil {
		return models.WrappedMasterKey{}, mapStoreError(err)
	}
	return wmk, nil
}

func (s *Service) GetDocKey(ctx context.Context, documentId string, userId string) (models.DocKey, error) {
	key, err := s.Store.GetDocKey(ctx, documentId, userId)
	if err != nil {
		return models.DocKey{}, mapStoreError(err)
	}
	return key, nil
}

// GetUserKey returns the user's master public key, used by others to wrap
// document keys for them.
func (s *Service) GetUserKey(ctx context.Context, userId string) (models.UserKey, error) {
	if err := ValidateId("user", userId); err != nil {
		return models.UserKey{}, err
	}
	key, err := s.Store.GetUserKey(ctx, userId)
	if err != nil {
		return models.UserKey{}, mapStoreError(err)
	}
	return key, nil
}
