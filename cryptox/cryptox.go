// Package cryptox implements the payload encryption and key wrapping used by
// the replication engine.
//
// Payloads use XChaCha20-Poly1305 with a random 24-byte nonce prepended to the
// ciphertext. Keys are wrapped with anonymous NaCl boxes: the master key to
// each device's Curve25519 key, document keys to the user's master public key.
package cryptox

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const KeySize = chacha20poly1305.KeySize

var (
	ErrDecrypt    = errors.New("decryption failed")
	ErrKeyLength  = errors.New("invalid key length")
	ErrShortInput = errors.New("ciphertext too short")
)

// GenerateKey returns a random 256-bit symmetric key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext under key, binding aad. The output is nonce||ciphertext.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. Any tampering, wrong key or wrong aad yields ErrDecrypt.
func Open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrShortInput
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrKeyLength, len(key))
	}
	return chacha20poly1305.NewX(key)
}

// DeviceKeyPair is a device's Curve25519 key pair. The private half never
// leaves the device.
type DeviceKeyPair struct {
	Public  *[32]byte
	Private *[32]byte
}

func GenerateDeviceKeyPair() (*DeviceKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &DeviceKeyPair{Public: pub, Private: priv}, nil
}

func (kp *DeviceKeyPair) PublicBytes() []byte {
	out := make([]byte, 32)
	copy(out, kp.Public[:])
	return out
}

func publicKeyFromBytes(b []byte) (*[32]byte, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: public key must be 32 bytes, got %d", ErrKeyLength, len(b))
	}
	var pk [32]byte
	copy(pk[:], b)
	return &pk, nil
}

// WrapForDevice seals the master key to a device public key.
func WrapForDevice(masterKey, devicePublicKey []byte) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes", ErrKeyLength, KeySize)
	}
	pk, err := publicKeyFromBytes(devicePublicKey)
	if err != nil {
		return nil, err
	}
	return box.SealAnonymous(nil, masterKey, pk, rand.Reader)
}

// UnwrapWithDevice opens a master key wrapped for kp.
func UnwrapWithDevice(wrapped []byte, kp *DeviceKeyPair) ([]byte, error) {
	if len(wrapped) < box.AnonymousOverhead {
		return nil, ErrShortInput
	}
	masterKey, ok := box.OpenAnonymous(nil, wrapped, kp.Public, kp.Private)
	if !ok {
		return nil, ErrDecrypt
	}
	return masterKey, nil
}

// MasterPublicKey derives the public half of a master key. The master key
// doubles as the user's X25519 private key so other users can wrap document
// keys for it without ever holding it.
func MasterPublicKey(masterKey []byte) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes", ErrKeyLength, KeySize)
	}
	return curve25519.X25519(masterKey, curve25519.Basepoint)
}

// DocKeyAAD binds a wrapped content key to its document and user.
func DocKeyAAD(documentId, userId string) []byte {
	return []byte("dockey|" + documentId + "|" + userId + "|")
}

// PayloadAAD binds delta and snapshot ciphertext to its document.
func PayloadAAD(documentId string) []byte {
	return []byte("payload|" + documentId)
}

// WrapDocKey seals a document content key to a user's master public key.
func WrapDocKey(userPublicKey, contentKey []byte, documentId, userId string) ([]byte, error) {
	if len(contentKey) != KeySize {
		return nil, fmt.Errorf("%w: content key must be %d bytes", ErrKeyLength, KeySize)
	}
	pk, err := publicKeyFromBytes(userPublicKey)
	if err != nil {
		return nil, err
	}
	message := append(DocKeyAAD(documentId, userId), contentKey...)
	return box.SealAnonymous(nil, message, pk, rand.Reader)
}

// UnwrapDocKey opens a content key with the user's master key and checks it
// was wrapped for this document and user.
func UnwrapDocKey(masterKey, wrapped []byte, documentId, userId string) ([]byte, error) {
	pub, err := MasterPublicKey(masterKey)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < box.AnonymousOverhead {
		return nil, ErrShortInput
	}

	var pk, sk [32]byte
	copy(pk[:], pub)
	copy(sk[:], masterKey)
	message, ok := box.OpenAnonymous(nil, wrapped, &pk, &sk)
	if !ok {
		return nil, ErrDecrypt
	}

	prefix := DocKeyAAD(documentId, userId)
	if len(message) != len(prefix)+KeySize || !bytes.Equal(message[:len(prefix)], prefix) {
		return nil, ErrDecrypt
	}
	return message[len(prefix):], nil
}
