package connector

import (
	"crypto/rand"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/sign"
)

// Identity is a device's persisted registration material. A zero-value
// Identity (DeviceID == uuid.Nil) means the device has never registered
// and must go through Register on its next handshake.
type Identity struct {
	DeviceID    uuid.UUID
	SigningPub  []byte
	SigningPriv []byte
	CryptPub    []byte
	CryptPriv   []byte
}

// IsZero reports whether the identity still needs to register.
func (id Identity) IsZero() bool {
	return id.DeviceID == uuid.Nil
}

// newIdentityKeys generates a fresh signing key pair (for handshake
// proofs) and a fresh box key pair (for future record-level key
// exchange; unused by SecretboxTransformer's shared-key model but part of
// the Register message the server expects).
func newIdentityKeys() (signPub, signPriv, cryptPub, cryptPriv []byte, err error) {
	sPub, sPriv, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	bPub, bPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return sPub[:], sPriv[:], bPub[:], bPriv[:], nil
}
