package adaptive

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest shared secret FromSecret accepts.
const MinSecretLength = 16

// ErrSecretTooShort is returned for secrets below MinSecretLength.
var ErrSecretTooShort = errors.New("adaptive: shared secret too short")

// DeriveKey expands secret into a 32-byte key bound to purpose.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// FromSecret derives a key from secret and purpose and returns the
// preferred cipher for it.
func FromSecret(secret []byte, purpose string) (Cipher, error) {
	key, err := DeriveKey(secret, purpose)
	if err != nil {
		return nil, err
	}
	return New(key)
}
