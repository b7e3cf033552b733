// Package cryptox derives purpose-bound keys from the single configured
// service secret.
package cryptox

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key purposes. Each one yields an independent key from the same secret.
const (
	PurposeAccessToken = "opsportal/access-token/v1"
)

// ErrEmptySecret is returned when no secret is configured.
var ErrEmptySecret = errors.New("empty secret")

// DeriveKey expands secret into a 32-byte key bound to purpose using
// HKDF-SHA256. The same (secret, purpose) pair always yields the same key.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	r := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	return key, nil
}
