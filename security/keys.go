package security

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the minimum accepted length of the process signing secret.
const MinSecretLength = 32

// Key purposes passed to DeriveKey.
const (
	PurposeTokenSigning         = "authbridge/token-signing/v1"
	PurposeAuthorizationRequest = "authbridge/authorization-request/v1"
)

// DeriveKey expands secret into a 32-byte key bound to purpose using HKDF-SHA256.
// Different purposes yield unrelated keys.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	if purpose == "" {
		return nil, fmt.Errorf("key purpose is required")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
