package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// NewToken returns a 64-character hex session token from 32 random bytes.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewCode returns a 6-digit numeric verification code (100000–999999).
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// NewNicknameSuffix returns 10 random digits used to build the default
// nickname of a freshly registered account.
func NewNicknameSuffix() (string, error) {
	max := big.NewInt(10_000_000_000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate nickname suffix: %w", err)
	}
	return fmt.Sprintf("%010d", n.Int64()), nil
}

// NewTaskID returns a random UUID identifying one dispatch task for its
// whole lifetime, including requeues.
func NewTaskID() string {
	return uuid.NewString()
}
