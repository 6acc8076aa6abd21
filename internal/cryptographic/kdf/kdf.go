package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer from HKDF-SHA256 over secret, salt and info.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// Key32 derives a single 32-byte key. Distinct info strings give
// independent keys from the same secret.
func Key32(secret, salt []byte, info string) ([32]byte, error) {
	var out [32]byte
	_, err := HKDF(secret, salt, []byte(info), out[:])
	return out, err
}
