package encryption

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSizeX
	SaltSize  = 16
)

// NewNonce returns a fresh random 24-byte nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return nonce, nil
}

// Seal encrypts with XChaCha20-Poly1305 under key and the caller's nonce.
func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305.NewX: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305.NewX: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("aead.Open: %w", err)
	}
	return plain, nil
}

// AEADEncrypt seals plaintext under a fresh nonce and returns nonce || ciphertext.
func AEADEncrypt(key, plaintext, aad []byte) ([]byte, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	ct, err := Seal(key, nonce, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

func AEADDecrypt(key, nonceAndCiphertext, aad []byte) ([]byte, error) {
	if len(nonceAndCiphertext) < NonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return Open(key, nonceAndCiphertext[:NonceSize], nonceAndCiphertext[NonceSize:], aad)
}

// DeriveKEK stretches a passphrase into a key-encryption key with Argon2id.
func DeriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// SealWithPassphrase returns salt || nonce || ciphertext.
func SealWithPassphrase(passphrase, plaintext []byte) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("rand.Read salt: %w", err)
	}
	kek := DeriveKEK(passphrase, salt)
	defer Wipe(kek)

	sealed, err := AEADEncrypt(kek, plaintext, salt)
	if err != nil {
		return nil, err
	}
	return append(salt, sealed...), nil
}

func OpenWithPassphrase(passphrase, blob []byte) ([]byte, error) {
	if len(blob) < SaltSize+NonceSize {
		return nil, fmt.Errorf("sealed blob too short")
	}
	salt := blob[:SaltSize]
	kek := DeriveKEK(passphrase, salt)
	defer Wipe(kek)
	return AEADDecrypt(kek, blob[SaltSize:], salt)
}
