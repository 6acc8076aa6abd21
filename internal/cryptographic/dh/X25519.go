package dh

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Generate a new X25519 key pair
func NewX25519KeyPair() (priv, pub [32]byte, err error) {
	_, err = rand.Read(priv[:])
	if err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	clamp(&priv)
	pub, err = PublicKey(priv)
	return priv, pub, err
}

// X25519FromSeed clamps 32 bytes of derived key material into a private
// scalar and returns the pair. Same seed, same pair.
func X25519FromSeed(seed [32]byte) (priv, pub [32]byte, err error) {
	priv = seed
	clamp(&priv)
	pub, err = PublicKey(priv)
	return priv, pub, err
}

func PublicKey(priv [32]byte) (pub [32]byte, err error) {
	b, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("derive public key: %w", err)
	}
	copy(pub[:], b)
	return pub, nil
}

// Perform X25519 scalar multiplication: priv * pub
func X25519SharedSecret(priv, pub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
