package envelope

import (
	"convlog/internal/cryptographic/dh"
	"convlog/internal/cryptographic/encryption"
	"convlog/internal/cryptographic/kdf"
	"convlog/internal/model"
	"crypto/ed25519"
	"errors"
	"fmt"
)

// MaxPlaintextSize bounds a single message body.
const MaxPlaintextSize = 64 * 1024

const contentInfo = "convlog/message/v1"

// EncryptForCore seals plaintext to recipientPublicKey. A fresh ephemeral
// X25519 key is agreed with the recipient key, the shared secret is run
// through HKDF, and the body is sealed with XChaCha20-Poly1305 under a
// random nonce. The ephemeral public key travels as SenderPublicKey.
func EncryptForCore(plaintext, recipientPublicKey []byte) (model.EncryptedContent, error) {
	if len(plaintext) > MaxPlaintextSize {
		return model.EncryptedContent{}, model.EncryptionFailed(
			fmt.Sprintf("plaintext is %d bytes, limit %d", len(plaintext), MaxPlaintextSize), nil)
	}
	if len(recipientPublicKey) != 32 {
		return model.EncryptedContent{}, model.EncryptionFailed("recipient key must be 32 bytes", nil)
	}

	ephPriv, ephPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return model.EncryptedContent{}, model.EncryptionFailed("ephemeral key", err)
	}
	defer encryption.Wipe(ephPriv[:])

	key, err := contentKey(ephPriv, [32]byte(recipientPublicKey), ephPub[:], recipientPublicKey)
	if err != nil {
		return model.EncryptedContent{}, model.EncryptionFailed("key agreement", err)
	}
	defer encryption.Wipe(key[:])

	nonce, err := encryption.NewNonce()
	if err != nil {
		return model.EncryptedContent{}, model.EncryptionFailed("nonce", err)
	}
	ct, err := encryption.Seal(key[:], nonce, plaintext, aad(ephPub[:], recipientPublicKey))
	if err != nil {
		return model.EncryptedContent{}, model.EncryptionFailed("seal", err)
	}

	return model.EncryptedContent{
		Ciphertext:      ct,
		Nonce:           nonce,
		SenderPublicKey: model.HexKey(ephPub[:]),
	}, nil
}

// DecryptFromCore opens content produced by EncryptForCore. Every failure
// (bad sizes, wrong key, tampered bytes, wrong nonce) is a DecryptionFailed
// error.
func DecryptFromCore(ciphertext, nonce, senderPublicKey, recipientPrivateKey []byte) ([]byte, error) {
	if len(senderPublicKey) != 32 {
		return nil, model.DecryptionFailed("sender key must be 32 bytes", nil)
	}
	if len(recipientPrivateKey) != 32 {
		return nil, model.DecryptionFailed("recipient key must be 32 bytes", nil)
	}
	if len(nonce) != encryption.NonceSize {
		return nil, model.DecryptionFailed(fmt.Sprintf("nonce must be %d bytes", encryption.NonceSize), nil)
	}

	recipientPub, err := dh.PublicKey([32]byte(recipientPrivateKey))
	if err != nil {
		return nil, model.DecryptionFailed("recipient key", err)
	}
	key, err := contentKey([32]byte(recipientPrivateKey), [32]byte(senderPublicKey), senderPublicKey, recipientPub[:])
	if err != nil {
		return nil, model.DecryptionFailed("key agreement", err)
	}
	defer encryption.Wipe(key[:])

	plain, err := encryption.Open(key[:], nonce, ciphertext, aad(senderPublicKey, recipientPub[:]))
	if err != nil {
		return nil, model.DecryptionFailed("authentication failed", err)
	}
	return plain, nil
}

// Open is DecryptFromCore over an EncryptedContent.
func Open(c model.EncryptedContent, recipientPrivateKey []byte) ([]byte, error) {
	return DecryptFromCore(c.Ciphertext, c.Nonce, c.SenderPublicKey, recipientPrivateKey)
}

func contentKey(priv, pub [32]byte, senderPub, recipientPub []byte) ([32]byte, error) {
	shared, err := dh.X25519SharedSecret(priv, pub)
	if err != nil {
		return [32]byte{}, err
	}
	defer encryption.Wipe(shared)
	return kdf.Key32(shared, aad(senderPub, recipientPub), contentInfo)
}

func aad(senderPub, recipientPub []byte) []byte {
	out := make([]byte, 0, len(senderPub)+len(recipientPub))
	out = append(out, senderPub...)
	return append(out, recipientPub...)
}

// Recipient is a handle and the X25519 key its copy is sealed to.
type Recipient struct {
	Handle    string
	PublicKey []byte
}

// Seal encrypts plaintext once per recipient and signs the result with the
// author's Ed25519 signing key. meta and id are bound into the signature.
func Seal(conversationID string, meta model.EntryMeta, id string, plaintext []byte, recipients []Recipient, signingKey []byte) (model.Message, error) {
	if len(recipients) == 0 {
		return model.Message{}, model.EncryptionFailed("no recipients", nil)
	}
	msg := model.Message{EntryMeta: meta, ID: id, Copies: make([]model.SealedCopy, 0, len(recipients))}
	for _, r := range recipients {
		c, err := EncryptForCore(plaintext, r.PublicKey)
		if err != nil {
			return model.Message{}, fmt.Errorf("seal for %s: %w", r.Handle, err)
		}
		msg.Copies = append(msg.Copies, model.SealedCopy{Recipient: r.Handle, Content: c})
	}

	sig, err := SignMessage(conversationID, msg, signingKey)
	if err != nil {
		return model.Message{}, err
	}
	msg.Signature = sig
	return msg, nil
}

// ErrNoCopy means the message was not sealed for the reader.
var ErrNoCopy = errors.New("no copy for recipient")

// OpenMessage verifies msg against the author's signing key and then
// decrypts the reader's copy. Verification comes first: a message with a bad
// signature is never decrypted.
func OpenMessage(conversationID string, msg model.Message, authorSigningKey []byte, reader string, readerPrivateKey []byte) ([]byte, error) {
	if err := VerifyMessage(conversationID, msg, authorSigningKey); err != nil {
		return nil, err
	}
	for _, c := range msg.Copies {
		if c.Recipient == reader {
			return Open(c.Content, readerPrivateKey)
		}
	}
	return nil, model.DecryptionFailed(reader, ErrNoCopy)
}

func ensureSigningKey(key []byte) error {
	if len(key) != ed25519.PrivateKeySize {
		return model.SignatureFailed(fmt.Sprintf("signing key must be %d bytes", ed25519.PrivateKeySize), nil)
	}
	return nil
}
