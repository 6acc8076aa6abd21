package envelope

import (
	"convlog/internal/cryptographic/signature"
	"convlog/internal/model"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
)

const signingDomain = "convlog/message-signature/v1"

// SigningBytes is the canonical byte string a message signature covers:
// conversation, id, author, writer key, timestamp and every sealed copy.
// Fields are length-prefixed so no two messages share an encoding.
func SigningBytes(conversationID string, msg model.Message) []byte {
	var b []byte
	b = appendField(b, []byte(signingDomain))
	b = appendField(b, []byte(conversationID))
	b = appendField(b, []byte(msg.ID))
	b = appendField(b, []byte(msg.Author))
	b = appendField(b, msg.WriterKey)
	b = binary.BigEndian.AppendUint64(b, uint64(msg.Timestamp.UnixNano()))
	b = binary.BigEndian.AppendUint32(b, uint32(len(msg.Copies)))
	for _, c := range msg.Copies {
		b = appendField(b, []byte(c.Recipient))
		b = appendField(b, c.Content.SenderPublicKey)
		b = appendField(b, c.Content.Nonce)
		b = appendField(b, c.Content.Ciphertext)
	}
	return b
}

func appendField(b, field []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(field)))
	return append(b, field...)
}

// SignMessage signs the canonical bytes of msg. Any existing signature on
// msg is ignored.
func SignMessage(conversationID string, msg model.Message, signingKey []byte) (model.HexKey, error) {
	if err := ensureSigningKey(signingKey); err != nil {
		return nil, err
	}
	return signature.ED25519Sign(signingKey, SigningBytes(conversationID, msg)), nil
}

// VerifyMessage returns model.ErrSignatureInvalid unless msg carries a valid
// signature by authorSigningKey.
func VerifyMessage(conversationID string, msg model.Message, authorSigningKey []byte) error {
	if len(authorSigningKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: author key must be %d bytes", model.ErrSignatureInvalid, ed25519.PublicKeySize)
	}
	if !signature.ED25519Verify(authorSigningKey, SigningBytes(conversationID, msg), msg.Signature) {
		return model.ErrSignatureInvalid
	}
	return nil
}

const writerCertDomain = "convlog/writer-certificate/v1"

// WriterCertBytes is what a writer certificate covers: the conversation and
// the writer key being vouched for.
func WriterCertBytes(conversationID string, writerKey []byte) []byte {
	var b []byte
	b = appendField(b, []byte(writerCertDomain))
	b = appendField(b, []byte(conversationID))
	return appendField(b, writerKey)
}

// CertifyWriter signs writerKey with the author's messaging signing key,
// binding it to the author for conversationID.
func CertifyWriter(conversationID string, writerKey, signingKey []byte) (model.HexKey, error) {
	if err := ensureSigningKey(signingKey); err != nil {
		return nil, err
	}
	return signature.ED25519Sign(signingKey, WriterCertBytes(conversationID, writerKey)), nil
}

// VerifyWriter reports whether meta's writer key is certified by
// authorSigningKey for conversationID.
func VerifyWriter(conversationID string, meta model.EntryMeta, authorSigningKey []byte) bool {
	return signature.ED25519Verify(authorSigningKey, WriterCertBytes(conversationID, meta.WriterKey), meta.WriterCert)
}

// SignEntry encodes e signed by the writer private key matching its
// WriterKey.
func SignEntry(e model.CoreEntry, writerKey []byte) ([]byte, error) {
	if err := ensureSigningKey(writerKey); err != nil {
		return nil, err
	}
	return model.EncodeSignedEntry(e, func(b []byte) []byte {
		return signature.ED25519Sign(writerKey, b)
	})
}

// OpenEntry decodes a log record and checks its writer signature. A record
// that decodes but is unsigned or wrongly signed is returned together with
// model.ErrSignatureInvalid so callers can still report who it claims to
// be from.
func OpenEntry(b []byte) (model.CoreEntry, error) {
	e, signed, err := model.DecodeSignedEntry(b)
	if err != nil {
		return nil, err
	}
	if !signature.ED25519Verify(e.Meta().WriterKey, signed.SignedBytes, signed.Signature) {
		return e, fmt.Errorf("%s entry by %s: %w", e.Type(), e.Meta().Author, model.ErrSignatureInvalid)
	}
	return e, nil
}
