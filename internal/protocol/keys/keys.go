package keys

import (
	"convlog/internal/cryptographic/dh"
	"convlog/internal/cryptographic/kdf"
	"convlog/internal/cryptographic/signature"
	"convlog/internal/model"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Info strings. Each derived key has its own; never reuse one for a second
// purpose.
const (
	InfoIdentity            = "identity"
	InfoMessagingEncryption = "messaging-encryption"
	InfoMessagingSigning    = "messaging-signing"
	infoConversationPrefix  = "conversation-"
	infoWriterPrefix        = "writer-"
	infoDiscovery           = "discovery"
)

var seedSalt = []byte("convlog/seed/v1")

// NormalizeSeed canonicalizes a seed phrase: NFKD, lower case, words joined
// by single spaces.
func NormalizeSeed(seed string) (string, error) {
	if !utf8.ValidString(seed) {
		return "", fmt.Errorf("%w: not valid UTF-8", model.ErrInvalidSeed)
	}
	s := strings.ToLower(norm.NFKD.String(seed))
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "", fmt.Errorf("%w: empty phrase", model.ErrInvalidSeed)
	}
	return s, nil
}

// Root is the hashed seed every key of an account is derived from. It is
// as sensitive as the seed phrase itself.
type Root [32]byte

// NewRoot normalizes and hashes a seed phrase.
func NewRoot(seed string) (Root, error) {
	normalized, err := NormalizeSeed(seed)
	if err != nil {
		return Root{}, err
	}
	return Root(sha256.Sum256([]byte(normalized))), nil
}

func (r Root) derive(info string) ([32]byte, error) {
	out, err := kdf.Key32(r[:], seedSalt, info)
	if err != nil {
		return out, fmt.Errorf("%w: hkdf %s: %w", model.ErrInvalidSeed, info, err)
	}
	return out, nil
}

// IdentityKey returns the account's Ed25519 identity key pair.
func (r Root) IdentityKey() (model.KeyPair, error) {
	k, err := r.derive(InfoIdentity)
	if err != nil {
		return model.KeyPair{}, err
	}
	pub, priv := signature.Ed25519FromSeed(k)
	return model.KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// MessagingKeys returns the X25519 encryption pair and the Ed25519 signing
// pair used for messages.
func (r Root) MessagingKeys() (model.MessagingKeys, error) {
	encSeed, err := r.derive(InfoMessagingEncryption)
	if err != nil {
		return model.MessagingKeys{}, err
	}
	signSeed, err := r.derive(InfoMessagingSigning)
	if err != nil {
		return model.MessagingKeys{}, err
	}

	encPriv, encPub, err := dh.X25519FromSeed(encSeed)
	if err != nil {
		return model.MessagingKeys{}, fmt.Errorf("%w: %w", model.ErrInvalidSeed, err)
	}
	signPub, signPriv := signature.Ed25519FromSeed(signSeed)

	return model.MessagingKeys{
		Encryption: model.KeyPair{PrivateKey: encPriv[:], PublicKey: encPub[:]},
		Signing:    model.KeyPair{PrivateKey: signPriv, PublicKey: signPub},
	}, nil
}

// ConversationKey returns a symmetric key private to this account and
// conversation.
func (r Root) ConversationKey(conversationID string) ([32]byte, error) {
	if conversationID == "" {
		return [32]byte{}, model.ErrInvalidConversationID
	}
	return r.derive(infoConversationPrefix + conversationID)
}

// WriterKey returns the Ed25519 pair that authorizes this account's appends
// to one conversation log.
func (r Root) WriterKey(conversationID string) (model.KeyPair, error) {
	if conversationID == "" {
		return model.KeyPair{}, model.ErrInvalidConversationID
	}
	k, err := r.derive(infoWriterPrefix + conversationID)
	if err != nil {
		return model.KeyPair{}, err
	}
	pub, priv := signature.Ed25519FromSeed(k)
	return model.KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

func DeriveIdentityKey(seed string) (model.KeyPair, error) {
	r, err := NewRoot(seed)
	if err != nil {
		return model.KeyPair{}, err
	}
	return r.IdentityKey()
}

func DeriveMessagingKeys(seed string) (model.MessagingKeys, error) {
	r, err := NewRoot(seed)
	if err != nil {
		return model.MessagingKeys{}, err
	}
	return r.MessagingKeys()
}

func DeriveConversationKey(seed, conversationID string) ([32]byte, error) {
	r, err := NewRoot(seed)
	if err != nil {
		return [32]byte{}, err
	}
	return r.ConversationKey(conversationID)
}

func DeriveWriterKey(seed, conversationID string) (model.KeyPair, error) {
	r, err := NewRoot(seed)
	if err != nil {
		return model.KeyPair{}, err
	}
	return r.WriterKey(conversationID)
}

// LogKeyFor is the public key of a shared log. It depends only on the log
// id so every participant computes the same one.
func LogKeyFor(logID string) model.HexKey {
	sum := sha256.Sum256([]byte("convlog/log/v1:" + logID))
	return model.HexKey(sum[:])
}

// DiscoveryKeyFor hashes a log key into the public locator peers announce.
// It reveals nothing that allows writing to the log.
func DiscoveryKeyFor(logKey model.HexKey) model.HexKey {
	k, err := kdf.Key32(logKey, nil, infoDiscovery)
	if err != nil {
		// HKDF-SHA256 only fails past 255*32 bytes of output.
		panic(err)
	}
	return model.HexKey(k[:])
}

// Fingerprint is a short public tag of the root, safe to log and to use as
// a map key.
func (r Root) Fingerprint() string {
	sum := sha256.Sum256(append([]byte("convlog/fingerprint/v1:"), r[:]...))
	return hex.EncodeToString(sum[:8])
}
