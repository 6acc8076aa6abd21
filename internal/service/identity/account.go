package identity

import (
	"convlog/internal/cryptographic/signature"
	"convlog/internal/model"
	"convlog/internal/protocol/keys"
	"time"
)

// Account is an initialized identity: the derivation root and every key an
// account needs in memory. Accounts are created by a Manager.
type Account struct {
	Handle    string
	Identity  model.KeyPair
	Messaging model.MessagingKeys

	root keys.Root
}

func newAccount(handle string, root keys.Root) (*Account, error) {
	id, err := root.IdentityKey()
	if err != nil {
		return nil, err
	}
	msg, err := root.MessagingKeys()
	if err != nil {
		return nil, err
	}
	return &Account{Handle: handle, Identity: id, Messaging: msg, root: root}, nil
}

func (a *Account) Fingerprint() string { return a.root.Fingerprint() }

func (a *Account) WriterKey(conversationID string) (model.KeyPair, error) {
	return a.root.WriterKey(conversationID)
}

func (a *Account) ConversationKey(conversationID string) ([32]byte, error) {
	return a.root.ConversationKey(conversationID)
}

// LogID is the id of the account's personal identity log.
func (a *Account) LogID() string { return model.IdentityLogID(a.Handle) }

// Participant is the account's own participant record for a conversation,
// carrying its writer key for that log.
func (a *Account) Participant(conversationID string, at time.Time) (model.CoreParticipant, error) {
	w, err := a.WriterKey(conversationID)
	if err != nil {
		return model.CoreParticipant{}, err
	}
	return model.CoreParticipant{
		Handle:             a.Handle,
		WriterKey:          w.PublicKey,
		MessagingPublicKey: a.Messaging.Encryption.PublicKey,
		SigningPublicKey:   a.Messaging.Signing.PublicKey,
		AddedAt:            at,
		AddedBy:            a.Handle,
	}, nil
}

// Profile is the signed public record of the account.
func (a *Account) Profile(at time.Time) Profile {
	p := Profile{
		Handle:             a.Handle,
		IdentityPublicKey:  a.Identity.PublicKey,
		MessagingPublicKey: a.Messaging.Encryption.PublicKey,
		SigningPublicKey:   a.Messaging.Signing.PublicKey,
		CreatedAt:          at.UTC(),
	}
	p.Signature = signature.ED25519Sign(a.Identity.PrivateKey, p.signingBytes())
	return p
}

// MessagingIdentity assembles the public root object from the account and
// the conversations its identity log references.
func (a *Account) MessagingIdentity(refs []model.IdentityRef, createdAt, updatedAt time.Time) model.MessagingIdentity {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ConversationID)
	}
	return model.MessagingIdentity{
		Handle:             a.Handle,
		MessagingPublicKey: a.Messaging.Encryption.PublicKey,
		SigningPublicKey:   a.Messaging.Signing.PublicKey,
		IdentityLogKey:     keys.LogKeyFor(a.LogID()),
		Conversations:      ids,
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
	}
}

// Wipe zeroes private key material held by the account.
func (a *Account) Wipe() {
	a.Messaging.Wipe()
	for i := range a.Identity.PrivateKey {
		a.Identity.PrivateKey[i] = 0
	}
	a.root = keys.Root{}
}
