package model

import "time"

type (
	// KeyPair holds raw key bytes. Private material never leaves the
	// credential store except in memory.
	KeyPair struct {
		PrivateKey []byte
		PublicKey  []byte
	}

	MessagingKeys struct {
		Encryption KeyPair // X25519
		Signing    KeyPair // Ed25519
	}

	// MessagingIdentity is the public root object of an account.
	MessagingIdentity struct {
		Handle             string    `json:"handle"`
		MessagingPublicKey HexKey    `json:"messagingPublicKey"`
		SigningPublicKey   HexKey    `json:"signingPublicKey"`
		IdentityLogKey     HexKey    `json:"identityLogKey"`
		Conversations      []string  `json:"conversations"`
		CreatedAt          time.Time `json:"createdAt"`
		UpdatedAt          time.Time `json:"updatedAt"`
	}

	// IdentityRef is a record in the personal identity log pointing at a
	// conversation the account belongs to.
	IdentityRef struct {
		ConversationID string    `json:"conversationId"`
		LogKey         HexKey    `json:"logKey"`
		DiscoveryKey   HexKey    `json:"discoveryKey"`
		IsGroup        bool      `json:"isGroup"`
		Participants   []string  `json:"participants"`
		JoinedAt       time.Time `json:"joinedAt"`
	}
)

// Wipe zeroes the private halves.
func (k *MessagingKeys) Wipe() {
	zero(k.Encryption.PrivateKey)
	zero(k.Signing.PrivateKey)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
