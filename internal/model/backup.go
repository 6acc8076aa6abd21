package model

import "time"

// BackupVersion is the only backup format version this build reads and writes.
const BackupVersion = 1

type (
	// Backup is the exportable recovery document. It only ever carries public
	// join coordinates; IdentityKey is always null on the wire.
	Backup struct {
		Version            int               `json:"version"`
		ExportedAt         time.Time         `json:"exportedAt"`
		IdentityKey        *string           `json:"identityKey"`
		MessagingPublicKey *string           `json:"messagingPublicKey"`
		ConversationKeys   []ConversationKey `json:"conversationKeys"`
	}

	ConversationKey struct {
		ConversationID string `json:"conversationId"`
		LogKey         HexKey `json:"logKey"`
		DiscoveryKey   HexKey `json:"discoveryKey"`
	}

	// RecoveryResult summarizes a recovery run.
	RecoveryResult struct {
		ConversationsRecovered int      `json:"conversationsRecovered"`
		IdentityKeyRestored    bool     `json:"identityKeyRestored"`
		MessagingKeysRestored  bool     `json:"messagingKeysRestored"`
		Failed                 []string `json:"failed,omitempty"`
	}
)
