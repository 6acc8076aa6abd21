package model

import "time"

type (
	// EncryptedContent is a sealed payload addressed to one recipient key.
	EncryptedContent struct {
		Ciphertext      []byte `json:"ciphertext"`
		Nonce           []byte `json:"nonce"`
		SenderPublicKey HexKey `json:"senderPublicKey"`
	}

	// SealedCopy is one recipient's copy of a message body.
	SealedCopy struct {
		Recipient string           `json:"recipient"`
		Content   EncryptedContent `json:"content"`
	}

	MessageStatus string

	// RenderedMessage is what a reader may show for a Message entry.
	RenderedMessage struct {
		Index     int           `json:"index"`
		ID        string        `json:"id"`
		Author    string        `json:"author"`
		Timestamp time.Time     `json:"timestamp"`
		Status    MessageStatus `json:"status"`
		Text      string        `json:"text"`
	}

	// IntegrityWarning records a suppressed entry.
	IntegrityWarning struct {
		Index  int    `json:"index"`
		Author string `json:"author"`
		Reason string `json:"reason"`
	}

	Timeline struct {
		ConversationID string             `json:"conversationId"`
		Messages       []RenderedMessage  `json:"messages"`
		Warnings       []IntegrityWarning `json:"warnings,omitempty"`
	}
)

const (
	MessageAvailable   MessageStatus = "available"
	MessageUnavailable MessageStatus = "unavailable"

	UnavailablePlaceholder = "Message unavailable"
)
