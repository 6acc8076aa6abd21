package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type EntryType string

const (
	EntryInitialization EntryType = "initialization"
	EntryMessage        EntryType = "message"
	EntryMemberAdd      EntryType = "memberAdd"
	EntryMemberRemove   EntryType = "memberRemove"
	EntryReadReceipt    EntryType = "readReceipt"
	EntryTyping         EntryType = "typing"
	EntryMetadataUpdate EntryType = "metadataUpdate"
)

// CoreEntry is one immutable record of a conversation log. The set of
// implementations is closed; see the variant types below.
type CoreEntry interface {
	Type() EntryType
	Meta() EntryMeta
	isCoreEntry()
}

// EntryMeta is common to every entry: who wrote it, with which writer key,
// and when (by the writer's clock). WriterCert is the author's signature
// binding WriterKey to the author within one conversation.
type EntryMeta struct {
	Author     string    `json:"author"`
	WriterKey  HexKey    `json:"writerKey"`
	WriterCert HexKey    `json:"writerCert,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (m EntryMeta) Meta() EntryMeta { return m }

type (
	Initialization struct {
		EntryMeta
		ConversationID string            `json:"conversationId"`
		IsGroup        bool              `json:"isGroup"`
		Participants   []CoreParticipant `json:"participants"`
		Name           string            `json:"name,omitempty"`
	}

	Message struct {
		EntryMeta
		ID        string       `json:"id"`
		Copies    []SealedCopy `json:"copies"`
		Signature HexKey       `json:"signature"`
	}

	MemberAdd struct {
		EntryMeta
		Participant CoreParticipant `json:"participant"`
	}

	MemberRemove struct {
		EntryMeta
		Handle string `json:"handle"`
	}

	// ReadReceipt marks every entry up to and including UpToIndex as read by
	// the author.
	ReadReceipt struct {
		EntryMeta
		UpToIndex int `json:"upToIndex"`
	}

	Typing struct {
		EntryMeta
		IsTyping bool `json:"isTyping"`
	}

	MetadataUpdate struct {
		EntryMeta
		Fields map[string]string `json:"fields"`
	}
)

func (Initialization) Type() EntryType { return EntryInitialization }
func (Message) Type() EntryType        { return EntryMessage }
func (MemberAdd) Type() EntryType      { return EntryMemberAdd }
func (MemberRemove) Type() EntryType   { return EntryMemberRemove }
func (ReadReceipt) Type() EntryType    { return EntryReadReceipt }
func (Typing) Type() EntryType         { return EntryTyping }
func (MetadataUpdate) Type() EntryType { return EntryMetadataUpdate }

func (Initialization) isCoreEntry() {}
func (Message) isCoreEntry()        {}
func (MemberAdd) isCoreEntry()      {}
func (MemberRemove) isCoreEntry()   {}
func (ReadReceipt) isCoreEntry()    {}
func (Typing) isCoreEntry()         {}
func (MetadataUpdate) isCoreEntry() {}

// IndexedEntry is an entry together with its position in the log.
type IndexedEntry struct {
	Index int
	Entry CoreEntry
}

// wireEntry is the log record. Signature is the writer key's signature
// over EntrySigningBytes(Type, Data).
type wireEntry struct {
	Type      EntryType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Signature HexKey          `json:"signature,omitempty"`
}

const entrySigningDomain = "convlog/entry/v1"

// EntrySigningBytes is what an entry's writer signature covers.
func EntrySigningBytes(t EntryType, data []byte) []byte {
	b := make([]byte, 0, len(entrySigningDomain)+len(t)+len(data)+2)
	b = append(b, entrySigningDomain...)
	b = append(b, 0)
	b = append(b, t...)
	b = append(b, 0)
	return append(b, data...)
}

// EncodeEntry serializes an entry as {"type": ..., "data": ...} without a
// signature.
func EncodeEntry(e CoreEntry) ([]byte, error) {
	return EncodeSignedEntry(e, nil)
}

// EncodeSignedEntry serializes e and, when sign is not nil, attaches
// sign(EntrySigningBytes(type, data)).
func EncodeSignedEntry(e CoreEntry, sign func([]byte) []byte) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("encode entry: nil entry")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s entry: %w", e.Type(), err)
	}
	w := wireEntry{Type: e.Type(), Data: data}
	if sign != nil {
		w.Signature = sign(EntrySigningBytes(w.Type, data))
	}
	return json.Marshal(w)
}

// DecodeEntry parses a log record. Unknown discriminators are rejected with
// ErrDecoding wrapping *UnknownEntryTypeError.
func DecodeEntry(b []byte) (CoreEntry, error) {
	e, _, err := DecodeSignedEntry(b)
	return e, err
}

// SignedEntry is what a record's writer signature covers, as read from the
// wire.
type SignedEntry struct {
	SignedBytes []byte
	Signature   HexKey
}

// DecodeSignedEntry is DecodeEntry that also returns the signed bytes and
// the signature, which is empty for unsigned records.
func DecodeSignedEntry(b []byte) (CoreEntry, SignedEntry, error) {
	var w wireEntry
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, SignedEntry{}, fmt.Errorf("%w: %w", ErrDecoding, err)
	}
	if len(w.Data) == 0 {
		return nil, SignedEntry{}, fmt.Errorf("%w: missing data for %q", ErrDecoding, w.Type)
	}
	signed := SignedEntry{SignedBytes: EntrySigningBytes(w.Type, w.Data), Signature: w.Signature}

	var (
		e   CoreEntry
		err error
	)
	switch w.Type {
	case EntryInitialization:
		e, err = decodeAs[Initialization](w.Data)
	case EntryMessage:
		e, err = decodeAs[Message](w.Data)
	case EntryMemberAdd:
		e, err = decodeAs[MemberAdd](w.Data)
	case EntryMemberRemove:
		e, err = decodeAs[MemberRemove](w.Data)
	case EntryReadReceipt:
		e, err = decodeAs[ReadReceipt](w.Data)
	case EntryTyping:
		e, err = decodeAs[Typing](w.Data)
	case EntryMetadataUpdate:
		e, err = decodeAs[MetadataUpdate](w.Data)
	default:
		err = fmt.Errorf("%w: %w", ErrDecoding, &UnknownEntryTypeError{Type: string(w.Type)})
	}
	if err != nil {
		return nil, SignedEntry{}, err
	}
	return e, signed, nil
}

func decodeAs[T CoreEntry](data json.RawMessage) (CoreEntry, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecoding, v.Type(), err)
	}
	return v, nil
}
