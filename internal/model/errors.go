package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized        = errors.New("not initialized")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrParticipantNotFound   = errors.New("participant not found")
	ErrSignatureInvalid      = errors.New("signature invalid")
	ErrInvalidConversationID = errors.New("invalid conversation id")
	ErrNotAuthorized         = errors.New("not authorized")
	ErrInvalidBackupFormat   = errors.New("invalid backup format")
	ErrExportFailed          = errors.New("export failed")
	ErrInvalidSeed           = errors.New("invalid seed phrase")
	ErrDecoding              = errors.New("entry decoding failed")
)

// Kind classifies failures that carry a reason.
type Kind int

const (
	KindEncryptionFailed Kind = iota + 1
	KindDecryptionFailed
	KindSignatureFailed
	KindSyncFailed
	KindStorageError
	KindCredentialStoreError
	KindRecoveryFailed
)

func (k Kind) String() string {
	switch k {
	case KindEncryptionFailed:
		return "encryption failed"
	case KindDecryptionFailed:
		return "decryption failed"
	case KindSignatureFailed:
		return "signature failed"
	case KindSyncFailed:
		return "sync failed"
	case KindStorageError:
		return "storage error"
	case KindCredentialStoreError:
		return "credential store error"
	case KindRecoveryFailed:
		return "recovery failed"
	default:
		return "unknown error"
	}
}

// Error is a failure with a kind and a human readable reason. Code is only
// set for credential store errors.
type Error struct {
	Kind   Kind
	Reason string
	Code   int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Kind == KindCredentialStoreError {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind. A target with a reason or
// code only matches when those are equal too.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	if t.Code != 0 && t.Code != e.Code {
		return false
	}
	return true
}

// Kind templates for errors.Is.
var (
	ErrEncryptionFailed = &Error{Kind: KindEncryptionFailed}
	ErrDecryptionFailed = &Error{Kind: KindDecryptionFailed}
	ErrSignatureFailed  = &Error{Kind: KindSignatureFailed}
	ErrSyncFailed       = &Error{Kind: KindSyncFailed}
	ErrStorage          = &Error{Kind: KindStorageError}
	ErrCredentialStore  = &Error{Kind: KindCredentialStoreError}
	ErrRecoveryFailed   = &Error{Kind: KindRecoveryFailed}
)

func EncryptionFailed(reason string, err error) error {
	return &Error{Kind: KindEncryptionFailed, Reason: reason, Err: err}
}

func DecryptionFailed(reason string, err error) error {
	return &Error{Kind: KindDecryptionFailed, Reason: reason, Err: err}
}

func SignatureFailed(reason string, err error) error {
	return &Error{Kind: KindSignatureFailed, Reason: reason, Err: err}
}

func SyncFailed(reason string, err error) error {
	return &Error{Kind: KindSyncFailed, Reason: reason, Err: err}
}

func StorageError(reason string, err error) error {
	return &Error{Kind: KindStorageError, Reason: reason, Err: err}
}

func CredentialStoreError(code int, err error) error {
	return &Error{Kind: KindCredentialStoreError, Code: code, Err: err}
}

func RecoveryFailed(reason string, err error) error {
	return &Error{Kind: KindRecoveryFailed, Reason: reason, Err: err}
}

// Credential store error codes.
const (
	CredentialCodeNotFound = 1 + iota
	CredentialCodeUnavailable
	CredentialCodeCorrupt
	CredentialCodeDenied
)

// UnknownEntryTypeError reports a log record whose discriminator is not one
// of the known entry types.
type UnknownEntryTypeError struct {
	Type string
}

func (e *UnknownEntryTypeError) Error() string {
	return fmt.Sprintf("unknown entry type %q", e.Type)
}
