// Package credential holds derived private key material. Keys are namespaced
// per handle; nothing stored here is ever written to a log or a backup.
package credential

import (
	"context"
	"convlog/internal/model"
	"fmt"
)

// AccessPolicy mirrors platform keychain accessibility classes.
type AccessPolicy string

const (
	WhenUnlocked           AccessPolicy = "when-unlocked"
	AfterFirstUnlock       AccessPolicy = "after-first-unlock"
	WhenUnlockedThisDevice AccessPolicy = "when-unlocked-this-device"
	DefaultAccessPolicy                 = WhenUnlockedThisDevice
)

// Purposes of stored secrets.
const (
	PurposeRoot                = "root"
	PurposeIdentity            = "identity"
	PurposeMessagingEncryption = "messaging-encryption"
	PurposeMessagingSigning    = "messaging-signing"
)

type Store interface {
	Store(ctx context.Context, key string, value []byte, policy AccessPolicy) error
	// Retrieve returns a CredentialStoreError with CredentialCodeNotFound
	// when key is absent.
	Retrieve(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Key namespaces a purpose under a handle.
func Key(handle, purpose string) string {
	return fmt.Sprintf("convlog:%s:%s", handle, purpose)
}

func notFound(key string) error {
	return model.CredentialStoreError(model.CredentialCodeNotFound, fmt.Errorf("no credential %q", key))
}
