// Package identity initializes accounts from seed phrases, keeps their
// private keys in the credential store and maintains each account's personal
// identity log.
package identity

import (
	"bytes"
	"context"
	"convlog/internal/model"
	"convlog/internal/protocol/keys"
	"convlog/internal/repository/credential"
	"convlog/internal/utils/log"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Manager owns the accounts of one App. It is not a process singleton;
// several managers can coexist, each with its own credential store.
type Manager struct {
	creds  credential.Store
	policy credential.AccessPolicy

	group singleflight.Group

	mu       sync.RWMutex
	accounts map[string]*Account
}

func NewManager(creds credential.Store, policy credential.AccessPolicy) *Manager {
	if policy == "" {
		policy = credential.DefaultAccessPolicy
	}
	return &Manager{
		creds:    creds,
		policy:   policy,
		accounts: make(map[string]*Account),
	}
}

// Initialize derives the account for seed and handle and persists its
// private keys. Concurrent calls for the same seed and handle share one
// derivation and one set of credential writes.
func (m *Manager) Initialize(ctx context.Context, seed, handle string) (*Account, error) {
	handle, err := model.NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}
	root, err := keys.NewRoot(seed)
	if err != nil {
		return nil, err
	}

	flight := handle + "/" + root.Fingerprint()
	ch := m.group.DoChan(flight, func() (any, error) {
		if a := m.cached(handle); a != nil && a.root == root {
			return a, nil
		}

		acct, err := newAccount(handle, root)
		if err != nil {
			return nil, err
		}
		// The flight outlives any single caller.
		if err := m.persist(context.WithoutCancel(ctx), acct); err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.accounts[handle] = acct
		m.mu.Unlock()

		log.Info("identity initialized",
			zap.String("handle", handle),
			zap.String("fingerprint", acct.Fingerprint()))
		return acct, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Account), nil
	}
}

// Load returns the account for handle from memory or the credential store.
// It fails with model.ErrNotInitialized when nothing was stored.
func (m *Manager) Load(ctx context.Context, handle string) (*Account, error) {
	handle, err := model.NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}
	if a := m.cached(handle); a != nil {
		return a, nil
	}

	v, err, _ := m.group.Do(handle+"/load", func() (any, error) {
		raw, err := m.creds.Retrieve(ctx, credential.Key(handle, credential.PurposeRoot))
		if err != nil {
			var e *model.Error
			if errors.As(err, &e) && e.Code == model.CredentialCodeNotFound {
				return nil, fmt.Errorf("%w: %s", model.ErrNotInitialized, handle)
			}
			return nil, err
		}
		if len(raw) != len(keys.Root{}) {
			return nil, model.CredentialStoreError(model.CredentialCodeCorrupt, fmt.Errorf("root for %s has %d bytes", handle, len(raw)))
		}

		acct, err := newAccount(handle, keys.Root(raw))
		if err != nil {
			return nil, err
		}
		stored, err := m.creds.Retrieve(ctx, credential.Key(handle, credential.PurposeIdentity))
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(stored, acct.Identity.PrivateKey) {
			return nil, model.CredentialStoreError(model.CredentialCodeCorrupt, fmt.Errorf("identity key for %s does not match root", handle))
		}

		m.mu.Lock()
		m.accounts[handle] = acct
		m.mu.Unlock()
		return acct, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Account), nil
}

// Forget deletes the stored credentials of handle and drops it from memory.
func (m *Manager) Forget(ctx context.Context, handle string) error {
	handle, err := model.NormalizeHandle(handle)
	if err != nil {
		return err
	}
	for _, purpose := range purposes {
		if err := m.creds.Delete(ctx, credential.Key(handle, purpose)); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if a, ok := m.accounts[handle]; ok {
		a.Wipe()
		delete(m.accounts, handle)
	}
	m.mu.Unlock()
	return nil
}

var purposes = []string{
	credential.PurposeRoot,
	credential.PurposeIdentity,
	credential.PurposeMessagingEncryption,
	credential.PurposeMessagingSigning,
}

func (m *Manager) cached(handle string) *Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[handle]
}

func (m *Manager) persist(ctx context.Context, a *Account) error {
	secrets := map[string][]byte{
		credential.PurposeRoot:                a.root[:],
		credential.PurposeIdentity:            a.Identity.PrivateKey,
		credential.PurposeMessagingEncryption: a.Messaging.Encryption.PrivateKey,
		credential.PurposeMessagingSigning:    a.Messaging.Signing.PrivateKey,
	}
	for _, purpose := range purposes {
		if err := m.creds.Store(ctx, credential.Key(a.Handle, purpose), secrets[purpose], m.policy); err != nil {
			return fmt.Errorf("store %s key: %w", purpose, err)
		}
	}
	return nil
}
