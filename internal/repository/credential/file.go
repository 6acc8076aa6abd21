package credential

import (
	"context"
	"convlog/internal/cryptographic/encryption"
	"convlog/internal/model"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// File keeps each credential in its own file under dir, sealed with a key
// stretched from a local passphrase. It survives restarts, which the memory
// store does not.
type File struct {
	dir        string
	passphrase []byte
	mu         sync.Mutex
}

func NewFile(dir, passphrase string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	return &File{dir: dir, passphrase: []byte(passphrase)}, nil
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, hex.EncodeToString([]byte(key))+".enc")
}

func (f *File) Store(ctx context.Context, key string, value []byte, policy AccessPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sealed, err := encryption.SealWithPassphrase(f.passphrase, value)
	if err != nil {
		return model.CredentialStoreError(model.CredentialCodeUnavailable, err)
	}
	data, err := json.Marshal(sealedRecord{Policy: policy, Sealed: sealed})
	if err != nil {
		return model.CredentialStoreError(model.CredentialCodeUnavailable, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	tmp, err := os.CreateTemp(f.dir, ".credential-*")
	if err != nil {
		return model.CredentialStoreError(model.CredentialCodeUnavailable, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return model.CredentialStoreError(model.CredentialCodeUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return model.CredentialStoreError(model.CredentialCodeUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		return model.CredentialStoreError(model.CredentialCodeUnavailable, err)
	}
	return nil
}

func (f *File) Retrieve(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	data, err := os.ReadFile(f.path(key))
	f.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, model.CredentialStoreError(model.CredentialCodeUnavailable, err)
	}

	var rec sealedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, model.CredentialStoreError(model.CredentialCodeCorrupt, err)
	}
	plain, err := encryption.OpenWithPassphrase(f.passphrase, rec.Sealed)
	if err != nil {
		return nil, model.CredentialStoreError(model.CredentialCodeDenied, err)
	}
	return plain, nil
}

func (f *File) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return model.CredentialStoreError(model.CredentialCodeUnavailable, err)
	}
	return nil
}
