package credential

import (
	"context"
	"convlog/internal/cryptographic/encryption"
	"convlog/internal/model"
	redisSvc "convlog/internal/service/redis"
	"encoding/json"
	"errors"
)

// Redis stores credentials in Redis, sealed at rest under a key-encryption
// key stretched from a local passphrase.
type Redis struct {
	redisService *redisSvc.RedisService
	passphrase   []byte
}

// sealedRecord is how both the Redis and the file backend keep a secret.
type sealedRecord struct {
	Policy AccessPolicy `json:"policy"`
	Sealed []byte       `json:"sealed"`
}

func NewRedis(redisService *redisSvc.RedisService, passphrase string) *Redis {
	return &Redis{redisService: redisService, passphrase: []byte(passphrase)}
}

func (r *Redis) Store(ctx context.Context, key string, value []byte, policy AccessPolicy) error {
	sealed, err := encryption.SealWithPassphrase(r.passphrase, value)
	if err != nil {
		return model.CredentialStoreError(model.CredentialCodeUnavailable, err)
	}
	data, err := json.Marshal(sealedRecord{Policy: policy, Sealed: sealed})
	if err != nil {
		return model.CredentialStoreError(model.CredentialCodeUnavailable, err)
	}
	if err := r.redisService.Set(ctx, key, data, 0); err != nil {
		return model.CredentialStoreError(model.CredentialCodeUnavailable, err)
	}
	return nil
}

func (r *Redis) Retrieve(ctx context.Context, key string) ([]byte, error) {
	v, err := r.redisService.Get(ctx, key)
	if errors.Is(err, redisSvc.ErrNotFound) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, model.CredentialStoreError(model.CredentialCodeUnavailable, err)
	}

	var rec sealedRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, model.CredentialStoreError(model.CredentialCodeCorrupt, err)
	}
	plain, err := encryption.OpenWithPassphrase(r.passphrase, rec.Sealed)
	if err != nil {
		return nil, model.CredentialStoreError(model.CredentialCodeDenied, err)
	}
	return plain, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.redisService.Del(ctx, key); err != nil {
		return model.CredentialStoreError(model.CredentialCodeUnavailable, err)
	}
	return nil
}
