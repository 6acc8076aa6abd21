package credential

import (
	"context"
	"convlog/internal/model"
	redisSvc "convlog/internal/service/redis"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := Key("alice-"+uuid.NewString()[:8], PurposeRoot)

	_, err := s.Retrieve(ctx, key)
	require.ErrorIs(t, err, &model.Error{Kind: model.KindCredentialStoreError, Code: model.CredentialCodeNotFound})

	require.NoError(t, s.Store(ctx, key, []byte("secret"), DefaultAccessPolicy))
	got, err := s.Retrieve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)

	require.NoError(t, s.Store(ctx, key, []byte("rotated"), WhenUnlocked))
	got, err = s.Retrieve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("rotated"), got)

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Retrieve(ctx, key)
	assert.ErrorIs(t, err, model.ErrCredentialStore)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exercise(t, m)

	ctx := context.Background()
	value := []byte("secret")
	require.NoError(t, m.Store(ctx, Key("alice", PurposeIdentity), value, WhenUnlockedThisDevice))
	value[0] = 'X'
	got, err := m.Retrieve(ctx, Key("alice", PurposeIdentity))
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got, "stored values are copied")

	policy, ok := m.Policy(Key("alice", PurposeIdentity))
	assert.True(t, ok)
	assert.Equal(t, WhenUnlockedThisDevice, policy)
	assert.Equal(t, "convlog:alice:identity", Key("alice", PurposeIdentity))
}

// TestRedis runs against a live server when CONVLOG_TEST_REDIS is set.
func TestRedis(t *testing.T) {
	addr := os.Getenv("CONVLOG_TEST_REDIS")
	if addr == "" {
		t.Skip("CONVLOG_TEST_REDIS not set")
	}
	svc := redisSvc.NewRedis(redis.NewClient(&redis.Options{Addr: addr}))
	defer svc.Close()
	require.NoError(t, svc.Ping(context.Background()))

	exercise(t, NewRedis(svc, "local passphrase"))

	ctx := context.Background()
	key := Key("alice-"+uuid.NewString()[:8], PurposeIdentity)
	require.NoError(t, NewRedis(svc, "local passphrase").Store(ctx, key, []byte("secret"), DefaultAccessPolicy))
	_, err := NewRedis(svc, "wrong passphrase").Retrieve(ctx, key)
	assert.ErrorIs(t, err, &model.Error{Kind: model.KindCredentialStoreError, Code: model.CredentialCodeDenied})
	require.NoError(t, svc.Del(ctx, key))
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir, "local passphrase")
	require.NoError(t, err)
	exercise(t, f)

	ctx := context.Background()
	key := Key("alice", PurposeRoot)
	require.NoError(t, f.Store(ctx, key, []byte("secret"), DefaultAccessPolicy))

	reopened, err := NewFile(dir, "local passphrase")
	require.NoError(t, err)
	got, err := reopened.Retrieve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got, "credentials survive a restart")

	wrong, err := NewFile(dir, "wrong passphrase")
	require.NoError(t, err)
	_, err = wrong.Retrieve(ctx, key)
	assert.ErrorIs(t, err, &model.Error{Kind: model.KindCredentialStoreError, Code: model.CredentialCodeDenied})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")
}
