package recovery

import (
	"context"
	"convlog/internal/model"
	"convlog/internal/protocol/keys"
	"convlog/internal/repository/credential"
	"convlog/internal/repository/index"
	"convlog/internal/repository/substrate"
	"convlog/internal/service/conversation"
	"convlog/internal/service/identity"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const aliceSeed = "correct horse battery staple alice"

var exportedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func publish(t *testing.T, net *substrate.Network, handle string) {
	t.Helper()
	ctx := context.Background()
	acct, err := identity.NewManager(credential.NewMemory(), "").Initialize(ctx, "seed of "+handle, handle)
	require.NoError(t, err)
	require.NoError(t, identity.NewLog(net.Device(handle)).Publish(ctx, acct))
}

// aliceFirstDevice creates alice on one device with a direct conversation
// with bob and a group with bob and carol.
func aliceFirstDevice(t *testing.T, net *substrate.Network) (*identity.Account, *identity.Log, *conversation.Client) {
	t.Helper()
	ctx := context.Background()
	publish(t, net, "bob")
	publish(t, net, "carol")

	dev := net.Device("alice-phone")
	acct, err := identity.NewManager(credential.NewMemory(), "").Initialize(ctx, aliceSeed, "alice")
	require.NoError(t, err)
	ids := identity.NewLog(dev)
	require.NoError(t, ids.Publish(ctx, acct))

	client := conversation.NewClient(acct, dev, ids, index.NewMemory())
	_, err = client.Create(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)
	_, err = client.Create(ctx, []string{"carol", "bob"}, true, "")
	require.NoError(t, err)
	return acct, ids, client
}

type device struct {
	dev   *substrate.Device
	creds *credential.Memory
	mgr   *identity.Manager
	ids   *identity.Log
	index *index.Memory
	svc   *Service
}

func newDevice(net *substrate.Network, name string, opts ...Option) *device {
	d := &device{dev: net.Device(name), creds: credential.NewMemory(), index: index.NewMemory()}
	d.mgr = identity.NewManager(d.creds, "")
	d.ids = identity.NewLog(d.dev)
	d.svc = New(d.mgr, d.ids, d.dev, d.index, opts...)
	return d
}

func TestSeedRecoveryThenBackupRecovery(t *testing.T) {
	ctx := context.Background()
	net := substrate.NewNetwork()
	_, _, phone := aliceFirstDevice(t, net)
	_, _, err := phone.SendMessage(ctx, "dm_alice_bob", "written before recovery")
	require.NoError(t, err)

	laptop := newDevice(net, "alice-laptop", WithTimeout(2*time.Second))
	res, err := laptop.svc.RecoverFromSeedPhrase(ctx, "  Correct HORSE battery\tstaple alice ", "Alice")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ConversationsRecovered)
	assert.True(t, res.IdentityKeyRestored)
	assert.True(t, res.MessagingKeysRestored)
	assert.Empty(t, res.Failed)

	cores, err := laptop.index.List(ctx, "alice")
	require.NoError(t, err)
	ids := make([]string, len(cores))
	for i, c := range cores {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"dm_alice_bob", "group_alice_bob_carol"}, ids)

	// Keys are namespaced per handle in the credential store.
	for _, purpose := range []string{credential.PurposeRoot, credential.PurposeIdentity, credential.PurposeMessagingEncryption, credential.PurposeMessagingSigning} {
		policy, ok := laptop.creds.Policy(credential.Key("alice", purpose))
		assert.True(t, ok, purpose)
		assert.Equal(t, credential.DefaultAccessPolicy, policy)
	}

	// The recovered device reads its own history.
	acct, err := laptop.mgr.Load(ctx, "alice")
	require.NoError(t, err)
	tl, err := conversation.NewClient(acct, laptop.dev, laptop.ids, laptop.index).Timeline(ctx, "dm_alice_bob")
	require.NoError(t, err)
	require.Len(t, tl.Messages, 1)
	assert.Equal(t, "written before recovery", tl.Messages[0].Text)

	backup, err := laptop.svc.ExportRecoveryData(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, backup.IdentityKey)
	data, err := MarshalBackup(backup)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"identityKey": null`)
	parsed, err := ParseBackup(data)
	require.NoError(t, err)

	tablet := newDevice(net, "alice-tablet")
	_, err = tablet.mgr.Initialize(ctx, aliceSeed, "alice")
	require.NoError(t, err)
	res, err = tablet.svc.RecoverFromBackup(ctx, parsed, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ConversationsRecovered)
	assert.Empty(t, res.Failed)
}

func TestBackupRecoverySkipsFailedJoins(t *testing.T) {
	ctx := context.Background()
	net := substrate.NewNetwork()
	aliceFirstDevice(t, net)

	tablet := newDevice(net, "alice-tablet")
	_, err := tablet.mgr.Initialize(ctx, aliceSeed, "alice")
	require.NoError(t, err)

	coords := func(id string, logKey model.HexKey) model.ConversationKey {
		return model.ConversationKey{ConversationID: id, LogKey: logKey, DiscoveryKey: keys.DiscoveryKeyFor(logKey)}
	}
	backup := model.Backup{
		Version:    model.BackupVersion,
		ExportedAt: exportedAt,
		ConversationKeys: []model.ConversationKey{
			coords("dm_alice_bob", keys.LogKeyFor("dm_alice_bob")),
			coords("group_alice_bob_carol", keys.LogKeyFor("not the group")),
			coords("dm_alice_carol", keys.LogKeyFor("dm_alice_carol")),
		},
	}

	res, err := tablet.svc.RecoverFromBackup(ctx, backup, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ConversationsRecovered)
	assert.Equal(t, []string{"group_alice_bob_carol"}, res.Failed)
	assert.False(t, res.IdentityKeyRestored)
}

func TestBackupRecoveryNeedsIdentity(t *testing.T) {
	tablet := newDevice(substrate.NewNetwork(), "alice-tablet")
	_, err := tablet.svc.RecoverFromBackup(context.Background(), model.Backup{Version: model.BackupVersion}, "alice")
	assert.ErrorIs(t, err, model.ErrNotInitialized)
	assert.ErrorIs(t, err, model.ErrRecoveryFailed)
}

func TestBackupFromAnotherIdentity(t *testing.T) {
	ctx := context.Background()
	tablet := newDevice(substrate.NewNetwork(), "alice-tablet")
	_, err := tablet.mgr.Initialize(ctx, aliceSeed, "alice")
	require.NoError(t, err)

	other := "00" + keys.LogKeyFor("x").String()[2:]
	_, err = tablet.svc.RecoverFromBackup(ctx, model.Backup{Version: model.BackupVersion, MessagingPublicKey: &other}, "alice")
	assert.ErrorIs(t, err, model.ErrRecoveryFailed)
}

func TestSeedRecoveryWindowIsBounded(t *testing.T) {
	ctx := context.Background()
	net := substrate.NewNetwork()
	acct, ids, _ := aliceFirstDevice(t, net)

	// A reference whose key does not match the log can never be joined.
	bogus := keys.LogKeyFor("bogus")
	require.NoError(t, net.Seed("dm_alice_dave", keys.LogKeyFor("dm_alice_dave")))
	require.NoError(t, ids.AppendRef(ctx, acct, model.IdentityRef{
		ConversationID: "dm_alice_dave",
		LogKey:         bogus,
		DiscoveryKey:   keys.DiscoveryKeyFor(bogus),
	}))

	laptop := newDevice(net, "alice-laptop", WithTimeout(300*time.Millisecond))
	laptop.svc.initialInterval = 10 * time.Millisecond
	start := time.Now()
	res, err := laptop.svc.RecoverFromSeedPhrase(ctx, aliceSeed, "alice")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 2, res.ConversationsRecovered)
	assert.Equal(t, []string{"dm_alice_dave"}, res.Failed)
}

func TestSeedRecoveryFatalErrors(t *testing.T) {
	laptop := newDevice(substrate.NewNetwork(), "alice-laptop")

	_, err := laptop.svc.RecoverFromSeedPhrase(context.Background(), " \t ", "alice")
	assert.ErrorIs(t, err, model.ErrInvalidSeed)
	assert.ErrorIs(t, err, model.ErrRecoveryFailed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = laptop.svc.RecoverFromSeedPhrase(ctx, aliceSeed, "alice")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExportNeverCarriesIdentityKey(t *testing.T) {
	key := "deadbeef"
	_, err := MarshalBackup(model.Backup{Version: model.BackupVersion, ExportedAt: exportedAt, IdentityKey: &key})
	assert.ErrorIs(t, err, model.ErrExportFailed)

	data, err := MarshalBackup(model.Backup{Version: model.BackupVersion, ExportedAt: exportedAt})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"identityKey": null`)
	assert.Contains(t, string(data), `"conversationKeys": []`)
}

func TestExportGolden(t *testing.T) {
	ctx := context.Background()
	mgr := identity.NewManager(credential.NewMemory(), "")
	_, err := mgr.Initialize(ctx, aliceSeed, "alice")
	require.NoError(t, err)

	idx := index.NewMemory()
	for _, id := range []string{"group_alice_bob_carol", "dm_alice_bob"} {
		lk := keys.LogKeyFor(id)
		require.NoError(t, idx.Save(ctx, "alice", model.ConversationCore{
			ID:           id,
			LogPublicKey: lk,
			DiscoveryKey: keys.DiscoveryKeyFor(lk),
			CreatedAt:    exportedAt,
		}))
	}

	svc := New(mgr, nil, nil, idx, WithClock(func() time.Time { return exportedAt }))
	b, err := svc.ExportRecoveryData(ctx, "alice")
	require.NoError(t, err)
	data, err := MarshalBackup(b)
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "export", data)
}
