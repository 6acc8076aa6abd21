package reducer

import (
	"bytes"
	"convlog/internal/cryptographic/signature"
	"convlog/internal/model"
	"convlog/internal/protocol/envelope"
	"crypto/sha256"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

const (
	group = "group_alice_bob_carol"
	dm    = "dm_alice_bob"
)

type author struct {
	handle                string
	signingPub, signing   []byte
	writerPub, writerPriv []byte
}

func keyFor(label string) ([]byte, []byte) {
	return signature.Ed25519FromSeed(sha256.Sum256([]byte(label)))
}

func as(handle string) author {
	a := author{handle: handle}
	a.signingPub, a.signing = keyFor("signing " + handle)
	a.writerPub, a.writerPriv = keyFor("writer " + handle)
	return a
}

func (a author) participant() model.CoreParticipant {
	return model.CoreParticipant{Handle: a.handle, SigningPublicKey: a.signingPub}
}

// meta is a's entry header in conversation id, offset from t0.
func (a author) meta(t *testing.T, id string, offset time.Duration) model.EntryMeta {
	t.Helper()
	cert, err := envelope.CertifyWriter(id, a.writerPub, a.signing)
	require.NoError(t, err)
	return model.EntryMeta{Author: a.handle, WriterKey: a.writerPub, WriterCert: cert, Timestamp: t0.Add(offset)}
}

var (
	alice   = as("alice")
	bob     = as("bob")
	carol   = as("carol")
	dave    = as("dave")
	erin    = as("erin")
	mallory = as("mallory")
)

func initEntry(t *testing.T, creator author, members ...author) model.Initialization {
	t.Helper()
	all := append([]author{creator}, members...)
	handles := make([]string, len(all))
	ps := make([]model.CoreParticipant, len(all))
	for i, a := range all {
		handles[i] = a.handle
		ps[i] = a.participant()
	}
	id := model.MustGenerateID(handles, len(all) > 2)
	return model.Initialization{
		EntryMeta:      creator.meta(t, id, 0),
		ConversationID: id,
		IsGroup:        len(all) > 2,
		Participants:   ps,
	}
}

func indexed(entries ...model.CoreEntry) []model.IndexedEntry {
	out := make([]model.IndexedEntry, len(entries))
	for i, e := range entries {
		out[i] = model.IndexedEntry{Index: i, Entry: e}
	}
	return out
}

func TestRemoveOfAbsentHandleLeavesMembersUnchanged(t *testing.T) {
	before := Reduce(dm, indexed(initEntry(t, alice, bob)))
	after := Reduce(dm, indexed(
		initEntry(t, alice, bob),
		model.MemberRemove{EntryMeta: alice.meta(t, dm, time.Second), Handle: "mallory"},
	))

	assert.True(t, after.Initialized)
	assert.Equal(t, before.Handles(), after.Handles())
	assert.Equal(t, []string{"alice", "bob"}, after.Handles())
	assert.False(t, after.IsMember("mallory"))
	assert.Empty(t, after.Rejected())
}

func TestMembershipAddRemove(t *testing.T) {
	s := Reduce(group, indexed(
		initEntry(t, alice, bob, carol),
		model.MemberAdd{EntryMeta: alice.meta(t, group, time.Second), Participant: dave.participant()},
		model.MemberRemove{EntryMeta: bob.meta(t, group, 2*time.Second), Handle: "carol"},
	))
	assert.Equal(t, []string{"alice", "bob", "dave"}, s.Handles())

	p, ok := s.Participant("carol")
	require.True(t, ok, "removed members stay known")
	assert.Equal(t, "carol", p.Handle)
}

func TestReAddAfterRemove(t *testing.T) {
	s := Reduce(group, indexed(
		initEntry(t, alice, bob, carol),
		model.MemberRemove{EntryMeta: alice.meta(t, group, time.Second), Handle: "carol"},
		model.MemberAdd{EntryMeta: alice.meta(t, group, 2*time.Second), Participant: carol.participant()},
	))
	assert.True(t, s.IsMember("carol"))
}

func TestRemoveWinsExactTie(t *testing.T) {
	m := alice.meta(t, group, time.Second)
	s := Reduce(group, indexed(
		initEntry(t, alice, bob, carol),
		model.MemberAdd{EntryMeta: m, Participant: dave.participant()},
		model.MemberRemove{EntryMeta: m, Handle: "dave"},
	))
	assert.False(t, s.IsMember("dave"))
}

func TestMetadataTieBreak(t *testing.T) {
	same := time.Second
	s := Reduce(group, indexed(
		initEntry(t, alice, bob, carol),
		model.MetadataUpdate{EntryMeta: bob.meta(t, group, same), Fields: map[string]string{"name": "from-bob"}},
		model.MetadataUpdate{EntryMeta: alice.meta(t, group, same), Fields: map[string]string{"name": "from-alice"}},
		model.MetadataUpdate{EntryMeta: carol.meta(t, group, -time.Hour), Fields: map[string]string{"name": "stale", "topic": "go"}},
	))

	// Equal timestamps fall back to the writer key.
	want := "from-alice"
	if bytes.Compare(bob.writerPub, alice.writerPub) > 0 {
		want = "from-bob"
	}
	assert.Equal(t, map[string]string{"name": want, "topic": "go"}, s.Metadata())
}

func TestOrderIndependence(t *testing.T) {
	entries := indexed(
		initEntry(t, alice, bob, carol),
		model.MemberAdd{EntryMeta: alice.meta(t, group, time.Second), Participant: dave.participant()},
		model.MemberRemove{EntryMeta: bob.meta(t, group, 1500*time.Millisecond), Handle: "dave"},
		model.MemberRemove{EntryMeta: carol.meta(t, group, 3*time.Second), Handle: "bob"},
		model.MemberAdd{EntryMeta: alice.meta(t, group, 2*time.Second), Participant: erin.participant()},
		model.MetadataUpdate{EntryMeta: bob.meta(t, group, time.Second), Fields: map[string]string{"name": "one"}},
		model.MetadataUpdate{EntryMeta: carol.meta(t, group, 1500*time.Millisecond), Fields: map[string]string{"name": "two"}},
		model.ReadReceipt{EntryMeta: alice.meta(t, group, time.Second), UpToIndex: 4},
		model.ReadReceipt{EntryMeta: alice.meta(t, group, 2*time.Second), UpToIndex: 2},
		model.Typing{EntryMeta: bob.meta(t, group, time.Second), IsTyping: true},
		model.Typing{EntryMeta: bob.meta(t, group, 2*time.Second), IsTyping: false},
		model.Typing{EntryMeta: carol.meta(t, group, time.Second), IsTyping: true},
	)
	want := Reduce(group, entries)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]model.IndexedEntry(nil), entries...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		// Duplicates must not matter either.
		shuffled = append(shuffled, shuffled[:3]...)

		got := Reduce(group, shuffled)
		assert.Equal(t, want.Handles(), got.Handles())
		assert.Equal(t, want.Metadata(), got.Metadata())
		assert.Equal(t, want.Typing(), got.Typing())
		up, _ := got.ReadUpTo("alice")
		assert.Equal(t, 4, up)
	}
	assert.Equal(t, []string{"alice", "carol", "erin"}, want.Handles())
	assert.Equal(t, "two", want.Metadata()["name"])
	assert.Equal(t, []string{"carol"}, want.Typing())
	assert.Empty(t, want.Rejected())
}

func TestDuplicateMessagesCollapse(t *testing.T) {
	msg := model.Message{EntryMeta: alice.meta(t, dm, time.Second), ID: "m1"}
	other := model.Message{EntryMeta: bob.meta(t, dm, 2*time.Second), ID: "m2"}
	s := Reduce(dm, []model.IndexedEntry{
		{Index: 0, Entry: initEntry(t, alice, bob)},
		{Index: 3, Entry: msg},
		{Index: 1, Entry: other},
		{Index: 2, Entry: msg},
	})

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, msgs[0].Index)
	assert.Equal(t, "m2", msgs[0].Message.ID)
	assert.Equal(t, 2, msgs[1].Index)
	assert.Equal(t, "m1", msgs[1].Message.ID)
}

func TestForgedMemberAddIsRejected(t *testing.T) {
	// mallory holds the public log key but is not in the group. She claims
	// to be alice, certifying her own writer key with her own signing key.
	forgedMeta := mallory.meta(t, group, time.Second)
	forgedMeta.Author = "alice"
	s := Reduce(group, indexed(
		initEntry(t, alice, bob, carol),
		model.MemberAdd{EntryMeta: forgedMeta, Participant: mallory.participant()},
		model.MemberAdd{EntryMeta: mallory.meta(t, group, time.Second), Participant: mallory.participant()},
		model.MemberRemove{EntryMeta: mallory.meta(t, group, time.Second), Handle: "alice"},
		model.MetadataUpdate{EntryMeta: mallory.meta(t, group, time.Second), Fields: map[string]string{"name": "owned"}},
		model.Message{EntryMeta: mallory.meta(t, group, time.Second), ID: "spam"},
	))

	assert.Equal(t, []string{"alice", "bob", "carol"}, s.Handles())
	assert.False(t, s.IsMember("mallory"))
	assert.Empty(t, s.Metadata())
	assert.Empty(t, s.Messages())
	assert.Equal(t, []Rejection{
		{Index: 1, Author: "alice", Type: model.EntryMemberAdd, Reason: ReasonWriterNotCertified},
		{Index: 2, Author: "mallory", Type: model.EntryMemberAdd, Reason: ReasonNotMember},
		{Index: 3, Author: "mallory", Type: model.EntryMemberRemove, Reason: ReasonNotMember},
		{Index: 4, Author: "mallory", Type: model.EntryMetadataUpdate, Reason: ReasonNotMember},
		{Index: 5, Author: "mallory", Type: model.EntryMessage, Reason: ReasonNotMember},
	}, s.Rejected())
}

func TestRemovedMemberLosesAuthority(t *testing.T) {
	s := Reduce(group, indexed(
		initEntry(t, alice, bob, carol),
		model.Message{EntryMeta: bob.meta(t, group, time.Second), ID: "before"},
		model.MemberRemove{EntryMeta: alice.meta(t, group, 2*time.Second), Handle: "bob"},
		model.Message{EntryMeta: bob.meta(t, group, 3*time.Second), ID: "after"},
		model.MemberAdd{EntryMeta: bob.meta(t, group, 4*time.Second), Participant: mallory.participant()},
	))

	assert.Equal(t, []string{"alice", "carol"}, s.Handles())
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "before", msgs[0].Message.ID)
	require.Len(t, s.Rejected(), 2)
	assert.Equal(t, 3, s.Rejected()[0].Index)
	assert.Equal(t, 4, s.Rejected()[1].Index)
}

func TestLaggingClockBeforeInitialization(t *testing.T) {
	s := Reduce(dm, indexed(
		initEntry(t, alice, bob),
		model.Message{EntryMeta: bob.meta(t, dm, -time.Minute), ID: "early"},
	))
	require.Len(t, s.Messages(), 1)
	assert.Empty(t, s.Rejected())
}

func TestFirstValidInitializationWins(t *testing.T) {
	// An initialization for the right id but with mallory's signing key in
	// place of alice's, written before the real one.
	impostor := initEntry(t, alice, bob)
	impostor.Participants[0].SigningPublicKey = mallory.signingPub
	impostor.EntryMeta = mallory.meta(t, dm, -time.Hour)
	impostor.Author = "alice"
	trustProfiles := WithTrust(func(p model.CoreParticipant) bool {
		return bytes.Equal(p.SigningPublicKey, as(p.Handle).signingPub)
	})

	s := Reduce(dm, indexed(impostor, initEntry(t, alice, bob)), trustProfiles)
	require.True(t, s.Initialized)
	p, ok := s.Participant("alice")
	require.True(t, ok)
	assert.True(t, p.SigningPublicKey.Equal(alice.signingPub))
	require.Len(t, s.Rejected(), 1)
	assert.Equal(t, Rejection{Index: 0, Author: "alice", Type: model.EntryInitialization, Reason: ReasonSecondInitialization}, s.Rejected()[0])

	wrongID := initEntry(t, alice, bob, carol)
	s = Reduce(dm, indexed(wrongID, model.Message{EntryMeta: alice.meta(t, dm, time.Second), ID: "m"}))
	assert.False(t, s.Initialized)
	assert.Empty(t, s.Messages())
	assert.Len(t, s.Rejected(), 2)
}

func TestNoMembersAddedToDirectConversation(t *testing.T) {
	s := Reduce(dm, indexed(
		initEntry(t, alice, bob),
		model.MemberAdd{EntryMeta: alice.meta(t, dm, time.Second), Participant: carol.participant()},
	))
	assert.Equal(t, []string{"alice", "bob"}, s.Handles())
	require.Len(t, s.Rejected(), 1)
	assert.Equal(t, ReasonDirectAdd, s.Rejected()[0].Reason)
}
