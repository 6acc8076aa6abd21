package remote

import (
	"context"
	"convlog/internal/model"
	"convlog/internal/protocol/keys"
	"convlog/internal/repository/credential"
	"convlog/internal/repository/index"
	"convlog/internal/repository/substrate"
	"convlog/internal/service/conversation"
	"convlog/internal/service/identity"
	"convlog/internal/service/server"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func relay(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(server.NewHttpServer(substrate.NewNetwork().Device("relay")).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func client(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(srv.URL, time.Second)
	require.NoError(t, err)
	return c
}

func account(t *testing.T, c *Client, handle string) *conversation.Client {
	t.Helper()
	ctx := context.Background()
	acct, err := identity.NewManager(credential.NewMemory(), "").Initialize(ctx, "seed of "+handle, handle)
	require.NoError(t, err)
	ids := identity.NewLog(c)
	require.NoError(t, ids.Publish(ctx, acct))
	return conversation.NewClient(acct, c, ids, index.NewMemory())
}

func TestConversationOverRelay(t *testing.T) {
	ctx := context.Background()
	srv := relay(t)
	alice := account(t, client(t, srv), "alice")
	bob := account(t, client(t, srv), "bob")

	core, err := alice.Create(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)
	_, _, err = alice.SendMessage(ctx, core.ID, "over the relay")
	require.NoError(t, err)

	_, err = bob.Join(ctx, core.ID, core.LogPublicKey, core.DiscoveryKey)
	require.NoError(t, err)
	tl, err := bob.Timeline(ctx, core.ID)
	require.NoError(t, err)
	require.Len(t, tl.Messages, 1)
	assert.Equal(t, "over the relay", tl.Messages[0].Text)
	assert.Equal(t, "alice", tl.Messages[0].Author)
}

func TestReplicaAndLengths(t *testing.T) {
	ctx := context.Background()
	srv := relay(t)
	a, b := client(t, srv), client(t, srv)
	id := "dm_alice_bob"
	key := keys.LogKeyFor(id)

	_, err := a.Append(ctx, id, []byte("x"))
	require.ErrorIs(t, err, substrate.ErrNotJoined)

	require.NoError(t, a.Join(ctx, id, key))
	require.NoError(t, b.Join(ctx, id, key))
	require.ErrorIs(t, b.Join(ctx, id, keys.LogKeyFor("other")), substrate.ErrKeyMismatch)

	for i, e := range []string{"one", "two", "three"} {
		idx, err := a.Append(ctx, id, []byte(e))
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}

	local, remote, err := b.CurrentLength(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, local)
	assert.Equal(t, 3, *remote)

	got, err := b.ReadRange(ctx, id, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("two"), []byte("three")}, got)
	local, _, err = b.CurrentLength(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, local, "the replica stays a contiguous prefix")

	local, _, err = a.CurrentLength(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, local, "own appends are held locally")
}

func TestOffline(t *testing.T) {
	ctx := context.Background()
	srv := relay(t)
	c := client(t, srv)
	id := "dm_alice_bob"
	require.NoError(t, c.Join(ctx, id, keys.LogKeyFor(id)))
	_, err := c.Append(ctx, id, []byte("one"))
	require.NoError(t, err)
	_, err = c.Append(ctx, id, []byte("two"))
	require.NoError(t, err)
	_, _, err = c.CurrentLength(ctx, id)
	require.NoError(t, err)

	srv.Close()

	local, remote, err := c.CurrentLength(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, local)
	assert.Equal(t, 2, *remote)

	_, err = c.ReadRange(ctx, id, 0, 3)
	assert.ErrorIs(t, err, substrate.ErrOffline)
	entries, err := substrate.ReadAll(ctx, c, id)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = c.Append(ctx, id, []byte("three"))
	assert.ErrorIs(t, err, substrate.ErrOffline)
}

func TestSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := relay(t)
	a, b := client(t, srv), client(t, srv)
	id := "group_alice_bob_carol"
	require.NoError(t, a.Join(ctx, id, keys.LogKeyFor(id)))
	require.NoError(t, b.Join(ctx, id, keys.LogKeyFor(id)))

	sub, err := b.Subscribe(ctx, id)
	require.NoError(t, err)
	defer sub.Close()

	// The relay subscribes before upgrading; give the handshake a moment.
	require.Eventually(t, func() bool {
		if _, err := a.Append(ctx, id, []byte("ping")); err != nil {
			return false
		}
		select {
		case ev := <-sub.Events():
			return ev.ConversationID == id && ev.Local == 0 && ev.Remote != nil && *ev.Remote >= 1
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool {
		select {
		case _, open := <-sub.Events():
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestRelayRejectsBadRequests(t *testing.T) {
	srv := relay(t)
	cases := []struct {
		method, path, body string
		status             int
	}{
		{http.MethodGet, "/logs/chat_a_b/length", "", http.StatusBadRequest},
		{http.MethodGet, "/logs/dm_bob_alice/length", "", http.StatusBadRequest},
		{http.MethodGet, "/logs/dm_alice_bob/length", "", http.StatusNotFound},
		{http.MethodPost, "/logs/dm_alice_bob/join", `{}`, http.StatusBadRequest},
		{http.MethodGet, "/logs/dm_alice_bob/entries?from=2&to=1", "", http.StatusBadRequest},
		{http.MethodPost, "/logs/identity_alice/join", `{"logKey":"00ff"}`, http.StatusNoContent},
		{http.MethodPost, "/logs/identity_alice/entries", `{"entry":""}`, http.StatusBadRequest},
		{http.MethodPost, "/logs/identity_Alice/join", `{"logKey":"00ff"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, srv.URL+tc.path, strings.NewReader(tc.body))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tc.status, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestLongRangesArePaged(t *testing.T) {
	ctx := context.Background()
	net := substrate.NewNetwork()
	srv := httptest.NewServer(server.NewHttpServer(net.Device("relay")).Handler())
	t.Cleanup(srv.Close)

	id := "dm_alice_bob"
	total := server.MaxRangeEntries + 10
	seeded := make([][]byte, total)
	for i := range seeded {
		seeded[i] = []byte(fmt.Sprintf("entry-%d", i))
	}
	require.NoError(t, net.Seed(id, keys.LogKeyFor(id), seeded...))
	c := client(t, srv)
	require.NoError(t, c.Join(ctx, id, keys.LogKeyFor(id)))

	resp, err := http.Get(srv.URL + "/logs/" + id + "/entries?from=0&to=2000000000")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var page model.EntriesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Len(t, page.Entries, server.MaxRangeEntries)

	got, err := c.ReadRange(ctx, id, 0, 2000000000)
	require.NoError(t, err)
	require.Len(t, got, total)
	assert.Equal(t, []byte("entry-0"), got[0])
	assert.Equal(t, []byte(fmt.Sprintf("entry-%d", total-1)), got[total-1])
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://relay", 0)
	assert.Error(t, err)
	_, err = New("http://relay:9090", 0)
	assert.NoError(t, err)
}
