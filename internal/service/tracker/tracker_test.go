package tracker

import (
	"context"
	"convlog/internal/model"
	"convlog/internal/repository/substrate"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logKey = []byte("0123456789abcdef0123456789abcdef")

// deviceSyncer downloads the missing suffix of a log, like the conversation
// client does.
type deviceSyncer struct {
	dev *substrate.Device
}

func (d deviceSyncer) Sync(ctx context.Context, id string) (int, *int, error) {
	local, remote, err := d.dev.CurrentLength(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	if remote != nil && *remote > local {
		if _, err := d.dev.ReadRange(ctx, id, local, *remote); err != nil {
			return 0, nil, err
		}
	}
	return d.dev.CurrentLength(ctx, id)
}

type funcSyncer func(ctx context.Context, id string) (int, *int, error)

func (f funcSyncer) Sync(ctx context.Context, id string) (int, *int, error) { return f(ctx, id) }

func setup(t *testing.T, ids ...string) (*substrate.Network, *substrate.Device, *substrate.Device) {
	t.Helper()
	ctx := context.Background()
	net := substrate.NewNetwork()
	local, peer := net.Device("local"), net.Device("peer")
	for _, id := range ids {
		require.NoError(t, local.Join(ctx, id, logKey))
		require.NoError(t, peer.Join(ctx, id, logKey))
	}
	return net, local, peer
}

// watched returns a tracker following the empty log "c".
func watched(t *testing.T, syncer Syncer) *Tracker {
	t.Helper()
	_, local, _ := setup(t, "c")
	tr := New(local, syncer)
	require.NoError(t, tr.Watch(context.Background(), "c"))
	return tr
}

func TestNotificationsMoveToBehindThenSyncCatchesUp(t *testing.T) {
	ctx := context.Background()
	_, local, peer := setup(t, "dm_alice_bob")
	tr := New(local, deviceSyncer{local})
	defer tr.Close()

	require.NoError(t, tr.Watch(ctx, "dm_alice_bob"))
	st, ok := tr.State("dm_alice_bob")
	require.True(t, ok)
	assert.Equal(t, model.StatusSynced, st.Status)

	for i := 0; i < 3; i++ {
		_, err := peer.Append(ctx, "dm_alice_bob", []byte(fmt.Sprintf("entry-%d", i)))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		st, _ := tr.State("dm_alice_bob")
		return st.RemoteLength != nil && *st.RemoteLength == 3
	}, time.Second, 5*time.Millisecond)

	st, _ = tr.State("dm_alice_bob")
	assert.Equal(t, model.StatusBehind, st.Status)
	assert.Equal(t, 0.0, st.SyncProgress())

	st, err := tr.Sync(ctx, "dm_alice_bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, st.Status)
	assert.Equal(t, 3, st.LocalLength)
	assert.True(t, st.IsSynced())
	assert.NotNil(t, st.LastSyncTimestamp)
}

func TestStaleNotificationsNeverMoveLengthsBack(t *testing.T) {
	tr := New(substrate.NewNetwork().Device("x"), deviceSyncer{})
	defer tr.Close()

	tr.apply(model.LengthChanged{ConversationID: "c", Local: 5, Remote: model.IntPtr(9)})
	tr.apply(model.LengthChanged{ConversationID: "c", Local: 2, Remote: model.IntPtr(4)})
	tr.apply(model.LengthChanged{ConversationID: "c", Local: 5, Remote: model.IntPtr(9)})

	st, _ := tr.State("c")
	assert.Equal(t, 5, st.LocalLength)
	assert.Equal(t, 9, *st.RemoteLength)
	assert.Equal(t, model.StatusBehind, st.Status)
}

func TestSyncIsSingleFlight(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	syncer := funcSyncer(func(ctx context.Context, id string) (int, *int, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return 7, model.IntPtr(7), nil
	})
	tr := watched(t, syncer)
	defer tr.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make(chan model.ConversationSyncState, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := tr.Sync(ctx, "c")
			assert.NoError(t, err)
			results <- st
		}()
		if i == 0 {
			<-entered
		}
	}

	require.Eventually(t, func() bool {
		st, _ := tr.State("c")
		return st.Status == model.StatusSyncing
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), calls.Load())
	for st := range results {
		assert.Equal(t, 7, st.LocalLength)
		assert.Equal(t, model.StatusSynced, st.Status)
	}
}

func TestFailureSticksUntilNextSync(t *testing.T) {
	fail := true
	syncer := funcSyncer(func(ctx context.Context, id string) (int, *int, error) {
		if fail {
			return 0, nil, errors.New("disk on fire")
		}
		return 4, model.IntPtr(4), nil
	})
	tr := watched(t, syncer)
	defer tr.Close()
	ctx := context.Background()

	_, err := tr.Sync(ctx, "c")
	require.ErrorIs(t, err, model.ErrSyncFailed)
	st, _ := tr.State("c")
	assert.Equal(t, model.StatusError, st.Status)
	assert.Contains(t, st.LastError, "disk on fire")

	tr.apply(model.LengthChanged{ConversationID: "c", Local: 4, Remote: model.IntPtr(4)})
	st, _ = tr.State("c")
	assert.Equal(t, model.StatusError, st.Status, "notifications do not clear an error")

	fail = false
	st, err = tr.Sync(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, st.Status)
	assert.Empty(t, st.LastError)
}

func TestOfflineSync(t *testing.T) {
	ctx := context.Background()
	_, local, peer := setup(t, "dm_alice_bob")
	tr := New(local, deviceSyncer{local})
	defer tr.Close()
	require.NoError(t, tr.Watch(ctx, "dm_alice_bob"))

	_, err := peer.Append(ctx, "dm_alice_bob", []byte("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := tr.State("dm_alice_bob")
		return st.Status == model.StatusBehind
	}, time.Second, 5*time.Millisecond)

	local.SetOnline(false)
	st, err := tr.Sync(ctx, "dm_alice_bob")
	require.Error(t, err)
	assert.ErrorIs(t, err, substrate.ErrOffline)
	assert.Equal(t, model.StatusOffline, st.Status)

	local.SetOnline(true)
	st, err = tr.Sync(ctx, "dm_alice_bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, st.Status)
}

func TestSyncAllBoundsConcurrency(t *testing.T) {
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("group_a_b_c%d", i)
	}
	_, local, _ := setup(t, ids...)

	var inFlight, peak atomic.Int32
	syncer := funcSyncer(func(ctx context.Context, id string) (int, *int, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return 0, model.IntPtr(0), nil
	})
	tr := New(local, syncer, WithConcurrency(3))
	defer tr.Close()

	ctx := context.Background()
	for _, id := range ids {
		require.NoError(t, tr.Watch(ctx, id))
	}
	require.NoError(t, tr.SyncAll(ctx))

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(0))
	for _, st := range tr.States() {
		assert.Equal(t, model.StatusSynced, st.Status)
		assert.NotNil(t, st.LastSyncTimestamp)
	}
}

func TestSyncAllReportsEveryFailure(t *testing.T) {
	_, local, _ := setup(t, "dm_a_b", "dm_a_c", "dm_a_d")
	syncer := funcSyncer(func(ctx context.Context, id string) (int, *int, error) {
		if id == "dm_a_c" {
			return 1, model.IntPtr(1), nil
		}
		return 0, nil, fmt.Errorf("boom %s", id)
	})
	tr := New(local, syncer)
	defer tr.Close()
	ctx := context.Background()
	for _, id := range []string{"dm_a_b", "dm_a_c", "dm_a_d"} {
		require.NoError(t, tr.Watch(ctx, id))
	}

	err := tr.SyncAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom dm_a_b")
	assert.Contains(t, err.Error(), "boom dm_a_d")

	st, _ := tr.State("dm_a_c")
	assert.Equal(t, model.StatusSynced, st.Status)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	tr := watched(t, funcSyncer(func(ctx context.Context, id string) (int, *int, error) {
		return 1, model.IntPtr(1), nil
	}))
	defer tr.Close()

	var mu sync.Mutex
	var seen []model.SyncStatus
	unsubscribe := tr.Subscribe(func(st model.ConversationSyncState) {
		mu.Lock()
		seen = append(seen, st.Status)
		mu.Unlock()
	})

	_, err := tr.Sync(context.Background(), "c")
	require.NoError(t, err)
	unsubscribe()
	unsubscribe()
	tr.apply(model.LengthChanged{ConversationID: "c", Local: 1, Remote: model.IntPtr(5)})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.SyncStatus{model.StatusSyncing, model.StatusSynced}, seen)
}

func TestCloseTearsDown(t *testing.T) {
	ctx := context.Background()
	_, local, _ := setup(t, "dm_alice_bob")
	tr := New(local, deviceSyncer{local})
	require.NoError(t, tr.Watch(ctx, "dm_alice_bob"))
	assert.Equal(t, []string{"dm_alice_bob"}, tr.Watched())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Empty(t, tr.Watched())
	assert.ErrorIs(t, tr.Watch(ctx, "dm_alice_bob"), ErrClosed)
	_, err := tr.Sync(ctx, "dm_alice_bob")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUnwatchForgetsState(t *testing.T) {
	ctx := context.Background()
	_, local, peer := setup(t, "dm_alice_bob")
	tr := New(local, deviceSyncer{local})
	defer tr.Close()

	require.NoError(t, tr.Watch(ctx, "dm_alice_bob"))
	tr.Unwatch("dm_alice_bob")
	_, err := peer.Append(ctx, "dm_alice_bob", []byte("x"))
	require.NoError(t, err)

	_, ok := tr.State("dm_alice_bob")
	assert.False(t, ok)
	assert.Empty(t, tr.Watched())
}

func TestSyncCancelledByCaller(t *testing.T) {
	release := make(chan struct{})
	tr := watched(t, funcSyncer(func(ctx context.Context, id string) (int, *int, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
		return 0, model.IntPtr(0), nil
	}))
	defer tr.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Sync(ctx, "c")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSyncUnwatchedLeavesNoState(t *testing.T) {
	var calls atomic.Int32
	_, local, _ := setup(t, "c")
	tr := New(local, funcSyncer(func(ctx context.Context, id string) (int, *int, error) {
		calls.Add(1)
		return 0, nil, errors.New("unreachable")
	}))
	defer tr.Close()

	_, err := tr.Sync(context.Background(), "c")
	assert.ErrorIs(t, err, model.ErrConversationNotFound)
	_, err = tr.Sync(context.Background(), "never-joined")
	assert.ErrorIs(t, err, model.ErrConversationNotFound)

	assert.Equal(t, int32(0), calls.Load())
	assert.Empty(t, tr.States())
	_, ok := tr.State("c")
	assert.False(t, ok)
}
