// Package tracker follows the replication state of conversation logs.
//
// State changes come from two places: length notifications streamed by the
// substrate, and explicit Sync calls. Notification handling only touches
// memory; every blocking call happens inside Sync.
package tracker

import (
	"context"
	"convlog/internal/model"
	"convlog/internal/repository/substrate"
	"convlog/internal/utils/log"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// DefaultConcurrency bounds SyncAll.
const DefaultConcurrency = 3

// Syncer brings one log up to date and reports the resulting lengths.
type Syncer interface {
	Sync(ctx context.Context, conversationID string) (local int, remote *int, err error)
}

// Observer receives every state change. It runs on the tracker's goroutines
// and must not block.
type Observer func(model.ConversationSyncState)

type Option func(*Tracker)

func WithConcurrency(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.limit = int64(n)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

type Tracker struct {
	sub    substrate.Substrate
	syncer Syncer
	limit  int64
	now    func() time.Time

	// Syncs run on the tracker's lifetime, not the caller's, so a caller
	// giving up does not fail the attempt for everyone sharing it.
	ctx    context.Context
	cancel context.CancelFunc
	flight singleflight.Group
	wg     sync.WaitGroup

	mu        sync.RWMutex
	states    map[string]*model.ConversationSyncState
	watches   map[string]substrate.Subscription
	observers map[int]Observer
	nextObs   int
	closed    bool
}

func New(sub substrate.Substrate, syncer Syncer, opts ...Option) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		sub:       sub,
		syncer:    syncer,
		limit:     DefaultConcurrency,
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
		states:    make(map[string]*model.ConversationSyncState),
		watches:   make(map[string]substrate.Subscription),
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var ErrClosed = errors.New("tracker closed")

// Watch starts following id's length notifications. Watching an id twice
// is a no-op.
func (t *Tracker) Watch(ctx context.Context, id string) error {
	t.mu.RLock()
	_, watching := t.watches[id]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if watching {
		return nil
	}

	local, remote, err := t.sub.CurrentLength(ctx, id)
	if err != nil {
		return substrate.Normalize(err)
	}
	sub, err := t.sub.Subscribe(t.ctx, id)
	if err != nil {
		return substrate.Normalize(err)
	}

	t.mu.Lock()
	if _, dup := t.watches[id]; dup || t.closed {
		t.mu.Unlock()
		sub.Close()
		return nil
	}
	t.watches[id] = sub
	t.mu.Unlock()

	t.apply(model.LengthChanged{ConversationID: id, Local: local, Remote: remote})

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for ev := range sub.Events() {
			if !t.watching(id, sub) {
				continue
			}
			ev.ConversationID = id
			t.apply(ev)
		}
	}()
	return nil
}

func (t *Tracker) watching(id string, sub substrate.Subscription) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.watches[id] == sub
}

// Unwatch stops following id and forgets its state.
func (t *Tracker) Unwatch(id string) {
	t.mu.Lock()
	sub, ok := t.watches[id]
	delete(t.watches, id)
	delete(t.states, id)
	t.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// Watched returns the ids being followed, sorted.
func (t *Tracker) Watched() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.watches))
	for id := range t.watches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// apply folds a length notification into the state. Lengths never move
// backwards, so stale and repeated notifications are harmless. A sync in
// progress or a failed one keeps its status.
func (t *Tracker) apply(ev model.LengthChanged) {
	t.update(ev.ConversationID, func(s *model.ConversationSyncState) {
		if ev.Local > s.LocalLength {
			s.LocalLength = ev.Local
		}
		if ev.Remote != nil && (s.RemoteLength == nil || *ev.Remote > *s.RemoteLength) {
			s.RemoteLength = model.IntPtr(*ev.Remote)
		}
		switch s.Status {
		case model.StatusSyncing, model.StatusError:
		default:
			s.Status = model.StatusFor(s.LocalLength, s.RemoteLength)
		}
	})
}

func (t *Tracker) update(id string, fn func(*model.ConversationSyncState)) {
	t.mu.Lock()
	s, ok := t.states[id]
	if !ok {
		s = &model.ConversationSyncState{ConversationID: id, Status: model.StatusSynced}
		t.states[id] = s
	}
	before := *s
	fn(s)
	after := *s
	observers := make([]Observer, 0, len(t.observers))
	for _, o := range t.observers {
		observers = append(observers, o)
	}
	t.mu.Unlock()

	if sameState(before, after) {
		return
	}
	for _, o := range observers {
		o(after)
	}
}

func sameState(a, b model.ConversationSyncState) bool {
	if a.LocalLength != b.LocalLength || a.Status != b.Status || a.LastError != b.LastError {
		return false
	}
	if (a.RemoteLength == nil) != (b.RemoteLength == nil) {
		return false
	}
	if a.RemoteLength != nil && *a.RemoteLength != *b.RemoteLength {
		return false
	}
	return a.LastSyncTimestamp == b.LastSyncTimestamp
}

// Sync brings id up to date. Calls made while a sync of the same id is in
// flight wait for that attempt instead of starting another. A failed
// attempt leaves the state in error until the next Sync. Only watched ids
// can be synced.
func (t *Tracker) Sync(ctx context.Context, id string) (model.ConversationSyncState, error) {
	if err := t.ctx.Err(); err != nil {
		return model.ConversationSyncState{}, ErrClosed
	}
	t.mu.RLock()
	_, watched := t.watches[id]
	t.mu.RUnlock()
	if !watched {
		return model.ConversationSyncState{}, model.ErrConversationNotFound
	}
	ch := t.flight.DoChan(id, func() (any, error) {
		return nil, t.sync(id)
	})

	select {
	case <-ctx.Done():
		return model.ConversationSyncState{}, ctx.Err()
	case res := <-ch:
		st, _ := t.State(id)
		return st, res.Err
	}
}

func (t *Tracker) sync(id string) error {
	t.update(id, func(s *model.ConversationSyncState) {
		s.Status = model.StatusSyncing
		s.LastError = ""
	})

	local, remote, err := t.syncer.Sync(t.ctx, id)
	if err != nil {
		status := model.StatusError
		if errors.Is(err, substrate.ErrOffline) {
			status = model.StatusOffline
		}
		t.update(id, func(s *model.ConversationSyncState) {
			s.Status = status
			s.LastError = err.Error()
		})
		log.Warn("sync failed", zap.String("conversation", id), zap.Error(err))
		return model.SyncFailed(id, err)
	}

	now := t.now()
	t.update(id, func(s *model.ConversationSyncState) {
		if local > s.LocalLength {
			s.LocalLength = local
		}
		if remote != nil && (s.RemoteLength == nil || *remote > *s.RemoteLength) {
			s.RemoteLength = model.IntPtr(*remote)
		}
		s.LastSyncTimestamp = &now
		s.Status = model.StatusFor(s.LocalLength, s.RemoteLength)
	})
	log.Debug("synced", zap.String("conversation", id), zap.Int("local", local))
	return nil
}

// SyncAll syncs every watched conversation, at most limit at a time. It
// returns the failures joined; one failure does not stop the others.
func (t *Tracker) SyncAll(ctx context.Context) error {
	sem := semaphore.NewWeighted(t.limit)
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, id := range t.Watched() {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if _, err := t.Sync(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// State returns a copy of id's state.
func (t *Tracker) State(id string) (model.ConversationSyncState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[id]
	if !ok {
		return model.ConversationSyncState{}, false
	}
	return *s, true
}

// States returns copies of every known state, sorted by conversation id.
func (t *Tracker) States() []model.ConversationSyncState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.ConversationSyncState, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// Subscribe registers fn for state changes. The returned func removes it
// and must be called on teardown.
func (t *Tracker) Subscribe(fn Observer) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.observers, id)
			t.mu.Unlock()
		})
	}
}

// Close cancels syncs in flight, closes every substrate subscription and
// waits for the notification goroutines to exit.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]substrate.Subscription, 0, len(t.watches))
	for _, s := range t.watches {
		subs = append(subs, s)
	}
	t.watches = make(map[string]substrate.Subscription)
	t.mu.Unlock()

	t.cancel()
	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.wg.Wait()
	return errors.Join(errs...)
}
