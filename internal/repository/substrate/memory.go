package substrate

import (
	"bytes"
	"context"
	"convlog/internal/model"
	"fmt"
	"sync"
)

const subscriptionBuffer = 256

// Network is a set of in-process logs shared by any number of Devices. Each
// device keeps its own local length, so replication lag can be observed.
type Network struct {
	mu      sync.Mutex
	logs    map[string]*memLog
	devices []*Device
}

type memLog struct {
	key     []byte
	entries [][]byte
}

func NewNetwork() *Network {
	return &Network{logs: make(map[string]*memLog)}
}

// Device returns a new replica attached to the network.
func (n *Network) Device(name string) *Device {
	d := &Device{
		name:   name,
		net:    n,
		online: true,
		joined: make(map[string]*replica),
	}
	n.mu.Lock()
	n.devices = append(n.devices, d)
	n.mu.Unlock()
	return d
}

// Seed appends entries to a log directly, as if written by a device outside
// this process. The log is created with key when missing.
func (n *Network) Seed(conversationID string, key []byte, entries ...[]byte) error {
	n.mu.Lock()
	l, ok := n.logs[conversationID]
	if !ok {
		l = &memLog{key: bytes.Clone(key)}
		n.logs[conversationID] = l
	} else if !bytes.Equal(l.key, key) {
		n.mu.Unlock()
		return ErrKeyMismatch
	}
	for _, e := range entries {
		l.entries = append(l.entries, bytes.Clone(e))
	}
	length := len(l.entries)
	devices := append([]*Device(nil), n.devices...)
	n.mu.Unlock()

	for _, d := range devices {
		d.remoteGrew(conversationID, length)
	}
	return nil
}

func (n *Network) length(conversationID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.logs[conversationID]; ok {
		return len(l.entries)
	}
	return 0
}

type replica struct {
	local      int
	lastRemote *int
	subs       map[*memSubscription]struct{}
}

// Device is one replica's view of a Network. It implements Substrate.
type Device struct {
	name string
	net  *Network

	mu     sync.Mutex
	online bool
	joined map[string]*replica
}

var _ Substrate = (*Device)(nil)

func (d *Device) Name() string { return d.name }

// SetOnline toggles reachability of the network from this device.
func (d *Device) SetOnline(online bool) {
	d.mu.Lock()
	d.online = online
	d.mu.Unlock()
}

func (d *Device) Join(ctx context.Context, conversationID string, logPublicKey []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(logPublicKey) == 0 {
		return fmt.Errorf("join %s: empty log key", conversationID)
	}

	d.net.mu.Lock()
	l, ok := d.net.logs[conversationID]
	if !ok {
		l = &memLog{key: bytes.Clone(logPublicKey)}
		d.net.logs[conversationID] = l
	} else if !bytes.Equal(l.key, logPublicKey) {
		d.net.mu.Unlock()
		return fmt.Errorf("join %s: %w", conversationID, ErrKeyMismatch)
	}
	d.net.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.joined[conversationID]; !ok {
		d.joined[conversationID] = &replica{subs: make(map[*memSubscription]struct{})}
	}
	return nil
}

func (d *Device) Append(ctx context.Context, conversationID string, entry []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	r, ok := d.joined[conversationID]
	online := d.online
	d.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("append %s: %w", conversationID, ErrNotJoined)
	}
	if !online {
		return 0, fmt.Errorf("append %s: %w", conversationID, ErrOffline)
	}

	d.net.mu.Lock()
	l := d.net.logs[conversationID]
	index := len(l.entries)
	l.entries = append(l.entries, bytes.Clone(entry))
	length := len(l.entries)
	devices := append([]*Device(nil), d.net.devices...)
	d.net.mu.Unlock()

	// The writer already holds everything up to its own append only if it
	// was caught up; otherwise its local length stays where it was.
	d.mu.Lock()
	if r.local == index {
		r.local = length
	}
	d.mu.Unlock()

	for _, other := range devices {
		other.remoteGrew(conversationID, length)
	}
	return index, nil
}

func (d *Device) ReadRange(ctx context.Context, conversationID string, from, to int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if from < 0 || to < from {
		return nil, fmt.Errorf("read %s: bad range [%d, %d)", conversationID, from, to)
	}

	d.mu.Lock()
	r, ok := d.joined[conversationID]
	var local int
	if ok {
		local = r.local
	}
	online := d.online
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("read %s: %w", conversationID, ErrNotJoined)
	}
	if to > local && !online {
		return nil, fmt.Errorf("read %s: %w", conversationID, ErrOffline)
	}

	d.net.mu.Lock()
	l := d.net.logs[conversationID]
	if to > len(l.entries) {
		to = len(l.entries)
	}
	if from > to {
		from = to
	}
	out := make([][]byte, 0, to-from)
	for _, e := range l.entries[from:to] {
		out = append(out, bytes.Clone(e))
	}
	remote := len(l.entries)
	d.net.mu.Unlock()

	// Only a contiguous prefix counts as held locally.
	if from <= local && to > local {
		d.mu.Lock()
		if r.local < to {
			r.local = to
		}
		r.lastRemote = model.IntPtr(remote)
		ev := model.LengthChanged{ConversationID: conversationID, Local: r.local, Remote: model.IntPtr(remote)}
		subs := r.subscribers()
		d.mu.Unlock()
		publish(subs, ev)
	}
	return out, nil
}

func (d *Device) CurrentLength(ctx context.Context, conversationID string) (int, *int, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	d.mu.Lock()
	r, ok := d.joined[conversationID]
	online := d.online
	var local int
	var last *int
	if ok {
		local, last = r.local, r.lastRemote
	}
	d.mu.Unlock()
	if !ok {
		return 0, nil, fmt.Errorf("length %s: %w", conversationID, ErrNotJoined)
	}
	if !online {
		return local, last, nil
	}

	remote := d.net.length(conversationID)
	d.mu.Lock()
	r.lastRemote = model.IntPtr(remote)
	d.mu.Unlock()
	return local, model.IntPtr(remote), nil
}

func (d *Device) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.joined[conversationID]
	if !ok {
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, ErrNotJoined)
	}

	s := &memSubscription{
		ch:     make(chan model.LengthChanged, subscriptionBuffer),
		doneCh: make(chan struct{}),
	}
	s.close = func() {
		d.mu.Lock()
		delete(r.subs, s)
		d.mu.Unlock()
	}
	r.subs[s] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.doneCh:
		}
	}()
	return s, nil
}

func (d *Device) remoteGrew(conversationID string, length int) {
	d.mu.Lock()
	r, ok := d.joined[conversationID]
	if !ok || !d.online {
		d.mu.Unlock()
		return
	}
	r.lastRemote = model.IntPtr(length)
	ev := model.LengthChanged{ConversationID: conversationID, Local: r.local, Remote: model.IntPtr(length)}
	subs := r.subscribers()
	d.mu.Unlock()
	publish(subs, ev)
}

func (r *replica) subscribers() []*memSubscription {
	out := make([]*memSubscription, 0, len(r.subs))
	for s := range r.subs {
		out = append(out, s)
	}
	return out
}

func publish(subs []*memSubscription, ev model.LengthChanged) {
	for _, s := range subs {
		s.send(ev)
	}
}

type memSubscription struct {
	mu     sync.Mutex
	ch     chan model.LengthChanged
	closed bool
	doneCh chan struct{}
	close  func()
}

func (s *memSubscription) Events() <-chan model.LengthChanged { return s.ch }

// send never blocks; a full buffer drops the event. Consumers re-read
// lengths on sync, so a dropped notification only delays them.
func (s *memSubscription) send(ev model.LengthChanged) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

func (s *memSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.close()
	close(s.doneCh)
	return nil
}
