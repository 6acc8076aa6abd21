// Package conversation reads and appends conversation logs on behalf of one
// account.
package conversation

import (
	"context"
	"convlog/internal/model"
	"convlog/internal/protocol/envelope"
	"convlog/internal/protocol/keys"
	"convlog/internal/protocol/reducer"
	"convlog/internal/repository/index"
	"convlog/internal/repository/substrate"
	"convlog/internal/service/identity"
	"convlog/internal/utils/log"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Client is a log client under one identity.
type Client struct {
	acct  *identity.Account
	sub   substrate.Substrate
	ids   *identity.Log
	index index.Store

	now func() time.Time
}

func NewClient(acct *identity.Account, sub substrate.Substrate, ids *identity.Log, idx index.Store) *Client {
	return &Client{
		acct:  acct,
		sub:   sub,
		ids:   ids,
		index: idx,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (c *Client) Handle() string { return c.acct.Handle }

// Create starts the conversation between the account and others, or
// returns it if it already exists. When another participant created the log
// first, its initialization entry is kept and no second one is written.
func (c *Client) Create(ctx context.Context, others []string, isGroup bool, name string) (model.ConversationCore, error) {
	handles := append([]string{c.acct.Handle}, others...)
	id, err := model.GenerateID(handles, isGroup)
	if err != nil {
		return model.ConversationCore{}, err
	}
	if core, err := c.index.Get(ctx, c.acct.Handle, id); err == nil {
		return core, nil
	}

	handles, _, err = model.ParseID(id)
	if err != nil {
		return model.ConversationCore{}, err
	}
	now := c.now()
	participants := make([]model.CoreParticipant, 0, len(handles))
	for _, h := range handles {
		if h == c.acct.Handle {
			self, err := c.acct.Participant(id, now)
			if err != nil {
				return model.ConversationCore{}, err
			}
			participants = append(participants, self)
			continue
		}
		p, err := c.resolve(ctx, h, now)
		if err != nil {
			return model.ConversationCore{}, err
		}
		participants = append(participants, p)
	}

	logKey := keys.LogKeyFor(id)
	if err := c.sub.Join(ctx, id, logKey); err != nil {
		return model.ConversationCore{}, substrate.Normalize(err)
	}

	state, err := c.State(ctx, id)
	if err != nil {
		return model.ConversationCore{}, err
	}
	if !state.Initialized {
		meta, err := c.meta(id)
		if err != nil {
			return model.ConversationCore{}, err
		}
		entry := model.Initialization{
			EntryMeta:      meta,
			ConversationID: id,
			IsGroup:        isGroup,
			Participants:   participants,
			Name:           name,
		}
		if err := c.appendRaw(ctx, id, entry); err != nil {
			return model.ConversationCore{}, err
		}
	}

	core, err := c.register(ctx, id, logKey, keys.DiscoveryKeyFor(logKey), isGroup)
	if err != nil {
		return model.ConversationCore{}, err
	}
	log.Info("conversation created", zap.String("handle", c.acct.Handle), zap.String("conversation", id))
	return core, nil
}

// Join attaches an existing conversation log by its public coordinates.
func (c *Client) Join(ctx context.Context, id string, logKey, discoveryKey model.HexKey) (model.ConversationCore, error) {
	_, isGroup, err := model.ParseID(id)
	if err != nil {
		return model.ConversationCore{}, err
	}
	if len(logKey) == 0 {
		return model.ConversationCore{}, fmt.Errorf("%w: empty log key for %s", model.ErrNotAuthorized, id)
	}
	if len(discoveryKey) == 0 {
		discoveryKey = keys.DiscoveryKeyFor(logKey)
	} else if !discoveryKey.Equal(keys.DiscoveryKeyFor(logKey)) {
		return model.ConversationCore{}, fmt.Errorf("%w: discovery key does not match log key for %s", model.ErrNotAuthorized, id)
	}

	if err := c.sub.Join(ctx, id, logKey); err != nil {
		return model.ConversationCore{}, substrate.Normalize(err)
	}
	return c.register(ctx, id, logKey, discoveryKey, isGroup)
}

// register records a joined log in the identity log and the local index.
func (c *Client) register(ctx context.Context, id string, logKey, discoveryKey model.HexKey, isGroup bool) (model.ConversationCore, error) {
	now := c.now()
	state, err := c.State(ctx, id)
	if err != nil {
		return model.ConversationCore{}, err
	}

	ref := model.IdentityRef{
		ConversationID: id,
		LogKey:         logKey,
		DiscoveryKey:   discoveryKey,
		IsGroup:        isGroup,
		Participants:   state.Handles(),
		JoinedAt:       now,
	}
	if err := c.ids.AppendRef(ctx, c.acct, ref); err != nil {
		return model.ConversationCore{}, fmt.Errorf("record %s in identity log: %w", id, err)
	}

	local, remote, err := c.sub.CurrentLength(ctx, id)
	if err != nil {
		return model.ConversationCore{}, substrate.Normalize(err)
	}
	core := model.ConversationCore{
		ID:           id,
		LogPublicKey: logKey,
		DiscoveryKey: discoveryKey,
		Participants: state.Members(),
		IsGroup:      isGroup,
		CreatedAt:    now,
		LocalLength:  local,
		RemoteLength: remote,
	}
	if err := c.index.Save(ctx, c.acct.Handle, core); err != nil {
		return model.ConversationCore{}, err
	}
	return c.index.Get(ctx, c.acct.Handle, id)
}

// Get returns the locally indexed core.
func (c *Client) Get(ctx context.Context, id string) (model.ConversationCore, error) {
	return c.index.Get(ctx, c.acct.Handle, id)
}

// Conversations lists every conversation known on this device.
func (c *Client) Conversations(ctx context.Context) ([]model.ConversationCore, error) {
	return c.index.List(ctx, c.acct.Handle)
}

// Entries decodes every reachable entry of a joined log whose writer
// signature verifies. Entries that fail are logged and left out; the rest of
// the log is still returned.
func (c *Client) Entries(ctx context.Context, id string) ([]model.IndexedEntry, error) {
	entries, _, err := c.entries(ctx, id)
	return entries, err
}

// entries also returns the records that decode but carry no valid writer
// signature, so they can be reported.
func (c *Client) entries(ctx context.Context, id string) (valid, unsigned []model.IndexedEntry, err error) {
	raw, err := substrate.ReadAll(ctx, c.sub, id)
	if err != nil {
		return nil, nil, substrate.Normalize(err)
	}
	valid = make([]model.IndexedEntry, 0, len(raw))
	for i, b := range raw {
		e, err := envelope.OpenEntry(b)
		switch {
		case err == nil:
			valid = append(valid, model.IndexedEntry{Index: i, Entry: e})
		case errors.Is(err, model.ErrSignatureInvalid):
			log.Warn("skipping unsigned entry", zap.String("conversation", id), zap.Int("index", i), zap.Error(err))
			unsigned = append(unsigned, model.IndexedEntry{Index: i, Entry: e})
		default:
			log.Warn("skipping entry", zap.String("conversation", id), zap.Int("index", i), zap.Error(err))
		}
	}
	return valid, unsigned, nil
}

// State reduces the log to its current membership, metadata, receipts and
// messages. Only entries written by members under certified writer keys
// count, and the initialization must list the keys each participant
// published.
func (c *Client) State(ctx context.Context, id string) (*reducer.State, error) {
	state, _, err := c.state(ctx, id)
	return state, err
}

func (c *Client) state(ctx context.Context, id string) (*reducer.State, []model.IndexedEntry, error) {
	entries, unsigned, err := c.entries(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return reducer.Reduce(id, entries, reducer.WithTrust(c.trust(ctx))), unsigned, nil
}

// trust accepts a participant record unless it contradicts the keys the
// handle published. Handles whose profile cannot be read right now are
// accepted so offline reads keep working.
func (c *Client) trust(ctx context.Context) func(model.CoreParticipant) bool {
	seen := make(map[string]bool)
	return func(p model.CoreParticipant) bool {
		if ok, done := seen[p.Handle]; done {
			return ok
		}
		ok := c.matchesProfile(ctx, p)
		seen[p.Handle] = ok
		return ok
	}
}

func (c *Client) matchesProfile(ctx context.Context, p model.CoreParticipant) bool {
	if p.Handle == c.acct.Handle {
		return p.SigningPublicKey.Equal(c.acct.Messaging.Signing.PublicKey) &&
			p.MessagingPublicKey.Equal(c.acct.Messaging.Encryption.PublicKey)
	}
	profile, err := c.ids.Lookup(ctx, p.Handle)
	if err != nil {
		log.Debug("profile unavailable", zap.String("handle", p.Handle), zap.Error(err))
		return true
	}
	if !p.SigningPublicKey.Equal(profile.SigningPublicKey) || !p.MessagingPublicKey.Equal(profile.MessagingPublicKey) {
		log.Warn("participant keys differ from profile", zap.String("handle", p.Handle))
		return false
	}
	return true
}

// Sync downloads every entry peers hold beyond the local replica and
// refreshes the indexed core. Unlike reads, it fails when peers are
// unreachable. It reports the resulting lengths.
func (c *Client) Sync(ctx context.Context, id string) (int, *int, error) {
	core, err := c.index.Get(ctx, c.acct.Handle, id)
	if err != nil {
		return 0, nil, err
	}
	local, remote, err := c.sub.CurrentLength(ctx, id)
	if err != nil {
		return 0, nil, substrate.Normalize(err)
	}
	if remote != nil && *remote > local {
		if _, err := c.sub.ReadRange(ctx, id, local, *remote); err != nil {
			return 0, nil, substrate.Normalize(err)
		}
		if local, remote, err = c.sub.CurrentLength(ctx, id); err != nil {
			return 0, nil, substrate.Normalize(err)
		}
	}

	state, err := c.State(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	core.Participants = state.Members()
	if err := c.index.Save(ctx, c.acct.Handle, core); err != nil {
		return 0, nil, err
	}
	if err := c.index.UpdateLengths(ctx, c.acct.Handle, id, local, remote, c.now()); err != nil {
		return 0, nil, err
	}
	return local, remote, nil
}

// Append writes entry to the log after checking the account is a current
// member. The entry's content is not otherwise validated.
func (c *Client) Append(ctx context.Context, id string, entry model.CoreEntry) (int, error) {
	if _, err := c.index.Get(ctx, c.acct.Handle, id); err != nil {
		return 0, err
	}
	state, err := c.State(ctx, id)
	if err != nil {
		return 0, err
	}
	if !state.Initialized || !state.IsMember(c.acct.Handle) {
		return 0, fmt.Errorf("%w: %s is not a member of %s", model.ErrNotAuthorized, c.acct.Handle, id)
	}

	b, err := c.encode(id, entry)
	if err != nil {
		return 0, err
	}
	index, err := c.sub.Append(ctx, id, b)
	if err != nil {
		return 0, substrate.Normalize(err)
	}

	local, remote, err := c.sub.CurrentLength(ctx, id)
	if err == nil {
		err = c.index.UpdateLengths(ctx, c.acct.Handle, id, local, remote, c.now())
	}
	if err != nil {
		log.Warn("length update after append failed", zap.String("conversation", id), zap.Error(err))
	}
	return index, nil
}

func (c *Client) appendRaw(ctx context.Context, id string, entry model.CoreEntry) error {
	b, err := c.encode(id, entry)
	if err != nil {
		return err
	}
	if _, err := c.sub.Append(ctx, id, b); err != nil {
		return substrate.Normalize(err)
	}
	return nil
}

// meta is the header of a new entry by this account: its writer key for id,
// certified by its messaging signing key.
func (c *Client) meta(id string) (model.EntryMeta, error) {
	w, err := c.acct.WriterKey(id)
	if err != nil {
		return model.EntryMeta{}, err
	}
	cert, err := envelope.CertifyWriter(id, w.PublicKey, c.acct.Messaging.Signing.PrivateKey)
	if err != nil {
		return model.EntryMeta{}, err
	}
	return model.EntryMeta{Author: c.acct.Handle, WriterKey: w.PublicKey, WriterCert: cert, Timestamp: c.now()}, nil
}

// encode signs entry with this account's writer key for id.
func (c *Client) encode(id string, entry model.CoreEntry) ([]byte, error) {
	w, err := c.acct.WriterKey(id)
	if err != nil {
		return nil, err
	}
	return envelope.SignEntry(entry, w.PrivateKey)
}

func (c *Client) resolve(ctx context.Context, handle string, at time.Time) (model.CoreParticipant, error) {
	p, err := c.ids.Lookup(ctx, handle)
	if err != nil {
		return model.CoreParticipant{}, err
	}
	return model.CoreParticipant{
		Handle:             handle,
		MessagingPublicKey: p.MessagingPublicKey,
		SigningPublicKey:   p.SigningPublicKey,
		AddedAt:            at,
		AddedBy:            c.acct.Handle,
	}, nil
}
