package conversation

import (
	"context"
	"convlog/internal/model"
	"convlog/internal/protocol/envelope"
	"convlog/internal/protocol/reducer"
	"convlog/internal/utils/log"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendMessage seals text for every current member, the author included, and
// appends the signed message.
func (c *Client) SendMessage(ctx context.Context, id, text string) (model.Message, int, error) {
	state, err := c.State(ctx, id)
	if err != nil {
		return model.Message{}, 0, err
	}
	if !state.IsMember(c.acct.Handle) {
		return model.Message{}, 0, fmt.Errorf("%w: %s is not a member of %s", model.ErrNotAuthorized, c.acct.Handle, id)
	}

	var recipients []envelope.Recipient
	for _, p := range state.Members() {
		if p.Handle == c.acct.Handle {
			p.MessagingPublicKey = c.acct.Messaging.Encryption.PublicKey
		}
		if len(p.MessagingPublicKey) == 0 {
			log.Warn("member has no messaging key", zap.String("conversation", id), zap.String("member", p.Handle))
			continue
		}
		recipients = append(recipients, envelope.Recipient{Handle: p.Handle, PublicKey: p.MessagingPublicKey})
	}

	meta, err := c.meta(id)
	if err != nil {
		return model.Message{}, 0, err
	}
	msg, err := envelope.Seal(id, meta, uuid.Must(uuid.NewV7()).String(), []byte(text), recipients, c.acct.Messaging.Signing.PrivateKey)
	if err != nil {
		return model.Message{}, 0, err
	}
	index, err := c.Append(ctx, id, msg)
	if err != nil {
		return model.Message{}, 0, err
	}
	return msg, index, nil
}

// AddMember adds handle to a group, resolving its public keys from its
// identity log.
func (c *Client) AddMember(ctx context.Context, id, handle string) (int, error) {
	core, err := c.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if !core.IsGroup {
		return 0, fmt.Errorf("%w: %s is a direct conversation", model.ErrNotAuthorized, id)
	}
	handle, err = model.NormalizeHandle(handle)
	if err != nil {
		return 0, err
	}

	meta, err := c.meta(id)
	if err != nil {
		return 0, err
	}
	p, err := c.resolve(ctx, handle, meta.Timestamp)
	if err != nil {
		return 0, err
	}
	return c.Append(ctx, id, model.MemberAdd{EntryMeta: meta, Participant: p})
}

// RemoveMember appends a removal. Removing a handle that is not a member is
// allowed and has no effect on membership.
func (c *Client) RemoveMember(ctx context.Context, id, handle string) (int, error) {
	meta, err := c.meta(id)
	if err != nil {
		return 0, err
	}
	return c.Append(ctx, id, model.MemberRemove{EntryMeta: meta, Handle: handle})
}

func (c *Client) MarkRead(ctx context.Context, id string, upToIndex int) (int, error) {
	if upToIndex < 0 {
		return 0, fmt.Errorf("mark read: negative index %d", upToIndex)
	}
	meta, err := c.meta(id)
	if err != nil {
		return 0, err
	}
	return c.Append(ctx, id, model.ReadReceipt{EntryMeta: meta, UpToIndex: upToIndex})
}

func (c *Client) SetTyping(ctx context.Context, id string, typing bool) (int, error) {
	meta, err := c.meta(id)
	if err != nil {
		return 0, err
	}
	return c.Append(ctx, id, model.Typing{EntryMeta: meta, IsTyping: typing})
}

func (c *Client) UpdateMetadata(ctx context.Context, id string, fields map[string]string) (int, error) {
	if len(fields) == 0 {
		return 0, fmt.Errorf("update metadata: no fields")
	}
	meta, err := c.meta(id)
	if err != nil {
		return 0, err
	}
	return c.Append(ctx, id, model.MetadataUpdate{EntryMeta: meta, Fields: fields})
}

// Timeline renders every message of the log for this account. A message
// whose signature does not verify, or whose author was not allowed to write
// it, is left out and reported as a warning. A message that verifies but
// cannot be decrypted is shown as unavailable.
func (c *Client) Timeline(ctx context.Context, id string) (model.Timeline, error) {
	state, unsigned, err := c.state(ctx, id)
	if err != nil {
		return model.Timeline{}, err
	}
	tl := c.render(id, state)

	for _, ie := range unsigned {
		if msg, ok := ie.Entry.(model.Message); ok {
			tl.Warnings = append(tl.Warnings, c.suppress(id, reducer.MessageEntry{Index: ie.Index, Message: msg}, model.ErrSignatureInvalid.Error()))
		}
	}
	for _, r := range state.Rejected() {
		if r.Type == model.EntryMessage {
			tl.Warnings = append(tl.Warnings, c.warn(id, r.Index, r.Author, r.Reason))
		}
	}
	sort.SliceStable(tl.Warnings, func(i, j int) bool { return tl.Warnings[i].Index < tl.Warnings[j].Index })
	return tl, nil
}

func (c *Client) render(id string, state *reducer.State) model.Timeline {
	tl := model.Timeline{ConversationID: id, Messages: []model.RenderedMessage{}}
	for _, me := range state.Messages() {
		msg := me.Message

		author, ok := state.ParticipantAt(msg.Author, msg.EntryMeta)
		if !ok || len(author.SigningPublicKey) == 0 {
			tl.Warnings = append(tl.Warnings, c.suppress(id, me, "unknown author"))
			continue
		}

		plain, err := envelope.OpenMessage(id, msg, author.SigningPublicKey, c.acct.Handle, c.acct.Messaging.Encryption.PrivateKey)
		rendered := model.RenderedMessage{
			Index:     me.Index,
			ID:        msg.ID,
			Author:    msg.Author,
			Timestamp: msg.Timestamp,
		}
		switch {
		case err == nil:
			rendered.Status = model.MessageAvailable
			rendered.Text = string(plain)
		case errors.Is(err, model.ErrSignatureInvalid):
			tl.Warnings = append(tl.Warnings, c.suppress(id, me, err.Error()))
			continue
		default:
			log.Debug("message unavailable", zap.String("conversation", id), zap.Int("index", me.Index), zap.Error(err))
			rendered.Status = model.MessageUnavailable
			rendered.Text = model.UnavailablePlaceholder
		}
		tl.Messages = append(tl.Messages, rendered)
	}
	return tl
}

func (c *Client) suppress(id string, me reducer.MessageEntry, reason string) model.IntegrityWarning {
	return c.warn(id, me.Index, me.Message.Author, reason)
}

func (c *Client) warn(id string, index int, author, reason string) model.IntegrityWarning {
	log.Warn("message suppressed",
		zap.String("conversation", id),
		zap.Int("index", index),
		zap.String("author", author),
		zap.String("reason", reason))
	return model.IntegrityWarning{Index: index, Author: author, Reason: reason}
}
