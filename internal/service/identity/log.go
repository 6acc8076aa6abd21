package identity

import (
	"context"
	"convlog/internal/cryptographic/encryption"
	"convlog/internal/cryptographic/signature"
	"convlog/internal/model"
	"convlog/internal/protocol/keys"
	"convlog/internal/repository/substrate"
	"convlog/internal/utils/log"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Profile is the public record at the head of every identity log. It lets
// other accounts find the keys to seal messages to and to verify them with.
type Profile struct {
	Handle             string       `json:"handle"`
	IdentityPublicKey  model.HexKey `json:"identityPublicKey"`
	MessagingPublicKey model.HexKey `json:"messagingPublicKey"`
	SigningPublicKey   model.HexKey `json:"signingPublicKey"`
	CreatedAt          time.Time    `json:"createdAt"`
	Signature          model.HexKey `json:"signature,omitempty"`
}

func (p Profile) signingBytes() []byte {
	p.Signature = nil
	b, _ := json.Marshal(p)
	return b
}

// Verify checks the profile is self-signed by its identity key.
func (p Profile) Verify() error {
	if !signature.ED25519Verify(p.IdentityPublicKey, p.signingBytes(), p.Signature) {
		return fmt.Errorf("profile %s: %w", p.Handle, model.ErrSignatureInvalid)
	}
	return nil
}

const (
	recordProfile = "profile"
	recordRef     = "ref"
)

// record is one entry of an identity log. References are sealed with the
// account's conversation key for its own identity log, so only the seed
// holder can list an account's conversations.
type record struct {
	Type    string   `json:"type"`
	Profile *Profile `json:"profile,omitempty"`
	Sealed  []byte   `json:"sealed,omitempty"`
}

// Log reads and writes identity logs through a substrate.
type Log struct {
	sub substrate.Substrate
}

func NewLog(sub substrate.Substrate) *Log {
	return &Log{sub: sub}
}

// Join attaches the local replica of handle's identity log.
func (l *Log) Join(ctx context.Context, handle string) error {
	id := model.IdentityLogID(handle)
	if err := l.sub.Join(ctx, id, keys.LogKeyFor(id)); err != nil {
		return substrate.Normalize(err)
	}
	return nil
}

// Publish joins the account's identity log and writes its profile unless
// the log is already pinned to the account's identity key. A log pinned to
// another key is refused.
func (l *Log) Publish(ctx context.Context, a *Account) error {
	if err := l.Join(ctx, a.Handle); err != nil {
		return err
	}
	records, err := l.read(ctx, a.Handle)
	if err != nil {
		return err
	}
	if first, _ := pinned(records, a.Handle); first != nil {
		if !first.IdentityPublicKey.Equal(a.Identity.PublicKey) {
			return fmt.Errorf("%w: handle %s belongs to another identity", model.ErrNotAuthorized, a.Handle)
		}
		return nil
	}

	p := a.Profile(time.Now())
	return l.append(ctx, a.LogID(), record{Type: recordProfile, Profile: &p})
}

// AppendRef records that a belongs to the referenced conversation. Refs
// already present are not written twice.
func (l *Log) AppendRef(ctx context.Context, a *Account, ref model.IdentityRef) error {
	refs, err := l.Refs(ctx, a)
	if err != nil {
		return err
	}
	for _, r := range refs {
		if r.ConversationID == ref.ConversationID {
			return nil
		}
	}

	key, err := a.ConversationKey(a.LogID())
	if err != nil {
		return err
	}
	defer encryption.Wipe(key[:])

	plain, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("encode ref: %w", err)
	}
	sealed, err := encryption.AEADEncrypt(key[:], plain, []byte(a.LogID()))
	if err != nil {
		return model.EncryptionFailed("seal identity ref", err)
	}
	return l.append(ctx, a.LogID(), record{Type: recordRef, Sealed: sealed})
}

// Refs returns the conversations a's identity log references, in log order,
// without duplicates. Records that fail to open are skipped.
func (l *Log) Refs(ctx context.Context, a *Account) ([]model.IdentityRef, error) {
	records, err := l.read(ctx, a.Handle)
	if err != nil {
		return nil, err
	}

	key, err := a.ConversationKey(a.LogID())
	if err != nil {
		return nil, err
	}
	defer encryption.Wipe(key[:])

	var refs []model.IdentityRef
	seen := make(map[string]struct{})
	for i, r := range records {
		if r.Type != recordRef {
			continue
		}
		plain, err := encryption.AEADDecrypt(key[:], r.Sealed, []byte(a.LogID()))
		if err != nil {
			log.Warn("identity ref unreadable", zap.String("handle", a.Handle), zap.Int("index", i), zap.Error(err))
			continue
		}
		var ref model.IdentityRef
		if err := json.Unmarshal(plain, &ref); err != nil {
			log.Warn("identity ref malformed", zap.String("handle", a.Handle), zap.Int("index", i), zap.Error(err))
			continue
		}
		if _, dup := seen[ref.ConversationID]; dup {
			continue
		}
		seen[ref.ConversationID] = struct{}{}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Lookup finds handle's profile. The first valid profile in the log pins
// the handle to its identity key; later profiles count only when signed by
// that same key, and the newest of those wins.
func (l *Log) Lookup(ctx context.Context, handle string) (Profile, error) {
	if err := l.Join(ctx, handle); err != nil {
		return Profile{}, err
	}
	records, err := l.read(ctx, handle)
	if err != nil {
		return Profile{}, err
	}

	if _, latest := pinned(records, handle); latest != nil {
		return *latest, nil
	}
	return Profile{}, fmt.Errorf("%w: %s", model.ErrParticipantNotFound, handle)
}

// pinned returns the first valid profile for handle and the newest valid
// profile signed by the same identity key.
func pinned(records []record, handle string) (first, latest *Profile) {
	for i, r := range records {
		if r.Type != recordProfile || r.Profile == nil || r.Profile.Handle != handle {
			continue
		}
		if err := r.Profile.Verify(); err != nil {
			log.Warn("skipping profile", zap.String("handle", handle), zap.Int("index", i), zap.Error(err))
			continue
		}
		p := *r.Profile
		if first == nil {
			first = &p
		} else if !p.IdentityPublicKey.Equal(first.IdentityPublicKey) {
			log.Warn("skipping profile of another identity", zap.String("handle", handle), zap.Int("index", i))
			continue
		}
		latest = &p
	}
	return first, latest
}

// Replicated reports whether the local replica of handle's identity log
// holds everything the substrate knows about.
func (l *Log) Replicated(ctx context.Context, handle string) (bool, error) {
	local, remote, err := l.sub.CurrentLength(ctx, model.IdentityLogID(handle))
	if err != nil {
		return false, substrate.Normalize(err)
	}
	return remote != nil && local >= *remote, nil
}

func (l *Log) read(ctx context.Context, handle string) ([]record, error) {
	id := model.IdentityLogID(handle)
	raw, err := substrate.ReadAll(ctx, l.sub, id)
	if err != nil {
		return nil, substrate.Normalize(err)
	}

	out := make([]record, 0, len(raw))
	for i, b := range raw {
		var r record
		if err := json.Unmarshal(b, &r); err != nil {
			log.Warn("identity record malformed", zap.String("log", id), zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (l *Log) append(ctx context.Context, id string, r record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", r.Type, err)
	}
	if _, err := l.sub.Append(ctx, id, b); err != nil {
		return substrate.Normalize(err)
	}
	return nil
}
