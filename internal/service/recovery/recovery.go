// Package recovery restores an account on a new device, either from its seed
// phrase or from an exported backup, and produces those backups.
package recovery

import (
	"context"
	"convlog/internal/model"
	"convlog/internal/repository/index"
	"convlog/internal/repository/substrate"
	"convlog/internal/service/conversation"
	"convlog/internal/service/identity"
	"convlog/internal/utils/log"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// DefaultTimeout bounds how long seed recovery waits for the identity log
// to replicate and its conversations to be joined.
const DefaultTimeout = 10 * time.Second

var errPending = errors.New("identity log not fully replicated")

type Option func(*Service)

func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service runs recoveries against one substrate and local index.
type Service struct {
	identities *identity.Manager
	ids        *identity.Log
	sub        substrate.Substrate
	index      index.Store

	timeout         time.Duration
	initialInterval time.Duration
	now             func() time.Time
}

func New(identities *identity.Manager, ids *identity.Log, sub substrate.Substrate, idx index.Store, opts ...Option) *Service {
	s := &Service{
		identities:      identities,
		ids:             ids,
		sub:             sub,
		index:           idx,
		timeout:         DefaultTimeout,
		initialInterval: 100 * time.Millisecond,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverFromSeedPhrase derives and stores the account keys, then waits,
// up to the configured timeout, until the identity log is replicated and
// every conversation it references is joined. The result counts the
// conversations known locally when the wait ends. Only derivation and
// credential failures are fatal.
func (s *Service) RecoverFromSeedPhrase(ctx context.Context, seed, handle string) (model.RecoveryResult, error) {
	acct, err := s.identities.Initialize(ctx, seed, handle)
	if err != nil {
		return model.RecoveryResult{}, model.RecoveryFailed("derive identity", err)
	}
	result := model.RecoveryResult{IdentityKeyRestored: true, MessagingKeysRestored: true}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	client := conversation.NewClient(acct, s.sub, s.ids, s.index)
	if err := s.ids.Publish(ctx, acct); err != nil {
		log.Warn("identity log unavailable", zap.String("handle", acct.Handle), zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	pending, err := s.await(ctx, acct, client)
	if err != nil {
		return result, err
	}
	result.Failed = pending

	n, err := s.index.Count(ctx, acct.Handle)
	if err != nil {
		return result, err
	}
	result.ConversationsRecovered = n

	log.Info("recovered from seed phrase",
		zap.String("handle", acct.Handle),
		zap.Int("conversations", n),
		zap.Strings("pending", pending))
	return result, nil
}

// await polls with exponential backoff until the identity log is fully
// replicated and all of its references are joined, or the timeout elapses.
// It returns the references still not joined. Only cancellation of ctx is
// an error.
func (s *Service) await(ctx context.Context, acct *identity.Account, client *conversation.Client) ([]string, error) {
	pollCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	joined := make(map[string]bool)
	var pending []string

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialInterval
	b.MaxInterval = s.timeout / 4
	b.MaxElapsedTime = s.timeout

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := pollCtx.Err(); err != nil {
			return err
		}

		refs, err := s.ids.Refs(pollCtx, acct)
		if err != nil {
			return err
		}
		pending = pending[:0]
		for _, ref := range refs {
			if joined[ref.ConversationID] {
				continue
			}
			if _, err := client.Join(pollCtx, ref.ConversationID, ref.LogKey, ref.DiscoveryKey); err != nil {
				log.Warn("join failed",
					zap.String("conversation", ref.ConversationID),
					zap.Int("attempt", attempt),
					zap.Error(err))
				pending = append(pending, ref.ConversationID)
				continue
			}
			joined[ref.ConversationID] = true
		}

		replicated, err := s.ids.Replicated(pollCtx, acct.Handle)
		if err != nil {
			return err
		}
		if !replicated {
			return errPending
		}
		if len(pending) > 0 {
			return fmt.Errorf("%d conversations not joined", len(pending))
		}
		return nil
	}, backoff.WithContext(b, pollCtx))

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		log.Warn("recovery window elapsed",
			zap.String("handle", acct.Handle),
			zap.Duration("timeout", s.timeout),
			zap.Error(err))
	}
	sort.Strings(pending)
	return pending, nil
}

// RecoverFromBackup joins every conversation listed in b under the account
// already initialized for handle. A conversation that fails to join is
// logged and skipped; the result counts the ones that succeeded.
func (s *Service) RecoverFromBackup(ctx context.Context, b model.Backup, handle string) (model.RecoveryResult, error) {
	if b.Version != model.BackupVersion || b.IdentityKey != nil {
		return model.RecoveryResult{}, model.ErrInvalidBackupFormat
	}
	acct, err := s.identities.Load(ctx, handle)
	if err != nil {
		return model.RecoveryResult{}, model.RecoveryFailed("load identity", err)
	}
	if b.MessagingPublicKey != nil && *b.MessagingPublicKey != model.HexKey(acct.Messaging.Encryption.PublicKey).String() {
		return model.RecoveryResult{}, model.RecoveryFailed("backup belongs to another identity", nil)
	}
	if err := s.ids.Join(ctx, acct.Handle); err != nil {
		return model.RecoveryResult{}, model.RecoveryFailed("join identity log", err)
	}

	client := conversation.NewClient(acct, s.sub, s.ids, s.index)
	var result model.RecoveryResult
	for _, ck := range b.ConversationKeys {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := client.Join(ctx, ck.ConversationID, ck.LogKey, ck.DiscoveryKey); err != nil {
			log.Warn("skipping conversation from backup",
				zap.String("handle", acct.Handle),
				zap.String("conversation", ck.ConversationID),
				zap.Error(err))
			result.Failed = append(result.Failed, ck.ConversationID)
			continue
		}
		result.ConversationsRecovered++
	}

	log.Info("recovered from backup",
		zap.String("handle", acct.Handle),
		zap.Int("conversations", result.ConversationsRecovered),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

// ExportRecoveryData lists the public join coordinates of every conversation
// known locally for handle. The identity key is never included.
func (s *Service) ExportRecoveryData(ctx context.Context, handle string) (model.Backup, error) {
	acct, err := s.identities.Load(ctx, handle)
	if err != nil {
		return model.Backup{}, fmt.Errorf("%w: %w", model.ErrExportFailed, err)
	}
	cores, err := s.index.List(ctx, acct.Handle)
	if err != nil {
		return model.Backup{}, fmt.Errorf("%w: %w", model.ErrExportFailed, err)
	}

	msgKey := model.HexKey(acct.Messaging.Encryption.PublicKey).String()
	b := model.Backup{
		Version:            model.BackupVersion,
		ExportedAt:         s.now().UTC(),
		MessagingPublicKey: &msgKey,
		ConversationKeys:   make([]model.ConversationKey, 0, len(cores)),
	}
	for _, c := range cores {
		b.ConversationKeys = append(b.ConversationKeys, model.ConversationKey{
			ConversationID: c.ID,
			LogKey:         c.LogPublicKey,
			DiscoveryKey:   c.DiscoveryKey,
		})
	}
	sort.Slice(b.ConversationKeys, func(i, j int) bool {
		return b.ConversationKeys[i].ConversationID < b.ConversationKeys[j].ConversationID
	})
	return b, nil
}
