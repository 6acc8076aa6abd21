// Package substrate defines the five operations the log engine needs from a
// replication/storage layer, plus an in-process implementation used by tests
// and single-machine setups.
package substrate

import (
	"context"
	"convlog/internal/model"
	"errors"
)

var (
	// ErrNotJoined is returned for logs this replica has not joined.
	ErrNotJoined = errors.New("log not joined")
	// ErrKeyMismatch is returned when joining with the wrong log public key.
	ErrKeyMismatch = errors.New("log public key mismatch")
	// ErrOffline means no peer holding the log is reachable.
	ErrOffline = errors.New("no reachable peer")
)

// Substrate moves and stores log bytes. Implementations must be safe for
// concurrent use.
type Substrate interface {
	// Append adds entry to the end of the log and returns its index.
	Append(ctx context.Context, conversationID string, entry []byte) (int, error)
	// ReadRange returns entries [from, to). Reading past the local length
	// downloads from peers.
	ReadRange(ctx context.Context, conversationID string, from, to int) ([][]byte, error)
	// CurrentLength reports the local length and, when known, the best
	// known remote length.
	CurrentLength(ctx context.Context, conversationID string) (local int, remote *int, err error)
	// Subscribe streams length changes until the subscription is closed or
	// ctx is done.
	Subscribe(ctx context.Context, conversationID string) (Subscription, error)
	// Join attaches a local replica of the log identified by logPublicKey.
	Join(ctx context.Context, conversationID string, logPublicKey []byte) error
}

type Subscription interface {
	Events() <-chan model.LengthChanged
	Close() error
}

// Normalize maps substrate errors onto the model taxonomy.
func Normalize(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotJoined):
		return errors.Join(model.ErrConversationNotFound, err)
	case errors.Is(err, ErrKeyMismatch):
		return errors.Join(model.ErrNotAuthorized, err)
	default:
		return err
	}
}

// ReadAll returns every entry of a log the replica can reach. When peers
// are unreachable it falls back to the locally held prefix.
func ReadAll(ctx context.Context, s Substrate, conversationID string) ([][]byte, error) {
	local, remote, err := s.CurrentLength(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	n := local
	if remote != nil && *remote > n {
		n = *remote
	}
	if n == 0 {
		return nil, nil
	}

	entries, err := s.ReadRange(ctx, conversationID, 0, n)
	if errors.Is(err, ErrOffline) && n > local {
		return s.ReadRange(ctx, conversationID, 0, local)
	}
	return entries, err
}
