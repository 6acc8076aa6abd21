// Package index persists the per-device list of conversation logs each
// account has created or joined, with their last known sync lengths.
package index

import (
	"context"
	"convlog/internal/model"
	"time"
)

// Store is implemented by SQLite and Memory.
type Store interface {
	// Save inserts or replaces the core's identity and participants. Sync
	// lengths already recorded are kept when core carries none.
	Save(ctx context.Context, owner string, core model.ConversationCore) error
	// Get returns model.ErrConversationNotFound for unknown ids.
	Get(ctx context.Context, owner, id string) (model.ConversationCore, error)
	List(ctx context.Context, owner string) ([]model.ConversationCore, error)
	Count(ctx context.Context, owner string) (int, error)
	UpdateLengths(ctx context.Context, owner, id string, local int, remote *int, syncedAt time.Time) error
	Close() error
}
