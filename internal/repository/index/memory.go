package index

import (
	"context"
	"convlog/internal/model"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	cores map[string]map[string]model.ConversationCore
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{cores: make(map[string]map[string]model.ConversationCore)}
}

func (m *Memory) Save(ctx context.Context, owner string, core model.ConversationCore) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.cores[owner]
	if !ok {
		byID = make(map[string]model.ConversationCore)
		m.cores[owner] = byID
	}
	if prev, ok := byID[core.ID]; ok {
		if core.LocalLength < prev.LocalLength {
			core.LocalLength = prev.LocalLength
		}
		if core.RemoteLength == nil {
			core.RemoteLength = prev.RemoteLength
		}
		if core.LastSyncedAt == nil {
			core.LastSyncedAt = prev.LastSyncedAt
		}
		core.CreatedAt = prev.CreatedAt
	}
	core.Participants = append([]model.CoreParticipant(nil), core.Participants...)
	byID[core.ID] = core
	return nil
}

func (m *Memory) Get(ctx context.Context, owner, id string) (model.ConversationCore, error) {
	if err := ctx.Err(); err != nil {
		return model.ConversationCore{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	core, ok := m.cores[owner][id]
	if !ok {
		return model.ConversationCore{}, fmt.Errorf("%w: %s", model.ErrConversationNotFound, id)
	}
	return core, nil
}

func (m *Memory) List(ctx context.Context, owner string) ([]model.ConversationCore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ConversationCore, 0, len(m.cores[owner]))
	for _, c := range m.cores[owner] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Count(ctx context.Context, owner string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cores[owner]), nil
}

func (m *Memory) UpdateLengths(ctx context.Context, owner, id string, local int, remote *int, syncedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	core, ok := m.cores[owner][id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrConversationNotFound, id)
	}
	if local > core.LocalLength {
		core.LocalLength = local
	}
	if remote != nil {
		core.RemoteLength = model.IntPtr(*remote)
	}
	core.LastSyncedAt = &syncedAt
	m.cores[owner][id] = core
	return nil
}

func (m *Memory) Close() error { return nil }
