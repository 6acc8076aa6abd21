package model

import "time"

type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusSyncing SyncStatus = "syncing"
	StatusBehind  SyncStatus = "behind"
	StatusOffline SyncStatus = "offline"
	StatusError   SyncStatus = "error"
)

type (
	// ConversationSyncState tracks replication progress of one log.
	ConversationSyncState struct {
		ConversationID    string     `json:"conversationId"`
		LocalLength       int        `json:"localLength"`
		RemoteLength      *int       `json:"remoteLength,omitempty"`
		LastSyncTimestamp *time.Time `json:"lastSyncTimestamp,omitempty"`
		Status            SyncStatus `json:"syncStatus"`
		LastError         string     `json:"lastError,omitempty"`
	}

	// LengthChanged is published by the substrate whenever the known local
	// or remote length of a log moves.
	LengthChanged struct {
		ConversationID string `json:"conversationId"`
		Local          int    `json:"local"`
		Remote         *int   `json:"remote,omitempty"`
	}
)

func (s ConversationSyncState) IsSynced() bool {
	return s.RemoteLength != nil && s.LocalLength >= *s.RemoteLength
}

// SyncProgress is local/remote, 1.0 when the remote length is unknown or zero.
func (s ConversationSyncState) SyncProgress() float64 {
	if s.RemoteLength == nil || *s.RemoteLength <= 0 {
		return 1.0
	}
	p := float64(s.LocalLength) / float64(*s.RemoteLength)
	if p > 1 {
		return 1
	}
	return p
}

// StatusFor is the resting status for a pair of lengths. An unknown remote
// length counts as synced.
func StatusFor(local int, remote *int) SyncStatus {
	if remote != nil && *remote > local {
		return StatusBehind
	}
	return StatusSynced
}

func IntPtr(v int) *int { return &v }
