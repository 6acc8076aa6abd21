package model

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	DirectPrefix   = "dm_"
	GroupPrefix    = "group_"
	IdentityPrefix = "identity_"

	idSeparator = "_"
)

var handlePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{0,63}$`)

type (
	// CoreParticipant is one member of a conversation log.
	CoreParticipant struct {
		Handle             string    `json:"handle"`
		WriterKey          HexKey    `json:"writerKey,omitempty"`
		MessagingPublicKey HexKey    `json:"messagingPublicKey"`
		SigningPublicKey   HexKey    `json:"signingPublicKey"`
		DisplayName        string    `json:"displayName,omitempty"`
		AddedAt            time.Time `json:"addedAt"`
		AddedBy            string    `json:"addedBy,omitempty"`
	}

	// ConversationCore is the local view of one conversation log.
	ConversationCore struct {
		ID           string            `json:"id"`
		LogPublicKey HexKey            `json:"logPublicKey"`
		DiscoveryKey HexKey            `json:"discoveryKey"`
		Participants []CoreParticipant `json:"participants"`
		IsGroup      bool              `json:"isGroup"`
		CreatedAt    time.Time         `json:"createdAt"`
		LastSyncedAt *time.Time        `json:"lastSyncedAt,omitempty"`
		LocalLength  int               `json:"localLength"`
		RemoteLength *int              `json:"remoteLength,omitempty"`
	}
)

// Participant returns the participant with the given handle.
func (c *ConversationCore) Participant(handle string) (CoreParticipant, bool) {
	for _, p := range c.Participants {
		if p.Handle == handle {
			return p, true
		}
	}
	return CoreParticipant{}, false
}

func (c *ConversationCore) Handles() []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		out = append(out, p.Handle)
	}
	sort.Strings(out)
	return out
}

// NormalizeHandle trims and lower-cases a handle and checks its charset.
// Handles never contain the id separator, which keeps GenerateID injective.
func NormalizeHandle(handle string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(handle))
	if !handlePattern.MatchString(h) {
		return "", fmt.Errorf("%w: bad handle %q", ErrInvalidConversationID, handle)
	}
	return h, nil
}

// GenerateID derives the conversation id from its participants. The result
// does not depend on input order or duplicates, so two devices creating the
// same conversation independently converge on one log.
func GenerateID(handles []string, isGroup bool) (string, error) {
	seen := make(map[string]struct{}, len(handles))
	sorted := make([]string, 0, len(handles))
	for _, raw := range handles {
		h, err := NormalizeHandle(raw)
		if err != nil {
			return "", err
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		sorted = append(sorted, h)
	}
	sort.Strings(sorted)

	switch {
	case !isGroup && len(sorted) != 2:
		return "", fmt.Errorf("%w: direct conversation needs 2 distinct handles, got %d", ErrInvalidConversationID, len(sorted))
	case isGroup && len(sorted) < 2:
		return "", fmt.Errorf("%w: group needs at least 2 handles, got %d", ErrInvalidConversationID, len(sorted))
	}

	prefix := DirectPrefix
	if isGroup {
		prefix = GroupPrefix
	}
	return prefix + strings.Join(sorted, idSeparator), nil
}

// MustGenerateID is GenerateID for literals in tests and fixtures.
func MustGenerateID(handles []string, isGroup bool) string {
	id, err := GenerateID(handles, isGroup)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseID splits a conversation id back into its kind and handles.
func ParseID(id string) (handles []string, isGroup bool, err error) {
	var rest string
	switch {
	case strings.HasPrefix(id, DirectPrefix):
		rest = strings.TrimPrefix(id, DirectPrefix)
	case strings.HasPrefix(id, GroupPrefix):
		rest, isGroup = strings.TrimPrefix(id, GroupPrefix), true
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidConversationID, id)
	}

	handles = strings.Split(rest, idSeparator)
	canonical, err := GenerateID(handles, isGroup)
	if err != nil {
		return nil, false, err
	}
	if canonical != id {
		return nil, false, fmt.Errorf("%w: %q is not canonical", ErrInvalidConversationID, id)
	}
	return handles, isGroup, nil
}

// IdentityLogID names the personal log that records an account's
// conversation memberships.
func IdentityLogID(handle string) string {
	return IdentityPrefix + handle
}

func IsIdentityLogID(id string) bool { return strings.HasPrefix(id, IdentityPrefix) }
