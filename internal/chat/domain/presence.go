package domain

import "time"

// PresenceStatus ephemeral user status in a topic
type PresenceStatus string

const (
	// PresenceOnline connected
	PresenceOnline PresenceStatus = "online"
	// PresenceTyping typing in the conversation
	PresenceTyping PresenceStatus = "typing"
	// PresenceAway connected but idle
	PresenceAway PresenceStatus = "away"
)

// Valid check presence status is known
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceTyping, PresenceAway:
		return true
	}
	return false
}

// PresenceMeta raw presence entry as tracked by the transport, one per session
type PresenceMeta struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Status    PresenceStatus `json:"status,omitempty"`
	LastSeen  *time.Time     `json:"last_seen,omitempty"`
}

// PresenceState resolved presence of one user in a topic
type PresenceState struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}
