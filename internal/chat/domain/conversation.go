package domain

import (
	"sort"
	"strings"
	"time"
)

// ConversationType definition conversation type
type ConversationType string

const (
	// ConversationDirect 1對1
	ConversationDirect ConversationType = "direct"
	// ConversationGroup 群組
	ConversationGroup ConversationType = "group"
)

// Conversation definition conversation
type Conversation struct {
	ID           string           `json:"id" bson:"_id"`
	Type         ConversationType `json:"type" bson:"type"`
	Name         string           `json:"name,omitempty" bson:"name,omitempty"`
	DirectKey    string           `json:"-" bson:"direct_key,omitempty"`
	Participants []Participant    `json:"participants,omitempty" bson:"participants"`
	CreatedAt    time.Time        `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" bson:"updated_at"`
}

// Participant definition conversation member
type Participant struct {
	ConversationID string    `json:"conversation_id" bson:"-"`
	UserID         string    `json:"user_id" bson:"user_id"`
	IsAdmin        bool      `json:"is_admin" bson:"is_admin"`
	LastReadAt     time.Time `json:"last_read_at" bson:"last_read_at"`
}

// HasParticipant check userID is a member
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// ConversationSummary conversation list row
type ConversationSummary struct {
	Conversation  Conversation `json:"conversation"`
	LastMessageAt *time.Time   `json:"last_message_at,omitempty"`
	UnreadCount   int          `json:"unread_count"`
}

// DirectKey order-independent key of a direct conversation between two users
func DirectKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}
