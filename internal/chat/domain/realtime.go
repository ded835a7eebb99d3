package domain

import (
	"strings"
	"time"
)

const (
	conversationTopicPrefix = "conversation:"
	userTopicPrefix         = "user:"
)

// ConversationTopic topic key of a conversation
func ConversationTopic(conversationID string) string {
	return conversationTopicPrefix + conversationID
}

// UserTopic topic key of a user's cross-conversation notifications
func UserTopic(userID string) string {
	return userTopicPrefix + userID
}

// ConversationIDFromTopic reverse of ConversationTopic
func ConversationIDFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, conversationTopicPrefix) {
		return "", false
	}
	return strings.TrimPrefix(topic, conversationTopicPrefix), true
}

// TopicState channel manager state of a topic
type TopicState string

const (
	// TopicClosed not subscribed
	TopicClosed TopicState = "closed"
	// TopicOpening subscribe in progress
	TopicOpening TopicState = "opening"
	// TopicSubscribed receiving events
	TopicSubscribed TopicState = "subscribed"
)

// EventType transport envelope type
type EventType string

const (
	// EventMessageInsert a message row was inserted
	EventMessageInsert EventType = "message_insert"
	// EventMessageUpdate a message row was updated
	EventMessageUpdate EventType = "message_update"
	// EventTyping typing broadcast
	EventTyping EventType = "typing"
	// EventPresenceSync full presence state of a topic
	EventPresenceSync EventType = "presence_sync"
)

// Envelope one event multiplexed over a topic
type Envelope struct {
	Type      EventType      `json:"type"`
	Topic     string         `json:"topic"`
	SessionID string         `json:"session_id,omitempty"`
	Record    *Message       `json:"record,omitempty"`
	Old       *Message       `json:"old,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	IsTyping  bool           `json:"is_typing,omitempty"`
	Presence  []PresenceMeta `json:"presence,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

// ReadTransition update flipped is_read false -> true
func (e Envelope) ReadTransition() bool {
	return e.Type == EventMessageUpdate && e.Record != nil && e.Old != nil &&
		!e.Old.IsRead && e.Record.IsRead
}

// DeleteTransition update set deleted_at
func (e Envelope) DeleteTransition() bool {
	return e.Type == EventMessageUpdate && e.Record != nil && e.Record.DeletedAt != nil &&
		(e.Old == nil || e.Old.DeletedAt == nil)
}

// ConversationEventType event delivered to the UI
type ConversationEventType string

const (
	// ConversationMessages merged visible list changed
	ConversationMessages ConversationEventType = "messages"
	// ConversationOlderLoaded older page prepended
	ConversationOlderLoaded ConversationEventType = "older_loaded"
	// ConversationPresence presence of a participant changed
	ConversationPresence ConversationEventType = "presence"
	// ConversationTyping typing indicator
	ConversationTyping ConversationEventType = "typing"
	// ConversationMessageRead a message was read by the other side
	ConversationMessageRead ConversationEventType = "message_read"
	// ConversationNotification message in a conversation that is not open
	ConversationNotification ConversationEventType = "notification"
	// ConversationSendFailed optimistic message failed
	ConversationSendFailed ConversationEventType = "send_failed"
	// ConversationUnread unread count changed
	ConversationUnread ConversationEventType = "unread"
)

// ConversationEvent merged, deduplicated and ordered event for the UI
type ConversationEvent struct {
	Type           ConversationEventType `json:"type"`
	ConversationID string                `json:"conversation_id"`
	Messages       []Message             `json:"messages,omitempty"`
	Added          []string              `json:"added,omitempty"`
	HasMore        bool                  `json:"has_more,omitempty"`
	ScrollAnchorID string                `json:"scroll_anchor_id,omitempty"`
	Presence       *PresenceState        `json:"presence,omitempty"`
	UserID         string                `json:"user_id,omitempty"`
	IsTyping       bool                  `json:"is_typing,omitempty"`
	Message        *Message              `json:"message,omitempty"`
	UnreadCount    *int                  `json:"unread_count,omitempty"`
	Error          string                `json:"error,omitempty"`
}
