package repository

import (
	"context"
	"time"

	"dm_service/internal/chat/domain"
)

// MessageStore durable storage of conversations, participants, messages and reactions.
// QueryMessages returns rows newest first (created_at DESC, id DESC) and never
// returns soft-deleted messages. QueryMessagesWithTombstones orders the same way but
// keeps soft-deleted rows, so a reader can learn about deletions it missed.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg domain.NewMessage) (*domain.Message, error)
	QueryMessages(ctx context.Context, conversationID string, limit int, before *domain.Cursor) ([]domain.Message, error)
	QueryMessagesWithTombstones(ctx context.Context, conversationID string, limit int, before *domain.Cursor) ([]domain.Message, error)
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	SoftDeleteMessage(ctx context.Context, messageID string, at time.Time) (*domain.Message, error)

	// MarkMessagesRead flags every unread message of other senders read and advances
	// the reader's last_read_at, in one transaction.
	MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error)
	CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error)

	// UpsertReaction toggles (message, user, reaction).
	UpsertReaction(ctx context.Context, messageID, userID, reaction string) (domain.ReactionResult, error)
	ListReactions(ctx context.Context, messageID string) ([]domain.MessageReaction, error)

	FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (string, error)
	CreateGroupConversation(ctx context.Context, creatorID, name string, members []string) (string, error)
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	GetParticipant(ctx context.Context, conversationID, userID string) (*domain.Participant, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error)
}

// ClampLimit normalise page size
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

const (
	// DefaultPageSize page size when caller gives none
	DefaultPageSize = 30
	// MaxPageSize hard cap
	MaxPageSize = 100
)
