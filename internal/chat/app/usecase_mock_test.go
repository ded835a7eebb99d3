package app

import (
	"context"
	"time"

	"dm_service/internal/chat/domain"

	"github.com/stretchr/testify/mock"
)

// MockMessageStore Mock MessageStore
type MockMessageStore struct {
	mock.Mock
}

// InsertMessage mock insert message
func (m *MockMessageStore) InsertMessage(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	args := m.Called(ctx, in)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// QueryMessages mock page query
func (m *MockMessageStore) QueryMessages(ctx context.Context, conversationID string, limit int, before *domain.Cursor) ([]domain.Message, error) {
	args := m.Called(ctx, conversationID, limit, before)
	if args.Get(0) != nil {
		return args.Get(0).([]domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// QueryMessagesWithTombstones mock page query, soft-deleted included
func (m *MockMessageStore) QueryMessagesWithTombstones(ctx context.Context, conversationID string, limit int, before *domain.Cursor) ([]domain.Message, error) {
	args := m.Called(ctx, conversationID, limit, before)
	if args.Get(0) != nil {
		return args.Get(0).([]domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// GetMessage mock find message
func (m *MockMessageStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// SoftDeleteMessage mock soft delete
func (m *MockMessageStore) SoftDeleteMessage(ctx context.Context, messageID string, at time.Time) (*domain.Message, error) {
	args := m.Called(ctx, messageID, at)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// MarkMessagesRead mock mark read
func (m *MockMessageStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	args := m.Called(ctx, conversationID, readerID, at)
	return args.Get(0).(int64), args.Error(1)
}

// CountUnread mock unread count
func (m *MockMessageStore) CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error) {
	args := m.Called(ctx, conversationID, userID, since)
	return args.Int(0), args.Error(1)
}

// UpsertReaction mock reaction toggle
func (m *MockMessageStore) UpsertReaction(ctx context.Context, messageID, userID, reaction string) (domain.ReactionResult, error) {
	args := m.Called(ctx, messageID, userID, reaction)
	return args.Get(0).(domain.ReactionResult), args.Error(1)
}

// ListReactions mock list reactions
func (m *MockMessageStore) ListReactions(ctx context.Context, messageID string) ([]domain.MessageReaction, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) != nil {
		return args.Get(0).([]domain.MessageReaction), args.Error(1)
	}
	return nil, args.Error(1)
}

// FindOrCreateDirectConversation mock direct conversation
func (m *MockMessageStore) FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (string, error) {
	args := m.Called(ctx, userA, userB)
	return args.String(0), args.Error(1)
}

// CreateGroupConversation mock group conversation
func (m *MockMessageStore) CreateGroupConversation(ctx context.Context, creatorID, name string, members []string) (string, error) {
	args := m.Called(ctx, creatorID, name, members)
	return args.String(0), args.Error(1)
}

// GetConversation mock find conversation
func (m *MockMessageStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

// GetParticipant mock find participant
func (m *MockMessageStore) GetParticipant(ctx context.Context, conversationID, userID string) (*domain.Participant, error) {
	args := m.Called(ctx, conversationID, userID)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Participant), args.Error(1)
	}
	return nil, args.Error(1)
}

// IsParticipant mock membership check
func (m *MockMessageStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

// ListConversations mock conversation list
func (m *MockMessageStore) ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) != nil {
		return args.Get(0).([]domain.ConversationSummary), args.Error(1)
	}
	return nil, args.Error(1)
}
