package app

import (
	"context"
	"strings"

	"dm_service/internal/chat/domain"
	"dm_service/internal/chat/repository"
	errprocess "dm_service/pkg/err"
)

// MaxGroupMembers largest group, creator included
const MaxGroupMembers = 256

// ConversationUseCase - 建立 1對1 或群組對話
type ConversationUseCase struct {
	store     repository.MessageStore
	readState *ReadStateTracker
}

// NewConversationUseCase init conversation use case
func NewConversationUseCase(store repository.MessageStore, readState *ReadStateTracker) *ConversationUseCase {
	return &ConversationUseCase{store: store, readState: readState}
}

// StartDirect return the direct conversation of userID and peerID, creating it on
// first use. Either side calling it gets the same id.
func (uc *ConversationUseCase) StartDirect(ctx context.Context, userID, peerID string) (string, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return "", errprocess.Newf(errprocess.KindValidation, "StartDirect", "peer id required")
	}
	if peerID == userID {
		return "", errprocess.Newf(errprocess.KindValidation, "StartDirect", "can not start a conversation with yourself")
	}
	return uc.store.FindOrCreateDirectConversation(ctx, userID, peerID)
}

// CreateGroup create a group, creatorID becomes its admin
func (uc *ConversationUseCase) CreateGroup(ctx context.Context, creatorID, name string, members []string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errprocess.Newf(errprocess.KindValidation, "CreateGroup", "group name required")
	}

	set := map[string]struct{}{creatorID: {}}
	others := make([]string, 0, len(members))
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := set[m]; ok {
			continue
		}
		set[m] = struct{}{}
		others = append(others, m)
	}
	if len(others) == 0 {
		return "", errprocess.Newf(errprocess.KindValidation, "CreateGroup", "group needs at least one other member")
	}
	if len(set) > MaxGroupMembers {
		return "", errprocess.Newf(errprocess.KindValidation, "CreateGroup", "group larger than %d", MaxGroupMembers)
	}
	return uc.store.CreateGroupConversation(ctx, creatorID, name, others)
}

// Get conversation visible to userID
func (uc *ConversationUseCase) Get(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	return authorize(ctx, uc.store, conversationID, userID)
}

// List conversations of userID with unread counts, most recent first
func (uc *ConversationUseCase) List(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	return uc.readState.ListConversations(ctx, userID)
}
