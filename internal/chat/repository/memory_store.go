package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"dm_service/internal/chat/domain"
	errprocess "dm_service/pkg/err"

	"github.com/google/uuid"
)

type reactionKey struct {
	messageID, userID, reaction string
}

// MemoryStore in-process MessageStore for local runs and tests
type MemoryStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	conversations map[string]*domain.Conversation
	directKeys    map[string]string
	messages      map[string]*domain.Message
	byConv        map[string][]string
	reactions     map[reactionKey]domain.MessageReaction
}

// NewMemoryStore create MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           func() time.Time { return time.Now().UTC() },
		conversations: make(map[string]*domain.Conversation),
		directKeys:    make(map[string]string),
		messages:      make(map[string]*domain.Message),
		byConv:        make(map[string][]string),
		reactions:     make(map[reactionKey]domain.MessageReaction),
	}
}

// SetClock override time source
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutMessage insert a message verbatim, keeping its CreatedAt
func (s *MemoryStore) PutMessage(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := msg
	m.Status = ""
	if _, ok := s.messages[m.ID]; !ok {
		s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	}
	s.messages[m.ID] = &m
}

// InsertMessage insert message and bump conversation updated_at
func (s *MemoryStore) InsertMessage(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[in.ConversationID]
	if !ok {
		return nil, errprocess.Newf(errprocess.KindNotFound, "InsertMessage", "conversation %s", in.ConversationID)
	}
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if existing, ok := s.messages[in.ID]; ok {
		// 重送同一個 client id 視為同一則
		m := *existing
		return &m, nil
	}

	now := s.now()
	m := &domain.Message{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		MediaURL:       in.MediaURL,
		ContentType:    in.ContentType,
		CreatedAt:      now,
	}
	s.messages[m.ID] = m
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	conv.UpdatedAt = now

	out := *m
	return &out, nil
}

// QueryMessages newest first, soft-deleted excluded
func (s *MemoryStore) QueryMessages(ctx context.Context, conversationID string, limit int, before *domain.Cursor) ([]domain.Message, error) {
	return s.query(conversationID, limit, before, false), nil
}

// QueryMessagesWithTombstones newest first, soft-deleted included
func (s *MemoryStore) QueryMessagesWithTombstones(ctx context.Context, conversationID string, limit int, before *domain.Cursor) ([]domain.Message, error) {
	return s.query(conversationID, limit, before, true), nil
}

func (s *MemoryStore) query(conversationID string, limit int, before *domain.Cursor, tombstones bool) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []domain.Message
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if m.Deleted() && !tombstones {
			continue
		}
		if before != nil && !before.IsOlder(*m) {
			continue
		}
		rows = append(rows, *m)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[j].Before(rows[i]) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// GetMessage find message by id
func (s *MemoryStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, errprocess.Newf(errprocess.KindNotFound, "GetMessage", "message %s", messageID)
	}
	out := *m
	return &out, nil
}

// SoftDeleteMessage set deleted_at
func (s *MemoryStore) SoftDeleteMessage(ctx context.Context, messageID string, at time.Time) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, errprocess.Newf(errprocess.KindNotFound, "SoftDeleteMessage", "message %s", messageID)
	}
	if m.DeletedAt == nil {
		t := at
		m.DeletedAt = &t
	}
	out := *m
	return &out, nil
}

// MarkMessagesRead flag others' messages read, advance last_read_at
func (s *MemoryStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return 0, errprocess.Newf(errprocess.KindNotFound, "MarkMessagesRead", "conversation %s", conversationID)
	}

	var n int64
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if m.SenderID != readerID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	for i := range conv.Participants {
		if conv.Participants[i].UserID == readerID && at.After(conv.Participants[i].LastReadAt) {
			conv.Participants[i].LastReadAt = at
		}
	}
	return n, nil
}

// CountUnread created_at > since AND sender != user
func (s *MemoryStore) CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if !m.Deleted() && m.SenderID != userID && m.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

// UpsertReaction toggle reaction
func (s *MemoryStore) UpsertReaction(ctx context.Context, messageID, userID, reaction string) (domain.ReactionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return domain.ReactionResult{}, errprocess.Newf(errprocess.KindNotFound, "UpsertReaction", "message %s", messageID)
	}
	k := reactionKey{messageID, userID, reaction}
	if _, ok := s.reactions[k]; ok {
		delete(s.reactions, k)
		return domain.ReactionResult{Added: false}, nil
	}
	s.reactions[k] = domain.MessageReaction{MessageID: messageID, UserID: userID, Reaction: reaction, CreatedAt: s.now()}
	return domain.ReactionResult{Added: true}, nil
}

// ListReactions reactions of a message
func (s *MemoryStore) ListReactions(ctx context.Context, messageID string) ([]domain.MessageReaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.MessageReaction
	for k, r := range s.reactions {
		if k.messageID == messageID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Reaction < out[j].Reaction
	})
	return out, nil
}

// FindOrCreateDirectConversation unique per user pair
func (s *MemoryStore) FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := domain.DirectKey(userA, userB)
	if id, ok := s.directKeys[key]; ok {
		return id, nil
	}

	now := s.now()
	conv := &domain.Conversation{
		ID:        uuid.New().String(),
		Type:      domain.ConversationDirect,
		DirectKey: key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, u := range uniqueUsers(userA, userB) {
		conv.Participants = append(conv.Participants, domain.Participant{ConversationID: conv.ID, UserID: u})
	}
	s.conversations[conv.ID] = conv
	s.directKeys[key] = conv.ID
	return conv.ID, nil
}

// CreateGroupConversation creator is admin
func (s *MemoryStore) CreateGroupConversation(ctx context.Context, creatorID, name string, members []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	conv := &domain.Conversation{
		ID:        uuid.New().String(),
		Type:      domain.ConversationGroup,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, u := range uniqueUsers(append([]string{creatorID}, members...)...) {
		conv.Participants = append(conv.Participants, domain.Participant{
			ConversationID: conv.ID,
			UserID:         u,
			IsAdmin:        u == creatorID,
		})
	}
	s.conversations[conv.ID] = conv
	return conv.ID, nil
}

// GetConversation find conversation with participants
func (s *MemoryStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, errprocess.Newf(errprocess.KindNotFound, "GetConversation", "conversation %s", conversationID)
	}
	return copyConversation(conv), nil
}

// GetParticipant find participant
func (s *MemoryStore) GetParticipant(ctx context.Context, conversationID, userID string) (*domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, errprocess.Newf(errprocess.KindNotFound, "GetParticipant", "conversation %s", conversationID)
	}
	for _, p := range conv.Participants {
		if p.UserID == userID {
			out := p
			return &out, nil
		}
	}
	return nil, errprocess.Newf(errprocess.KindNotFound, "GetParticipant", "user %s in %s", userID, conversationID)
}

// IsParticipant userID belongs to the conversation
func (s *MemoryStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	_, err := s.GetParticipant(ctx, conversationID, userID)
	if errprocess.KindOf(err) == errprocess.KindNotFound {
		return false, nil
	}
	return err == nil, err
}

// ListConversations conversations of user, latest activity first
func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ConversationSummary
	for _, conv := range s.conversations {
		var me *domain.Participant
		for i := range conv.Participants {
			if conv.Participants[i].UserID == userID {
				me = &conv.Participants[i]
			}
		}
		if me == nil {
			continue
		}
		sum := domain.ConversationSummary{Conversation: *copyConversation(conv)}
		for _, id := range s.byConv[conv.ID] {
			m := s.messages[id]
			if m.Deleted() {
				continue
			}
			if sum.LastMessageAt == nil || m.CreatedAt.After(*sum.LastMessageAt) {
				t := m.CreatedAt
				sum.LastMessageAt = &t
			}
			if m.SenderID != userID && m.CreatedAt.After(me.LastReadAt) {
				sum.UnreadCount++
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Conversation.UpdatedAt.After(out[j].Conversation.UpdatedAt)
	})
	return out, nil
}

func copyConversation(c *domain.Conversation) *domain.Conversation {
	out := *c
	out.Participants = append([]domain.Participant(nil), c.Participants...)
	return &out
}

func uniqueUsers(users ...string) []string {
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
