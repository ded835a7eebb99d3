package app

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"dm_service/internal/chat/domain"
	"dm_service/internal/chat/repository"
	errprocess "dm_service/pkg/err"
	"dm_service/pkg/logger"
	"dm_service/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxContentLength longest message text accepted, in runes
const MaxContentLength = 4000

// MessageUseCase 負責處理聊天訊息的寫入與廣播
type MessageUseCase struct {
	store      repository.MessageStore
	transport  repository.Transport
	sink       repository.EventSink
	readState  *ReadStateTracker
	changeFeed bool
	now        func() time.Time
}

// NewMessageUseCase init message use case. With changeFeed set the store's row-change
// feed publishes conversation events, so the use case only notifies user topics.
func NewMessageUseCase(
	store repository.MessageStore,
	transport repository.Transport,
	sink repository.EventSink,
	readState *ReadStateTracker,
	changeFeed bool,
) *MessageUseCase {
	if sink == nil {
		sink = repository.NopSink{}
	}
	return &MessageUseCase{
		store:      store,
		transport:  transport,
		sink:       sink,
		readState:  readState,
		changeFeed: changeFeed,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// authorize load the conversation and check userID takes part in it
func authorize(ctx context.Context, store repository.MessageStore, conversationID, userID string) (*domain.Conversation, error) {
	if conversationID == "" {
		return nil, errprocess.Newf(errprocess.KindValidation, "authorize", "conversation id required")
	}
	conv, err := store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, errprocess.Newf(errprocess.KindPermission, "authorize", "user %s is not in conversation %s", userID, conversationID)
	}
	return conv, nil
}

func validateNewMessage(in *domain.NewMessage) error {
	if in.ContentType == "" {
		in.ContentType = domain.ContentText
	}
	if !in.ContentType.Valid() {
		return errprocess.Newf(errprocess.KindValidation, "SendMessage", "unknown content type %q", in.ContentType)
	}
	if utf8.RuneCountInString(in.Content) > MaxContentLength {
		return errprocess.Newf(errprocess.KindValidation, "SendMessage", "content longer than %d", MaxContentLength)
	}
	if in.ContentType.IsMedia() {
		if in.MediaURL == nil || *in.MediaURL == "" {
			return errprocess.Newf(errprocess.KindValidation, "SendMessage", "%s message needs media_url", in.ContentType)
		}
		return nil
	}
	if strings.TrimSpace(in.Content) == "" {
		return errprocess.Newf(errprocess.KindValidation, "SendMessage", "empty message")
	}
	return nil
}

// Validate check the message without touching the store
func (uc *MessageUseCase) Validate(in domain.NewMessage) error {
	return validateNewMessage(&in)
}

// Send persist the message and broadcast it. The client id in in.ID makes a resend
// of the same message idempotent.
func (uc *MessageUseCase) Send(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	if err := validateNewMessage(&in); err != nil {
		metrics.SentMessages.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if in.ID == "" {
		in.ID = uuid.New().String()
	}

	// 1. 檢查權限
	conv, err := authorize(ctx, uc.store, in.ConversationID, in.SenderID)
	if err != nil {
		metrics.SentMessages.WithLabelValues("rejected").Inc()
		return nil, err
	}

	// 2. 寫入
	msg, err := uc.store.InsertMessage(ctx, in)
	if err != nil {
		metrics.SentMessages.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SentMessages.WithLabelValues("ok").Inc()

	// 3. 廣播，失敗由 poll 補齊
	env := domain.Envelope{Type: domain.EventMessageInsert, Record: msg}
	uc.broadcast(ctx, conv, msg.SenderID, env)
	return msg, nil
}

// broadcast publish env to the conversation topic (unless the change feed does) and
// to the user topic of every other participant, then hand it to the sink
func (uc *MessageUseCase) broadcast(ctx context.Context, conv *domain.Conversation, actorID string, env domain.Envelope) {
	log := logger.Log.With(zap.String("conversation_id", conv.ID), zap.String("type", string(env.Type)))

	if !uc.changeFeed {
		if err := uc.transport.Publish(ctx, domain.ConversationTopic(conv.ID), env); err != nil {
			errprocess.Log(log, "publish conversation event", err)
		}
	}
	if env.Type == domain.EventMessageInsert {
		for _, p := range conv.Participants {
			if p.UserID == actorID {
				continue
			}
			if err := uc.transport.Publish(ctx, domain.UserTopic(p.UserID), env); err != nil {
				errprocess.Log(log, "publish user notification", err, zap.String("user_id", p.UserID))
			}
		}
	}
	if err := uc.sink.Emit(ctx, env); err != nil {
		errprocess.Log(log, "emit event", err)
	}
}

// Delete soft delete a message, only its sender may
func (uc *MessageUseCase) Delete(ctx context.Context, userID, messageID string) (*domain.Message, error) {
	msg, err := uc.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	conv, err := authorize(ctx, uc.store, msg.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, errprocess.Newf(errprocess.KindPermission, "DeleteMessage", "message %s belongs to another user", messageID)
	}
	if msg.Deleted() {
		return msg, nil
	}

	deleted, err := uc.store.SoftDeleteMessage(ctx, messageID, uc.now())
	if err != nil {
		return nil, err
	}
	old := *msg
	uc.broadcast(ctx, conv, userID, domain.Envelope{Type: domain.EventMessageUpdate, Record: deleted, Old: &old})
	return deleted, nil
}

// ToggleReaction add the reaction, or remove it when userID already reacted with it
func (uc *MessageUseCase) ToggleReaction(ctx context.Context, userID, messageID, reaction string) (domain.ReactionResult, error) {
	reaction = strings.TrimSpace(reaction)
	if reaction == "" || utf8.RuneCountInString(reaction) > 32 {
		return domain.ReactionResult{}, errprocess.Newf(errprocess.KindValidation, "ToggleReaction", "invalid reaction")
	}
	msg, err := uc.store.GetMessage(ctx, messageID)
	if err != nil {
		return domain.ReactionResult{}, err
	}
	if _, err := authorize(ctx, uc.store, msg.ConversationID, userID); err != nil {
		return domain.ReactionResult{}, err
	}
	return uc.store.UpsertReaction(ctx, messageID, userID, reaction)
}

// Reactions reactions of a message visible to userID
func (uc *MessageUseCase) Reactions(ctx context.Context, userID, messageID string) ([]domain.MessageReaction, error) {
	msg, err := uc.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := authorize(ctx, uc.store, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	return uc.store.ListReactions(ctx, messageID)
}

// MarkRead mark the conversation read for userID. Without the change feed the read
// transitions of the newest page are published here.
func (uc *MessageUseCase) MarkRead(ctx context.Context, conversationID, userID string) (int64, error) {
	conv, err := authorize(ctx, uc.store, conversationID, userID)
	if err != nil {
		return 0, err
	}

	var unread []domain.Message
	if !uc.changeFeed {
		rows, err := uc.store.QueryMessages(ctx, conversationID, repository.MaxPageSize, nil)
		if err != nil {
			return 0, err
		}
		for _, m := range rows {
			if m.SenderID != userID && !m.IsRead {
				unread = append(unread, m)
			}
		}
	}

	n, err := uc.readState.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}

	for _, m := range unread {
		old := m
		rec := m
		rec.IsRead = true
		uc.broadcast(ctx, conv, userID, domain.Envelope{Type: domain.EventMessageUpdate, Record: &rec, Old: &old})
	}
	return n, nil
}
