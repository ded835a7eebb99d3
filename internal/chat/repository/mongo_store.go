package repository

import (
	"context"
	"errors"
	"time"

	"dm_service/internal/chat/domain"
	errprocess "dm_service/pkg/err"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore MessageStore backed by mongodb. Participants are embedded in the
// conversation document.
type MongoStore struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
	reactions     *mongo.Collection
	now           func() time.Time
}

// NewMongoStore create MongoStore
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		reactions:     db.Collection("message_reactions"),
		// mongo keeps milliseconds, truncate so cursors compare against stored values
		now: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// EnsureIndexes create the unique and paging indexes
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "direct_key", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		{Keys: bson.D{{Key: "participants.user_id", Value: 1}, {Key: "updated_at", Value: -1}}},
	}); err != nil {
		return errprocess.New(errprocess.KindStore, "EnsureIndexes", err)
	}
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}},
	}); err != nil {
		return errprocess.New(errprocess.KindStore, "EnsureIndexes", err)
	}
	if _, err := s.reactions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}, {Key: "user_id", Value: 1}, {Key: "reaction", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return errprocess.New(errprocess.KindStore, "EnsureIndexes", err)
	}
	return nil
}

// InsertMessage insert message and bump conversation updated_at
func (s *MongoStore) InsertMessage(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	m := domain.Message{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		MediaURL:       in.MediaURL,
		ContentType:    in.ContentType,
		CreatedAt:      s.now(),
	}

	res, err := s.conversations.UpdateOne(ctx, bson.M{"_id": in.ConversationID},
		bson.M{"$max": bson.M{"updated_at": m.CreatedAt}})
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, "InsertMessage", err)
	}
	if res.MatchedCount == 0 {
		return nil, errprocess.Newf(errprocess.KindNotFound, "InsertMessage", "conversation %s", in.ConversationID)
	}

	if _, err := s.messages.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return s.GetMessage(ctx, in.ID)
		}
		return nil, errprocess.New(errprocess.KindStore, "InsertMessage", err)
	}
	return &m, nil
}

// QueryMessages newest first, soft-deleted excluded
func (s *MongoStore) QueryMessages(ctx context.Context, conversationID string, limit int, before *domain.Cursor) ([]domain.Message, error) {
	return s.query(ctx, "QueryMessages", bson.M{"conversation_id": conversationID, "deleted_at": bson.M{"$exists": false}}, limit, before)
}

// QueryMessagesWithTombstones newest first, soft-deleted included
func (s *MongoStore) QueryMessagesWithTombstones(ctx context.Context, conversationID string, limit int, before *domain.Cursor) ([]domain.Message, error) {
	return s.query(ctx, "QueryMessagesWithTombstones", bson.M{"conversation_id": conversationID}, limit, before)
}

func (s *MongoStore) query(ctx context.Context, op string, filter bson.M, limit int, before *domain.Cursor) ([]domain.Message, error) {
	if before != nil {
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$lt": before.CreatedAt}},
			bson.M{"created_at": before.CreatedAt, "_id": bson.M{"$lt": before.ID}},
		}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, op, err)
	}
	out := make([]domain.Message, 0, limit)
	if err := cur.All(ctx, &out); err != nil {
		return nil, errprocess.New(errprocess.KindStore, op, err)
	}
	return out, nil
}

// GetMessage find message by id
func (s *MongoStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	var m domain.Message
	err := s.messages.FindOne(ctx, bson.M{"_id": messageID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errprocess.Newf(errprocess.KindNotFound, "GetMessage", "message %s", messageID)
	}
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, "GetMessage", err)
	}
	return &m, nil
}

// SoftDeleteMessage set deleted_at once
func (s *MongoStore) SoftDeleteMessage(ctx context.Context, messageID string, at time.Time) (*domain.Message, error) {
	_, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": messageID, "deleted_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"deleted_at": at.UTC().Truncate(time.Millisecond)}})
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, "SoftDeleteMessage", err)
	}
	return s.GetMessage(ctx, messageID)
}

// MarkMessagesRead advance last_read_at then flag others' messages read. Mongo
// without a replica set has no multi-document transaction; the participant update
// goes first so a reader that is not a participant flags nothing.
func (s *MongoStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID, "participants.user_id": readerID},
		bson.M{"$max": bson.M{"participants.$.last_read_at": at.UTC()}})
	if err != nil {
		return 0, errprocess.New(errprocess.KindStore, "MarkMessagesRead", err)
	}
	if res.MatchedCount == 0 {
		return 0, errprocess.Newf(errprocess.KindNotFound, "MarkMessagesRead", "user %s in %s", readerID, conversationID)
	}

	upd, err := s.messages.UpdateMany(ctx,
		bson.M{"conversation_id": conversationID, "sender_id": bson.M{"$ne": readerID}, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true}})
	if err != nil {
		return 0, errprocess.New(errprocess.KindStore, "MarkMessagesRead", err)
	}
	return upd.ModifiedCount, nil
}

func unreadFilter(conversationID, userID string, since time.Time) bson.M {
	return bson.M{
		"conversation_id": conversationID,
		"sender_id":       bson.M{"$ne": userID},
		"deleted_at":      bson.M{"$exists": false},
		"created_at":      bson.M{"$gt": since},
	}
}

// CountUnread created_at > since AND sender != user
func (s *MongoStore) CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error) {
	n, err := s.messages.CountDocuments(ctx, unreadFilter(conversationID, userID, since))
	if err != nil {
		return 0, errprocess.New(errprocess.KindStore, "CountUnread", err)
	}
	return int(n), nil
}

// UpsertReaction toggle, the unique index turns a racing insert into a retry
func (s *MongoStore) UpsertReaction(ctx context.Context, messageID, userID, reaction string) (domain.ReactionResult, error) {
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return domain.ReactionResult{}, err
	}
	key := bson.M{"message_id": messageID, "user_id": userID, "reaction": reaction}
	for i := 0; i < reactionAttempts; i++ {
		del, err := s.reactions.DeleteOne(ctx, key)
		if err != nil {
			return domain.ReactionResult{}, errprocess.New(errprocess.KindStore, "UpsertReaction", err)
		}
		if del.DeletedCount > 0 {
			return domain.ReactionResult{Added: false}, nil
		}

		_, err = s.reactions.InsertOne(ctx, domain.MessageReaction{
			MessageID: messageID, UserID: userID, Reaction: reaction, CreatedAt: s.now(),
		})
		if err == nil {
			return domain.ReactionResult{Added: true}, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return domain.ReactionResult{}, errprocess.New(errprocess.KindStore, "UpsertReaction", err)
		}
	}
	return domain.ReactionResult{}, errprocess.Newf(errprocess.KindConflict, "UpsertReaction", "reaction %s on %s kept changing", reaction, messageID)
}

// ListReactions reactions of a message
func (s *MongoStore) ListReactions(ctx context.Context, messageID string) ([]domain.MessageReaction, error) {
	cur, err := s.reactions.Find(ctx, bson.M{"message_id": messageID},
		options.Find().SetSort(bson.D{{Key: "user_id", Value: 1}, {Key: "reaction", Value: 1}}))
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, "ListReactions", err)
	}
	var out []domain.MessageReaction
	if err := cur.All(ctx, &out); err != nil {
		return nil, errprocess.New(errprocess.KindStore, "ListReactions", err)
	}
	return out, nil
}

// FindOrCreateDirectConversation direct_key has a unique index
func (s *MongoStore) FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (string, error) {
	key := domain.DirectKey(userA, userB)

	var existing domain.Conversation
	err := s.conversations.FindOne(ctx, bson.M{"direct_key": key}).Decode(&existing)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return "", errprocess.New(errprocess.KindStore, "FindOrCreateDirectConversation", err)
	}

	now := s.now()
	conv := domain.Conversation{
		ID:        uuid.New().String(),
		Type:      domain.ConversationDirect,
		DirectKey: key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, u := range uniqueUsers(userA, userB) {
		conv.Participants = append(conv.Participants, domain.Participant{UserID: u})
	}

	if _, err := s.conversations.InsertOne(ctx, conv); err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return "", errprocess.New(errprocess.KindStore, "FindOrCreateDirectConversation", err)
		}
		// 同時建立，讀回先寫入的那筆
		if err := s.conversations.FindOne(ctx, bson.M{"direct_key": key}).Decode(&existing); err != nil {
			return "", errprocess.New(errprocess.KindStore, "FindOrCreateDirectConversation", err)
		}
		return existing.ID, nil
	}
	return conv.ID, nil
}

// CreateGroupConversation creator is admin
func (s *MongoStore) CreateGroupConversation(ctx context.Context, creatorID, name string, members []string) (string, error) {
	now := s.now()
	conv := domain.Conversation{
		ID:        uuid.New().String(),
		Type:      domain.ConversationGroup,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, u := range uniqueUsers(append([]string{creatorID}, members...)...) {
		conv.Participants = append(conv.Participants, domain.Participant{UserID: u, IsAdmin: u == creatorID})
	}
	if _, err := s.conversations.InsertOne(ctx, conv); err != nil {
		return "", errprocess.New(errprocess.KindStore, "CreateGroupConversation", err)
	}
	return conv.ID, nil
}

func withConversationID(c *domain.Conversation) *domain.Conversation {
	for i := range c.Participants {
		c.Participants[i].ConversationID = c.ID
	}
	return c
}

// GetConversation find conversation with participants
func (s *MongoStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := s.conversations.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errprocess.Newf(errprocess.KindNotFound, "GetConversation", "conversation %s", conversationID)
	}
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, "GetConversation", err)
	}
	return withConversationID(&c), nil
}

// GetParticipant find participant
func (s *MongoStore) GetParticipant(ctx context.Context, conversationID, userID string) (*domain.Participant, error) {
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, p := range c.Participants {
		if p.UserID == userID {
			out := p
			return &out, nil
		}
	}
	return nil, errprocess.Newf(errprocess.KindNotFound, "GetParticipant", "user %s in %s", userID, conversationID)
}

// IsParticipant userID belongs to the conversation
func (s *MongoStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	n, err := s.conversations.CountDocuments(ctx, bson.M{"_id": conversationID, "participants.user_id": userID})
	if err != nil {
		return false, errprocess.New(errprocess.KindStore, "IsParticipant", err)
	}
	return n > 0, nil
}

// ListConversations conversations of user, latest activity first
func (s *MongoStore) ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	cur, err := s.conversations.Find(ctx, bson.M{"participants.user_id": userID},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}))
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, "ListConversations", err)
	}
	var convs []domain.Conversation
	if err := cur.All(ctx, &convs); err != nil {
		return nil, errprocess.New(errprocess.KindStore, "ListConversations", err)
	}

	out := make([]domain.ConversationSummary, 0, len(convs))
	for i := range convs {
		c := withConversationID(&convs[i])
		sum := domain.ConversationSummary{Conversation: *c}

		var lastRead time.Time
		for _, p := range c.Participants {
			if p.UserID == userID {
				lastRead = p.LastReadAt
			}
		}

		var last domain.Message
		err := s.messages.FindOne(ctx,
			bson.M{"conversation_id": c.ID, "deleted_at": bson.M{"$exists": false}},
			options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&last)
		switch {
		case err == nil:
			t := last.CreatedAt
			sum.LastMessageAt = &t
		case !errors.Is(err, mongo.ErrNoDocuments):
			return nil, errprocess.New(errprocess.KindStore, "ListConversations", err)
		}

		if sum.UnreadCount, err = s.CountUnread(ctx, c.ID, userID, lastRead); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}
