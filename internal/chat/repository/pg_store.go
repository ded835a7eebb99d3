package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dm_service/internal/chat/domain"
	errprocess "dm_service/pkg/err"

	"github.com/google/uuid"
)

// MessageChangesChannel postgres NOTIFY channel fed by the messages trigger
const MessageChangesChannel = "message_changes"

// schema applied by Migrate. pg_notify payloads are capped at 8000 bytes, so a
// large row is announced by id only and the change feed loads it.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		name        TEXT,
		direct_key  TEXT UNIQUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id         TEXT NOT NULL,
		is_admin        BOOLEAN NOT NULL DEFAULT false,
		last_read_at    TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS participants_user_idx ON participants (user_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id       TEXT NOT NULL,
		content         TEXT NOT NULL DEFAULT '',
		media_url       TEXT,
		content_type    TEXT NOT NULL DEFAULT 'text',
		is_read         BOOLEAN NOT NULL DEFAULT false,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		deleted_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS messages_page_idx ON messages (conversation_id, created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS message_reactions (
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL,
		reaction   TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (message_id, user_id, reaction)
	)`,
	`CREATE OR REPLACE FUNCTION notify_message_change() RETURNS trigger AS $$
	DECLARE
		payload TEXT;
	BEGIN
		payload := json_build_object(
			'op', TG_OP,
			'id', NEW.id,
			'record', row_to_json(NEW),
			'old', CASE WHEN TG_OP = 'UPDATE'
				THEN json_build_object('id', OLD.id, 'is_read', OLD.is_read, 'deleted_at', OLD.deleted_at)
				ELSE NULL END
		)::text;
		IF octet_length(payload) > 7900 THEN
			payload := json_build_object(
				'op', TG_OP,
				'id', NEW.id,
				'old', CASE WHEN TG_OP = 'UPDATE'
					THEN json_build_object('id', OLD.id, 'is_read', OLD.is_read, 'deleted_at', OLD.deleted_at)
					ELSE NULL END
			)::text;
		END IF;
		PERFORM pg_notify('` + MessageChangesChannel + `', payload);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS message_changes ON messages`,
	`CREATE TRIGGER message_changes AFTER INSERT OR UPDATE ON messages
		FOR EACH ROW EXECUTE FUNCTION notify_message_change()`,
}

const messageColumns = `id, conversation_id, sender_id, content, media_url, content_type, is_read, created_at, deleted_at`

// PgStore MessageStore backed by postgres through database/sql (pgx stdlib driver)
type PgStore struct {
	db *sql.DB
}

// NewPgStore create PgStore
func NewPgStore(db *sql.DB) *PgStore {
	return &PgStore{db: db}
}

// Migrate create tables, indexes and the change trigger
func (s *PgStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errprocess.New(errprocess.KindStore, "Migrate", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		m         domain.Message
		mediaURL  sql.NullString
		deletedAt sql.NullTime
		ct        string
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &mediaURL, &ct, &m.IsRead, &m.CreatedAt, &deletedAt); err != nil {
		return nil, err
	}
	m.ContentType = domain.ContentType(ct)
	if mediaURL.Valid {
		u := mediaURL.String
		m.MediaURL = &u
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		m.DeletedAt = &t
	}
	return &m, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// sqlState postgres error code, "" when err does not carry one
func sqlState(err error) string {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState()
	}
	return ""
}

const foreignKeyViolation = "23503"

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

// InsertMessage insert message and bump conversation updated_at, in one transaction.
// Inserting an id that already exists returns the stored row.
func (s *PgStore) InsertMessage(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, "InsertMessage", err)
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, media_url, content_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+messageColumns,
		in.ID, in.ConversationID, in.SenderID, in.Content, nullString(in.MediaURL), string(in.ContentType),
	)
	msg, err := scanMessage(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// 重送同一個 client id
		rollback(tx)
		return s.GetMessage(ctx, in.ID)
	case sqlState(err) == foreignKeyViolation:
		return nil, errprocess.Newf(errprocess.KindNotFound, "InsertMessage", "conversation %s", in.ConversationID)
	case err != nil:
		return nil, errprocess.New(errprocess.KindStore, "InsertMessage", err)
	}

	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, in.ConversationID, msg.CreatedAt); err != nil {
		return nil, errprocess.New(errprocess.KindStore, "InsertMessage", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, errprocess.New(errprocess.KindStore, "InsertMessage", err)
	}
	return msg, nil
}

// QueryMessages newest first, soft-deleted excluded
func (s *PgStore) QueryMessages(ctx context.Context, conversationID string, limit int, before *domain.Cursor) ([]domain.Message, error) {
	return s.query(ctx, "QueryMessages", "deleted_at IS NULL", conversationID, limit, before)
}

// QueryMessagesWithTombstones newest first, soft-deleted included
func (s *PgStore) QueryMessagesWithTombstones(ctx context.Context, conversationID string, limit int, before *domain.Cursor) ([]domain.Message, error) {
	return s.query(ctx, "QueryMessagesWithTombstones", "TRUE", conversationID, limit, before)
}

func (s *PgStore) query(ctx context.Context, op, visibility, conversationID string, limit int, before *domain.Cursor) ([]domain.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND `+visibility+`
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, conversationID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND `+visibility+`
				AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, conversationID, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, op, err)
	}
	defer rows.Close()

	out := make([]domain.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errprocess.New(errprocess.KindStore, op, err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, errprocess.New(errprocess.KindStore, op, err)
	}
	return out, nil
}

// GetMessage find message by id, soft-deleted included
func (s *PgStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errprocess.Newf(errprocess.KindNotFound, "GetMessage", "message %s", messageID)
	}
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, "GetMessage", err)
	}
	return m, nil
}

// SoftDeleteMessage set deleted_at once
func (s *PgStore) SoftDeleteMessage(ctx context.Context, messageID string, at time.Time) (*domain.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		UPDATE messages SET deleted_at = COALESCE(deleted_at, $2)
		WHERE id = $1
		RETURNING `+messageColumns, messageID, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errprocess.Newf(errprocess.KindNotFound, "SoftDeleteMessage", "message %s", messageID)
	}
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, "SoftDeleteMessage", err)
	}
	return m, nil
}

// MarkMessagesRead flag others' messages read and advance last_read_at
func (s *PgStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errprocess.New(errprocess.KindStore, "MarkMessagesRead", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE participants SET last_read_at = GREATEST(last_read_at, $3)
		WHERE conversation_id = $1 AND user_id = $2`, conversationID, readerID, at)
	if err != nil {
		return 0, errprocess.New(errprocess.KindStore, "MarkMessagesRead", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, errprocess.Newf(errprocess.KindNotFound, "MarkMessagesRead", "user %s in %s", readerID, conversationID)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE messages SET is_read = true
		WHERE conversation_id = $1 AND sender_id <> $2 AND is_read = false`, conversationID, readerID)
	if err != nil {
		return 0, errprocess.New(errprocess.KindStore, "MarkMessagesRead", err)
	}
	flagged, _ := res.RowsAffected()

	if err = tx.Commit(); err != nil {
		return 0, errprocess.New(errprocess.KindStore, "MarkMessagesRead", err)
	}
	return flagged, nil
}

// CountUnread created_at > since AND sender != user
func (s *PgStore) CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2 AND deleted_at IS NULL AND created_at > $3`,
		conversationID, userID, since).Scan(&n)
	if err != nil {
		return 0, errprocess.New(errprocess.KindStore, "CountUnread", err)
	}
	return n, nil
}

const reactionAttempts = 3

// UpsertReaction toggle: delete when present, otherwise insert. A concurrent
// writer flipping the row between the two statements makes the loop retry.
func (s *PgStore) UpsertReaction(ctx context.Context, messageID, userID, reaction string) (domain.ReactionResult, error) {
	for i := 0; i < reactionAttempts; i++ {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND reaction = $3`,
			messageID, userID, reaction)
		if err != nil {
			return domain.ReactionResult{}, errprocess.New(errprocess.KindStore, "UpsertReaction", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return domain.ReactionResult{Added: false}, nil
		}

		res, err = s.db.ExecContext(ctx, `
			INSERT INTO message_reactions (message_id, user_id, reaction) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, messageID, userID, reaction)
		if sqlState(err) == foreignKeyViolation {
			return domain.ReactionResult{}, errprocess.Newf(errprocess.KindNotFound, "UpsertReaction", "message %s", messageID)
		}
		if err != nil {
			return domain.ReactionResult{}, errprocess.New(errprocess.KindStore, "UpsertReaction", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return domain.ReactionResult{Added: true}, nil
		}
	}
	return domain.ReactionResult{}, errprocess.Newf(errprocess.KindConflict, "UpsertReaction", "reaction %s on %s kept changing", reaction, messageID)
}

// ListReactions reactions of a message
func (s *PgStore) ListReactions(ctx context.Context, messageID string) ([]domain.MessageReaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, reaction, created_at FROM message_reactions
		WHERE message_id = $1 ORDER BY user_id, reaction`, messageID)
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, "ListReactions", err)
	}
	defer rows.Close()

	var out []domain.MessageReaction
	for rows.Next() {
		var r domain.MessageReaction
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Reaction, &r.CreatedAt); err != nil {
			return nil, errprocess.New(errprocess.KindStore, "ListReactions", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errprocess.New(errprocess.KindStore, "ListReactions", err)
	}
	return out, nil
}

func (s *PgStore) directConversationID(ctx context.Context, key string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM conversations WHERE direct_key = $1`, key).Scan(&id)
	return id, err
}

// FindOrCreateDirectConversation direct_key is unique, a losing concurrent insert
// reads the winner's row.
func (s *PgStore) FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (string, error) {
	key := domain.DirectKey(userA, userB)

	id, err := s.directConversationID(ctx, key)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", errprocess.New(errprocess.KindStore, "FindOrCreateDirectConversation", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errprocess.New(errprocess.KindStore, "FindOrCreateDirectConversation", err)
	}
	defer rollback(tx)

	id = uuid.New().String()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations (id, type, direct_key) VALUES ($1, $2, $3)
		ON CONFLICT (direct_key) DO NOTHING
		RETURNING id`, id, string(domain.ConversationDirect), key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		rollback(tx)
		if id, err = s.directConversationID(ctx, key); err != nil {
			return "", errprocess.New(errprocess.KindStore, "FindOrCreateDirectConversation", err)
		}
		return id, nil
	}
	if err != nil {
		return "", errprocess.New(errprocess.KindStore, "FindOrCreateDirectConversation", err)
	}

	for _, u := range uniqueUsers(userA, userB) {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO participants (conversation_id, user_id, is_admin) VALUES ($1, $2, $3)`, id, u, false); err != nil {
			return "", errprocess.New(errprocess.KindStore, "FindOrCreateDirectConversation", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return "", errprocess.New(errprocess.KindStore, "FindOrCreateDirectConversation", err)
	}
	return id, nil
}

// CreateGroupConversation creator is admin
func (s *PgStore) CreateGroupConversation(ctx context.Context, creatorID, name string, members []string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errprocess.New(errprocess.KindStore, "CreateGroupConversation", err)
	}
	defer rollback(tx)

	id := uuid.New().String()
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type, name) VALUES ($1, $2, $3)`, id, string(domain.ConversationGroup), name); err != nil {
		return "", errprocess.New(errprocess.KindStore, "CreateGroupConversation", err)
	}
	for _, u := range uniqueUsers(append([]string{creatorID}, members...)...) {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO participants (conversation_id, user_id, is_admin) VALUES ($1, $2, $3)`, id, u, u == creatorID); err != nil {
			return "", errprocess.New(errprocess.KindStore, "CreateGroupConversation", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return "", errprocess.New(errprocess.KindStore, "CreateGroupConversation", err)
	}
	return id, nil
}

func (s *PgStore) participants(ctx context.Context, conversationID string) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, is_admin, last_read_at FROM participants
		WHERE conversation_id = $1 ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		p := domain.Participant{ConversationID: conversationID}
		if err := rows.Scan(&p.UserID, &p.IsAdmin, &p.LastReadAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetConversation find conversation with participants
func (s *PgStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var (
		c         domain.Conversation
		typ       string
		name, key sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, name, direct_key, created_at, updated_at FROM conversations WHERE id = $1`, conversationID).
		Scan(&c.ID, &typ, &name, &key, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errprocess.Newf(errprocess.KindNotFound, "GetConversation", "conversation %s", conversationID)
	}
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, "GetConversation", err)
	}
	c.Type = domain.ConversationType(typ)
	c.Name = name.String
	c.DirectKey = key.String

	if c.Participants, err = s.participants(ctx, c.ID); err != nil {
		return nil, errprocess.New(errprocess.KindStore, "GetConversation", err)
	}
	return &c, nil
}

// GetParticipant find participant
func (s *PgStore) GetParticipant(ctx context.Context, conversationID, userID string) (*domain.Participant, error) {
	p := domain.Participant{ConversationID: conversationID, UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT is_admin, last_read_at FROM participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID).Scan(&p.IsAdmin, &p.LastReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errprocess.Newf(errprocess.KindNotFound, "GetParticipant", "user %s in %s", userID, conversationID)
	}
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, "GetParticipant", err)
	}
	return &p, nil
}

// IsParticipant userID belongs to the conversation
func (s *PgStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID).Scan(&ok)
	if err != nil {
		return false, errprocess.New(errprocess.KindStore, "IsParticipant", err)
	}
	return ok, nil
}

// ListConversations conversations of user with last activity and unread count
func (s *PgStore) ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.type, c.name, c.created_at, c.updated_at,
			(SELECT max(m.created_at) FROM messages m
				WHERE m.conversation_id = c.id AND m.deleted_at IS NULL),
			(SELECT count(*) FROM messages m
				WHERE m.conversation_id = c.id AND m.deleted_at IS NULL
					AND m.sender_id <> p.user_id AND m.created_at > p.last_read_at)
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id AND p.user_id = $1
		ORDER BY c.updated_at DESC`, userID)
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, "ListConversations", err)
	}

	var out []domain.ConversationSummary
	for rows.Next() {
		var (
			sum    domain.ConversationSummary
			typ    string
			name   sql.NullString
			lastAt sql.NullTime
		)
		if err := rows.Scan(&sum.Conversation.ID, &typ, &name, &sum.Conversation.CreatedAt,
			&sum.Conversation.UpdatedAt, &lastAt, &sum.UnreadCount); err != nil {
			rows.Close()
			return nil, errprocess.New(errprocess.KindStore, "ListConversations", err)
		}
		sum.Conversation.Type = domain.ConversationType(typ)
		sum.Conversation.Name = name.String
		if lastAt.Valid {
			t := lastAt.Time
			sum.LastMessageAt = &t
		}
		out = append(out, sum)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, "ListConversations", err)
	}

	for i := range out {
		if out[i].Conversation.Participants, err = s.participants(ctx, out[i].Conversation.ID); err != nil {
			return nil, errprocess.New(errprocess.KindStore, "ListConversations", fmt.Errorf("participants: %w", err))
		}
	}
	return out, nil
}
