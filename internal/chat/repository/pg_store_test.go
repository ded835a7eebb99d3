package repository

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"dm_service/internal/chat/domain"
	errprocess "dm_service/pkg/err"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var msgCols = []string{"id", "conversation_id", "sender_id", "content", "media_url", "content_type", "is_read", "created_at", "deleted_at"}

func newMockStore(t *testing.T) (*PgStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPgStore(db), mock
}

func TestPgStore_Migrate(t *testing.T) {
	s, mock := newMockStore(t)
	for range schema {
		mock.ExpectExec("CREATE|DROP").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_InsertMessage(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 1, 23, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs("m1", "c1", "u1", "hi", sqlmock.AnyArg(), "text").
		WillReturnRows(sqlmock.NewRows(msgCols).AddRow("m1", "c1", "u1", "hi", nil, "text", false, now, nil))
	mock.ExpectExec("UPDATE conversations SET updated_at").
		WithArgs("c1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg, err := s.InsertMessage(context.Background(), domain.NewMessage{
		ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hi", ContentType: domain.ContentText,
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.True(t, msg.CreatedAt.Equal(now))
	assert.Nil(t, msg.MediaURL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// 測試同一個 id 重送：不新增，回傳已存在的那筆
func TestPgStore_InsertMessageDuplicateID(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 1, 23, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO messages").WillReturnRows(sqlmock.NewRows(msgCols))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT .+ FROM messages WHERE id").
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows(msgCols).AddRow("m1", "c1", "u1", "hi", nil, "text", false, now, nil))

	msg, err := s.InsertMessage(context.Background(), domain.NewMessage{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_InsertMessageStoreError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO messages").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := s.InsertMessage(context.Background(), domain.NewMessage{ConversationID: "c1", SenderID: "u1"})
	assert.ErrorIs(t, err, errprocess.Store)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_QueryMessagesWithCursor(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2025, 1, 23, 10, 0, 0, 0, time.UTC)
	url := "https://cdn/x.png"

	mock.ExpectQuery("SELECT .+ FROM messages").
		WithArgs("c1", ts, "m5", 31).
		WillReturnRows(sqlmock.NewRows(msgCols).
			AddRow("m4", "c1", "u1", "", url, "image", true, ts.Add(-time.Second), nil).
			AddRow("m3", "c1", "u2", "yo", nil, "text", false, ts.Add(-2*time.Second), nil))

	rows, err := s.QueryMessages(context.Background(), "c1", 31, &domain.Cursor{CreatedAt: ts, ID: "m5"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "m4", rows[0].ID)
	require.NotNil(t, rows[0].MediaURL)
	assert.Equal(t, url, *rows[0].MediaURL)
	assert.Equal(t, domain.ContentImage, rows[0].ContentType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_QueryMessagesVisibility(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2025, 1, 23, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM messages\s+WHERE conversation_id = \$1 AND deleted_at IS NULL`).
		WithArgs("c1", 10).
		WillReturnRows(sqlmock.NewRows(msgCols))
	mock.ExpectQuery(`FROM messages\s+WHERE conversation_id = \$1 AND TRUE`).
		WithArgs("c1", 10).
		WillReturnRows(sqlmock.NewRows(msgCols).
			AddRow("m2", "c1", "u1", "hi", nil, "text", false, ts, ts.Add(time.Minute)))

	rows, err := s.QueryMessages(context.Background(), "c1", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = s.QueryMessagesWithTombstones(context.Background(), "c1", 10, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Deleted())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_GetMessageNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .+ FROM messages WHERE id").WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err := s.GetMessage(context.Background(), "nope")
	assert.ErrorIs(t, err, errprocess.NotFound)
}

func TestPgStore_MarkMessagesRead(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2025, 1, 23, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE participants SET last_read_at").
		WithArgs("c1", "u1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE messages SET is_read").
		WithArgs("c1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	n, err := s.MarkMessagesRead(context.Background(), "c1", "u1", at)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_MarkMessagesReadNotParticipant(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE participants SET last_read_at").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.MarkMessagesRead(context.Background(), "c1", "stranger", time.Now())
	assert.ErrorIs(t, err, errprocess.NotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_CountUnread(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Date(2025, 1, 23, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT count").
		WithArgs("c1", "u1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := s.CountUnread(context.Background(), "c1", "u1", since)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

// 測試 reaction toggle：insert -> delete
func TestPgStore_UpsertReactionToggle(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("DELETE FROM message_reactions").WithArgs("m1", "u1", "❤️").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO message_reactions").WithArgs("m1", "u1", "❤️").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM message_reactions").WithArgs("m1", "u1", "❤️").WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := s.UpsertReaction(ctx, "m1", "u1", "❤️")
	require.NoError(t, err)
	assert.True(t, res.Added)

	res, err = s.UpsertReaction(ctx, "m1", "u1", "❤️")
	require.NoError(t, err)
	assert.False(t, res.Added)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// 測試 reaction 競爭：insert 撞到別人剛寫入的 row，重跑一輪變成刪除
func TestPgStore_UpsertReactionRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM message_reactions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO message_reactions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM message_reactions").WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := s.UpsertReaction(context.Background(), "m1", "u1", "👍")
	require.NoError(t, err)
	assert.False(t, res.Added)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_FindOrCreateDirectExisting(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id FROM conversations WHERE direct_key").
		WithArgs("u1:u2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c1"))

	id, err := s.FindOrCreateDirectConversation(context.Background(), "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_FindOrCreateDirectCreates(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id FROM conversations WHERE direct_key").WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO conversations").
		WithArgs(sqlmock.AnyArg(), "direct", "u1:u2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("new"))
	mock.ExpectExec("INSERT INTO participants").WithArgs("new", "u1", false).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO participants").WithArgs("new", "u2", false).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := s.FindOrCreateDirectConversation(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "new", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// 測試同時建立 direct conversation：輸的一方讀回贏家的 id
func TestPgStore_FindOrCreateDirectLostRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id FROM conversations WHERE direct_key").WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO conversations").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT id FROM conversations WHERE direct_key").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("winner"))

	id, err := s.FindOrCreateDirectConversation(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "winner", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_CreateGroupConversation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversations").WithArgs(sqlmock.AnyArg(), "group", "team").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO participants").WithArgs(sqlmock.AnyArg(), "owner", true).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO participants").WithArgs(sqlmock.AnyArg(), "a", false).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := s.CreateGroupConversation(context.Background(), "owner", "team", []string{"a", "owner"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_GetParticipantNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT is_admin, last_read_at FROM participants").WillReturnError(sql.ErrNoRows)

	_, err := s.GetParticipant(context.Background(), "c1", "u9")
	assert.ErrorIs(t, err, errprocess.NotFound)
}

func TestPgStore_ListConversations(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2025, 1, 23, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM conversations c").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "name", "created_at", "updated_at", "max", "count"}).
			AddRow("c1", "direct", nil, ts, ts, ts, 2).
			AddRow("c2", "group", "team", ts, ts, nil, 0))
	mock.ExpectQuery("SELECT user_id, is_admin, last_read_at FROM participants").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "is_admin", "last_read_at"}).
			AddRow("u1", false, ts).AddRow("u2", false, ts))
	mock.ExpectQuery("SELECT user_id, is_admin, last_read_at FROM participants").
		WithArgs("c2").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "is_admin", "last_read_at"}).AddRow("u1", true, ts))

	list, err := s.ListConversations(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2, list[0].UnreadCount)
	assert.NotNil(t, list[0].LastMessageAt)
	assert.Len(t, list[0].Conversation.Participants, 2)
	assert.Equal(t, "team", list[1].Conversation.Name)
	assert.Nil(t, list[1].LastMessageAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_TriggerNotifiesChangeFeedChannel(t *testing.T) {
	assert.Equal(t, "message_changes", MessageChangesChannel)
	var notify bool
	for _, stmt := range schema {
		if strings.Contains(stmt, "pg_notify('"+MessageChangesChannel+"', payload)") {
			notify = true
		}
	}
	assert.True(t, notify, "trigger and listener share one channel")
}
