package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"dm_service/internal/chat/domain"
	"dm_service/internal/chat/repository"
	"dm_service/pkg/config"
	errprocess "dm_service/pkg/err"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// insertFailStore MemoryStore whose InsertMessage can be switched to fail
type insertFailStore struct {
	*repository.MemoryStore
	fail atomic.Bool
}

func (s *insertFailStore) InsertMessage(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	if s.fail.Load() {
		return nil, errprocess.New(errprocess.KindStore, "InsertMessage", errors.New("db down"))
	}
	return s.MemoryStore.InsertMessage(ctx, in)
}

type fakePresigner struct{}

func (fakePresigner) PresignUpload(_ context.Context, userID, fileName string, ct domain.ContentType) (*repository.MediaUpload, error) {
	return &repository.MediaUpload{ObjectName: "media/" + string(ct) + "/" + userID + "/" + fileName, UploadURL: "https://minio/put"}, nil
}

type sessionFixture struct {
	store *insertFailStore
	tr    *repository.MemoryTransport
	svc   *ChatService
	conv  string
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	mem := repository.NewMemoryStore()
	f := &sessionFixture{
		store: &insertFailStore{MemoryStore: mem},
		tr:    repository.NewMemoryTransport(64),
	}
	f.svc = NewChatService(f.store, f.tr, nil, fakePresigner{}, config.RealtimeConfig{
		PollInterval:       time.Hour,
		PageSize:           20,
		HeartbeatInterval:  time.Hour,
		ResubscribeBackoff: 10 * time.Millisecond,
		TypingPerSecond:    100,
		EventBuffer:        256,
	}, false)
	f.conv = seedDirect(t, mem, "alice", "bob")
	return f
}

func (f *sessionFixture) session(t *testing.T, userID string) *Session {
	t.Helper()
	s, err := f.svc.NewSession(context.Background(), userID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// nextEvent next session event of type typ, skipping others
func nextEvent(t *testing.T, s *Session, typ domain.ConversationEventType) domain.ConversationEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "events closed")
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
			return domain.ConversationEvent{}
		}
	}
}

func TestSession_NewSessionNeedsUser(t *testing.T) {
	f := newSessionFixture(t)
	_, err := f.svc.NewSession(context.Background(), "")
	assert.True(t, errors.Is(err, errprocess.Validation))
}

func TestSession_OpenConversation(t *testing.T) {
	f := newSessionFixture(t)
	put(f.store.MemoryStore, f.conv, "m1", 1, "bob")
	put(f.store.MemoryStore, f.conv, "m2", 2, "alice")

	alice := f.session(t, "alice")
	res, err := alice.OpenConversation(context.Background(), f.conv)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(res.InitialMessages))
	assert.False(t, res.HasMore)

	// opening marks the conversation read
	ev := nextEvent(t, alice, domain.ConversationUnread)
	require.NotNil(t, ev.UnreadCount)
	assert.Zero(t, *ev.UnreadCount)

	list, ok := alice.Messages(f.conv)
	require.True(t, ok)
	assert.Equal(t, []string{"m1", "m2"}, ids(list))

	require.NoError(t, res.Unsubscribe())
	_, ok = alice.Messages(f.conv)
	assert.False(t, ok)
	assert.NoError(t, alice.CloseConversation(f.conv), "closing twice is a no-op")
}

func TestSession_OpenConversationNotParticipant(t *testing.T) {
	f := newSessionFixture(t)
	mallory := f.session(t, "mallory")
	_, err := mallory.OpenConversation(context.Background(), f.conv)
	assert.True(t, errors.Is(err, errprocess.Permission))
	assert.Zero(t, f.tr.Subscribers(domain.ConversationTopic(f.conv)))
}

func TestSession_LiveMessageAndAutoRead(t *testing.T) {
	f := newSessionFixture(t)
	alice := f.session(t, "alice")
	bob := f.session(t, "bob")

	_, err := alice.OpenConversation(context.Background(), f.conv)
	require.NoError(t, err)
	nextEvent(t, alice, domain.ConversationUnread)

	sent, err := bob.SendMessage(context.Background(), f.conv, "hello alice", "", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, sent.Status)
	assert.Equal(t, domain.ContentText, sent.ContentType)

	ev := nextEvent(t, alice, domain.ConversationMessages)
	assert.Equal(t, []string{sent.ID}, ids(ev.Messages))

	// 畫面開著，自動已讀
	require.Eventually(t, func() bool {
		n, err := alice.UnreadCount(context.Background(), f.conv)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		m, err := f.store.GetMessage(context.Background(), sent.ID)
		return err == nil && m.IsRead
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_NotificationForClosedConversation(t *testing.T) {
	f := newSessionFixture(t)
	alice := f.session(t, "alice")
	bob := f.session(t, "bob")

	sent, err := alice.SendMessage(context.Background(), f.conv, "ping", domain.ContentText, nil)
	require.NoError(t, err)

	ev := nextEvent(t, bob, domain.ConversationNotification)
	assert.Equal(t, f.conv, ev.ConversationID)
	require.NotNil(t, ev.Message)
	assert.Equal(t, sent.ID, ev.Message.ID)
	require.NotNil(t, ev.UnreadCount)
	assert.Equal(t, 1, *ev.UnreadCount)

	n, err := bob.UnreadCount(context.Background(), f.conv)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = bob.MarkRead(context.Background(), f.conv)
	require.NoError(t, err)
	ev = nextEvent(t, bob, domain.ConversationUnread)
	assert.Zero(t, *ev.UnreadCount)
}

func TestSession_SendFailureAndRetry(t *testing.T) {
	f := newSessionFixture(t)
	alice := f.session(t, "alice")
	_, err := alice.OpenConversation(context.Background(), f.conv)
	require.NoError(t, err)

	f.store.fail.Store(true)
	failed, err := alice.SendMessage(context.Background(), f.conv, "lost?", domain.ContentText, nil)
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)

	ev := nextEvent(t, alice, domain.ConversationSendFailed)
	require.NotNil(t, ev.Message)
	assert.Equal(t, failed.ID, ev.Message.ID)
	assert.NotEmpty(t, ev.Error)

	list, _ := alice.Messages(f.conv)
	require.Len(t, list, 1)
	assert.Equal(t, domain.StatusFailed, list[0].Status)

	f.store.fail.Store(false)
	retried, err := alice.RetrySend(context.Background(), f.conv, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, failed.ID, retried.ID)
	assert.Equal(t, domain.StatusSent, retried.Status)

	require.Eventually(t, func() bool {
		list, _ := alice.Messages(f.conv)
		return len(list) == 1 && list[0].Status.Confirmed()
	}, 2*time.Second, 10*time.Millisecond)

	_, err = alice.RetrySend(context.Background(), f.conv, failed.ID)
	assert.True(t, errors.Is(err, errprocess.NotFound), "only failed messages can be retried")
	_, err = alice.RetrySend(context.Background(), "other", failed.ID)
	assert.True(t, errors.Is(err, errprocess.NotFound))
}

func TestSession_SendFailureWithoutView(t *testing.T) {
	f := newSessionFixture(t)
	alice := f.session(t, "alice")
	f.store.fail.Store(true)

	_, err := alice.SendMessage(context.Background(), f.conv, "x", domain.ContentText, nil)
	require.Error(t, err)
	ev := nextEvent(t, alice, domain.ConversationSendFailed)
	assert.Equal(t, f.conv, ev.ConversationID)

	_, err = alice.SendMessage(context.Background(), f.conv, "  ", domain.ContentText, nil)
	assert.True(t, errors.Is(err, errprocess.Validation))
}

func TestSession_LoadOlder(t *testing.T) {
	f := newSessionFixture(t)
	for i := 1; i <= 25; i++ {
		put(f.store.MemoryStore, f.conv, "m"+string(rune('a'+i)), i, "bob")
	}
	alice := f.session(t, "alice")

	// not open: plain page
	page, anchor, err := alice.LoadOlder(context.Background(), f.conv, "")
	require.NoError(t, err)
	assert.Len(t, page.Messages, 20)
	assert.Empty(t, anchor)

	res, err := alice.OpenConversation(context.Background(), f.conv)
	require.NoError(t, err)
	require.True(t, res.HasMore)

	page, anchor, err = alice.LoadOlder(context.Background(), f.conv, "")
	require.NoError(t, err)
	assert.Len(t, page.Messages, 5)
	assert.Equal(t, res.InitialMessages[0].ID, anchor)

	list, _ := alice.Messages(f.conv)
	assert.Len(t, list, 25)

	_, _, err = alice.LoadOlder(context.Background(), f.conv, "%%%")
	assert.True(t, errors.Is(err, errprocess.Validation))
}

func TestSession_DeleteMessage(t *testing.T) {
	f := newSessionFixture(t)
	alice := f.session(t, "alice")
	_, err := alice.OpenConversation(context.Background(), f.conv)
	require.NoError(t, err)

	sent, err := alice.SendMessage(context.Background(), f.conv, "typo", domain.ContentText, nil)
	require.NoError(t, err)

	deleted, err := alice.DeleteMessage(context.Background(), sent.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted())

	require.Eventually(t, func() bool {
		list, _ := alice.Messages(f.conv)
		return len(list) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_ReactionsAndConversations(t *testing.T) {
	f := newSessionFixture(t)
	alice := f.session(t, "alice")
	bob := f.session(t, "bob")

	sent, err := alice.SendMessage(context.Background(), f.conv, "party", domain.ContentText, nil)
	require.NoError(t, err)
	res, err := bob.ToggleReaction(context.Background(), sent.ID, "🎉")
	require.NoError(t, err)
	assert.True(t, res.Added)
	list, err := alice.Reactions(context.Background(), sent.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	id, err := alice.StartDirect(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, f.conv, id)

	group, err := alice.CreateGroup(context.Background(), "team", []string{"bob", "carol"})
	require.NoError(t, err)

	convs, err := bob.ListConversations(context.Background())
	require.NoError(t, err)
	got := map[string]int{}
	for _, c := range convs {
		got[c.Conversation.ID] = c.UnreadCount
	}
	assert.Equal(t, map[string]int{f.conv: 1, group: 0}, got)
}

func TestSession_PresenceAndTyping(t *testing.T) {
	f := newSessionFixture(t)
	alice := f.session(t, "alice")
	bob := f.session(t, "bob")

	_, err := alice.OpenConversation(context.Background(), f.conv)
	require.NoError(t, err)
	_, err = bob.OpenConversation(context.Background(), f.conv)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := alice.Presence(f.conv)["bob"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	bob.SetTyping(f.conv, true)
	ev := nextEvent(t, alice, domain.ConversationTyping)
	assert.Equal(t, "bob", ev.UserID)
	assert.True(t, ev.IsTyping)

	assert.True(t, errors.Is(bob.SetPresence(f.conv, "busy"), errprocess.Validation))
	require.NoError(t, bob.SetPresence(f.conv, domain.PresenceAway))
	require.Eventually(t, func() bool {
		return alice.Presence(f.conv)["bob"].Status == domain.PresenceAway
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, alice.Presence("not-open"))
}

func TestSession_RequestMediaUpload(t *testing.T) {
	f := newSessionFixture(t)
	alice := f.session(t, "alice")

	up, err := alice.RequestMediaUpload(context.Background(), "cat.png", domain.ContentImage)
	require.NoError(t, err)
	assert.Contains(t, up.ObjectName, "alice")

	_, err = alice.RequestMediaUpload(context.Background(), "notes.txt", domain.ContentText)
	assert.True(t, errors.Is(err, errprocess.Validation))

	f.svc.media = nil
	_, err = alice.RequestMediaUpload(context.Background(), "cat.png", domain.ContentImage)
	assert.True(t, errors.Is(err, errprocess.Validation))
}

func TestSession_CallbacksAndClose(t *testing.T) {
	f := newSessionFixture(t)
	alice, err := f.svc.NewSession(context.Background(), "alice")
	require.NoError(t, err)

	var got atomic.Int32
	alice.OnConversationEvent(func(domain.ConversationEvent) { panic("boom") })
	remove := alice.OnConversationEvent(func(domain.ConversationEvent) { got.Add(1) })

	_, err = alice.OpenConversation(context.Background(), f.conv)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return got.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	remove()

	require.NoError(t, alice.Close())
	assert.NoError(t, alice.Close())
	assert.Zero(t, f.tr.Subscribers(domain.ConversationTopic(f.conv)))
	assert.Zero(t, f.tr.Subscribers(domain.UserTopic("alice")))

	// Events drains then closes
	deadline := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, open = <-alice.Events():
		case <-deadline:
			t.Fatal("events not closed")
		}
	}

	_, err = alice.OpenConversation(context.Background(), f.conv)
	assert.ErrorIs(t, err, ErrSessionClosed)
}
