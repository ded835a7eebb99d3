package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"dm_service/internal/chat/domain"
	"dm_service/internal/chat/repository"
	"dm_service/pkg/config"
	errprocess "dm_service/pkg/err"
	"dm_service/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSessionClosed operation on a closed session
var ErrSessionClosed = errors.New("session closed")

// MediaPresigner presigned media upload targets
type MediaPresigner interface {
	PresignUpload(ctx context.Context, userID, fileName string, ct domain.ContentType) (*repository.MediaUpload, error)
}

// ChatService dependencies shared by every session of the process
type ChatService struct {
	Messages      *MessageUseCase
	Conversations *ConversationUseCase

	transport repository.Transport
	media     MediaPresigner
	paginator *Paginator
	readState *ReadStateTracker
	realtime  config.RealtimeConfig
}

// NewChatService wire use cases over store and transport. media may be nil when
// uploads are disabled.
func NewChatService(
	store repository.MessageStore,
	transport repository.Transport,
	sink repository.EventSink,
	media MediaPresigner,
	realtime config.RealtimeConfig,
	changeFeed bool,
) *ChatService {
	readState := NewReadStateTracker(store)
	return &ChatService{
		Messages:      NewMessageUseCase(store, transport, sink, readState, changeFeed),
		Conversations: NewConversationUseCase(store, readState),
		transport:     transport,
		media:         media,
		paginator:     NewPaginator(store),
		readState:     readState,
		realtime:      realtime.WithDefaults(),
	}
}

// ReadState read state tracker shared by the sessions
func (c *ChatService) ReadState() *ReadStateTracker {
	return c.readState
}

// OpenResult initial state of an opened conversation
type OpenResult struct {
	InitialMessages []domain.Message
	HasMore         bool
	// Unsubscribe closes the conversation, same as Session.CloseConversation
	Unsubscribe func() error
}

// Session one connected user: its channel manager, open conversation views and the
// event stream delivered to the UI
type Session struct {
	svc       *ChatService
	userID    string
	sessionID string
	manager   *ChannelManager
	log       *logger.LogInfo

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	// lifecycle serialises open/close of views so one topic never has two views
	lifecycle sync.Mutex

	mu        sync.Mutex
	closed    bool
	views     map[string]*ConversationView
	callbacks map[int]func(domain.ConversationEvent)
	nextCB    int
	events    chan domain.ConversationEvent
	reading   map[string]bool // auto mark-read in flight, true = run again
}

// NewSession start a session of userID and subscribe its notification topic. A
// subscribe failure is logged; open conversations still poll.
func (c *ChatService) NewSession(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, errprocess.Newf(errprocess.KindValidation, "NewSession", "user id required")
	}
	sessionID := uuid.New().String()
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		svc:       c,
		userID:    userID,
		sessionID: sessionID,
		manager: NewChannelManager(c.transport, ManagerOptions{
			UserID:             userID,
			SessionID:          sessionID,
			PresenceTTL:        c.realtime.PresenceTTL,
			HeartbeatInterval:  c.realtime.HeartbeatInterval,
			ResubscribeBackoff: c.realtime.ResubscribeBackoff,
			TypingPerSecond:    c.realtime.TypingPerSecond,
		}),
		log:       logger.Log.With(zap.String("user_id", userID), zap.String("session_id", sessionID)),
		ctx:       sctx,
		cancel:    cancel,
		views:     make(map[string]*ConversationView),
		callbacks: make(map[int]func(domain.ConversationEvent)),
		events:    make(chan domain.ConversationEvent, c.realtime.EventBuffer),
		reading:   make(map[string]bool),
	}

	if err := s.manager.Subscribe(ctx, domain.UserTopic(userID), HandlerFuncs{NewMessage: s.onNotification}); err != nil {
		s.log.Warn("user topic subscribe failed", zap.Error(err))
	}
	return s, nil
}

// UserID owner of the session
func (s *Session) UserID() string { return s.userID }

// ID session id, unique per connection
func (s *Session) ID() string { return s.sessionID }

// Events buffered stream of conversation events, closed by Close. Events are dropped
// when the consumer falls behind by more than the buffer.
func (s *Session) Events() <-chan domain.ConversationEvent {
	return s.events
}

// OnConversationEvent register cb for every event; the returned func removes it.
// cb runs on internal goroutines and must not block.
func (s *Session) OnConversationEvent(cb func(domain.ConversationEvent)) func() {
	s.mu.Lock()
	id := s.nextCB
	s.nextCB++
	s.callbacks[id] = cb
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.callbacks, id)
		s.mu.Unlock()
	}
}

func (s *Session) emit(ev domain.ConversationEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	cbs := make([]func(domain.ConversationEvent), 0, len(s.callbacks))
	for _, cb := range s.callbacks {
		cbs = append(cbs, cb)
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event buffer full, dropping event", zap.String("type", string(ev.Type)), zap.String("conversation_id", ev.ConversationID))
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		s.runCallback(cb, ev)
	}
}

func (s *Session) runCallback(cb func(domain.ConversationEvent), ev domain.ConversationEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("conversation event callback panic", zap.Any("panic", r), zap.String("type", string(ev.Type)))
		}
	}()
	cb(ev)
}

func (s *Session) view(conversationID string) *ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views[conversationID]
}

// OpenConversation load the newest page and start live updates. Opening an open
// conversation replaces its view.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) (*OpenResult, error) {
	if _, err := s.svc.Conversations.Get(ctx, conversationID, s.userID); err != nil {
		return nil, err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	old := s.views[conversationID]
	delete(s.views, conversationID)
	s.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			s.log.Warn("close previous view", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}

	rt := s.svc.realtime
	view := NewConversationView(conversationID, s.userID, s.svc.paginator, s.manager, s.emit, ViewOptions{
		PageSize:     rt.PageSize,
		PollInterval: rt.PollInterval,
		OnIncoming:   func() { s.autoRead(conversationID) },
	})
	page, err := view.Open(ctx)
	if err != nil {
		_ = view.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = view.Close()
		return nil, ErrSessionClosed
	}
	s.views[conversationID] = view
	s.mu.Unlock()

	s.autoRead(conversationID)
	return &OpenResult{
		InitialMessages: visible(page.Messages),
		HasMore:         page.HasMore,
		Unsubscribe:     func() error { return s.CloseConversation(conversationID) },
	}, nil
}

// CloseConversation stop live updates of the conversation; no-op when not open
func (s *Session) CloseConversation(conversationID string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	v := s.views[conversationID]
	delete(s.views, conversationID)
	s.mu.Unlock()
	if v == nil {
		return nil
	}
	return v.Close()
}

// Messages visible messages of an open conversation
func (s *Session) Messages(conversationID string) ([]domain.Message, bool) {
	v := s.view(conversationID)
	if v == nil {
		return nil, false
	}
	return v.Messages(), true
}

// LoadOlder page before cursor, or before the oldest loaded message when cursor is
// empty. The returned id is the scroll anchor, empty when the conversation is not open.
func (s *Session) LoadOlder(ctx context.Context, conversationID, cursor string) (domain.Page, string, error) {
	before, err := domain.ParseCursor(cursor)
	if err != nil {
		return domain.Page{}, "", errprocess.New(errprocess.KindValidation, "LoadOlder", err)
	}
	if v := s.view(conversationID); v != nil {
		return v.LoadOlder(ctx, before)
	}

	if _, err := s.svc.Conversations.Get(ctx, conversationID, s.userID); err != nil {
		return domain.Page{}, "", err
	}
	page, err := s.svc.paginator.FetchPage(ctx, conversationID, s.svc.realtime.PageSize, before)
	return page, "", err
}

// SendMessage show the message optimistically (when the conversation is open) and
// persist it. On failure the message stays with status failed and can be retried.
func (s *Session) SendMessage(ctx context.Context, conversationID, content string, contentType domain.ContentType, mediaURL *string) (domain.Message, error) {
	in := domain.NewMessage{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       s.userID,
		Content:        content,
		ContentType:    contentType,
		MediaURL:       mediaURL,
	}
	if err := s.svc.Messages.Validate(in); err != nil {
		return domain.Message{}, err
	}
	if in.ContentType == "" {
		in.ContentType = domain.ContentText
	}

	pending := domain.Message{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		ContentType:    in.ContentType,
		MediaURL:       in.MediaURL,
		CreatedAt:      time.Now().UTC(),
		Status:         domain.StatusPending,
	}
	v := s.view(conversationID)
	if v != nil {
		if err := v.AddPending(pending); err != nil {
			v = nil
		}
	}
	return s.deliver(ctx, v, in, pending)
}

func (s *Session) deliver(ctx context.Context, v *ConversationView, in domain.NewMessage, local domain.Message) (domain.Message, error) {
	msg, err := s.svc.Messages.Send(ctx, in)
	if err != nil {
		local.Status = domain.StatusFailed
		if v == nil || v.Fail(in.ID, err) != nil {
			s.emit(domain.ConversationEvent{
				Type:           domain.ConversationSendFailed,
				ConversationID: in.ConversationID,
				Message:        &local,
				Error:          err.Error(),
			})
		}
		return local, err
	}

	if v != nil {
		if cerr := v.Confirm(*msg); cerr != nil {
			s.log.Debug("confirm on closed view", zap.String("message_id", msg.ID))
		}
	}
	out := *msg
	out.Status = domain.StatusSent
	return out, nil
}

// RetrySend resend a failed message of an open conversation with its original id
func (s *Session) RetrySend(ctx context.Context, conversationID, messageID string) (domain.Message, error) {
	v := s.view(conversationID)
	if v == nil {
		return domain.Message{}, errprocess.Newf(errprocess.KindNotFound, "RetrySend", "conversation %s is not open", conversationID)
	}
	msg, ok, err := v.Retry(messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if !ok {
		return domain.Message{}, errprocess.Newf(errprocess.KindNotFound, "RetrySend", "no failed message %s", messageID)
	}
	in := domain.NewMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		ContentType:    msg.ContentType,
		MediaURL:       msg.MediaURL,
	}
	return s.deliver(ctx, v, in, msg)
}

// SetTyping broadcast typing state to an open conversation, fire-and-forget
func (s *Session) SetTyping(conversationID string, isTyping bool) {
	s.manager.SendTyping(domain.ConversationTopic(conversationID), isTyping)
}

// SetPresence set this session's presence status in an open conversation
func (s *Session) SetPresence(conversationID string, status domain.PresenceStatus) error {
	if !status.Valid() {
		return errprocess.Newf(errprocess.KindValidation, "SetPresence", "unknown status %q", status)
	}
	s.manager.UpdatePresence(domain.ConversationTopic(conversationID), status)
	return nil
}

// Presence current presence of an open conversation's participants
func (s *Session) Presence(conversationID string) map[string]domain.PresenceState {
	p, ok := s.manager.Presence(domain.ConversationTopic(conversationID))
	if !ok {
		return map[string]domain.PresenceState{}
	}
	return p.GetAll()
}

// MarkRead mark the conversation read and emit the new unread count
func (s *Session) MarkRead(ctx context.Context, conversationID string) (int64, error) {
	n, err := s.svc.Messages.MarkRead(ctx, conversationID, s.userID)
	if err != nil {
		return 0, err
	}
	if count, err := s.svc.readState.UnreadCount(ctx, conversationID, s.userID); err == nil {
		s.emit(domain.ConversationEvent{Type: domain.ConversationUnread, ConversationID: conversationID, UnreadCount: &count})
	}
	return n, nil
}

// UnreadCount unread messages of conversationID
func (s *Session) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	if _, err := s.svc.Conversations.Get(ctx, conversationID, s.userID); err != nil {
		return 0, err
	}
	return s.svc.readState.UnreadCount(ctx, conversationID, s.userID)
}

// autoRead mark an open conversation read in the background; triggers arriving while
// a mark runs collapse into one more run
func (s *Session) autoRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, running := s.reading[conversationID]; running {
		s.reading[conversationID] = true
		return
	}
	s.reading[conversationID] = false
	s.wg.Add(1)
	go s.readLoop(conversationID)
}

func (s *Session) readLoop(conversationID string) {
	defer s.wg.Done()
	for {
		if _, err := s.MarkRead(s.ctx, conversationID); err != nil && s.ctx.Err() == nil {
			errprocess.Log(s.log, "auto mark read", err, zap.String("conversation_id", conversationID))
		}
		s.mu.Lock()
		if !s.reading[conversationID] || s.closed {
			delete(s.reading, conversationID)
			s.mu.Unlock()
			return
		}
		s.reading[conversationID] = false
		s.mu.Unlock()
	}
}

// onNotification new message on the user topic. Open conversations receive it on
// their own topic, so only closed ones produce a notification.
func (s *Session) onNotification(msg domain.Message) {
	if msg.SenderID == s.userID || s.view(msg.ConversationID) != nil {
		return
	}
	m := msg
	ev := domain.ConversationEvent{Type: domain.ConversationNotification, ConversationID: msg.ConversationID, Message: &m}
	if count, err := s.svc.readState.UnreadCount(s.ctx, msg.ConversationID, s.userID); err == nil {
		ev.UnreadCount = &count
	}
	s.emit(ev)
}

// ToggleReaction add or remove a reaction of the session user
func (s *Session) ToggleReaction(ctx context.Context, messageID, reaction string) (domain.ReactionResult, error) {
	return s.svc.Messages.ToggleReaction(ctx, s.userID, messageID, reaction)
}

// Reactions reactions of a message
func (s *Session) Reactions(ctx context.Context, messageID string) ([]domain.MessageReaction, error) {
	return s.svc.Messages.Reactions(ctx, s.userID, messageID)
}

// DeleteMessage soft delete a message of the session user
func (s *Session) DeleteMessage(ctx context.Context, messageID string) (domain.Message, error) {
	msg, err := s.svc.Messages.Delete(ctx, s.userID, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if v := s.view(msg.ConversationID); v != nil {
		v.OnMessageDeleted(*msg)
	}
	return *msg, nil
}

// StartDirect direct conversation with peerID
func (s *Session) StartDirect(ctx context.Context, peerID string) (string, error) {
	return s.svc.Conversations.StartDirect(ctx, s.userID, peerID)
}

// CreateGroup group of the session user and members
func (s *Session) CreateGroup(ctx context.Context, name string, members []string) (string, error) {
	return s.svc.Conversations.CreateGroup(ctx, s.userID, name, members)
}

// ListConversations conversations of the session user with unread counts
func (s *Session) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	return s.svc.Conversations.List(ctx, s.userID)
}

// RequestMediaUpload presigned upload target for a media message
func (s *Session) RequestMediaUpload(ctx context.Context, fileName string, ct domain.ContentType) (*repository.MediaUpload, error) {
	if s.svc.media == nil {
		return nil, errprocess.Newf(errprocess.KindValidation, "RequestMediaUpload", "media upload disabled")
	}
	if !ct.IsMedia() {
		return nil, errprocess.Newf(errprocess.KindValidation, "RequestMediaUpload", "content type %q has no media", ct)
	}
	up, err := s.svc.media.PresignUpload(ctx, s.userID, fileName, ct)
	if err != nil {
		return nil, errprocess.New(errprocess.KindStore, "RequestMediaUpload", err)
	}
	return up, nil
}

// Close close every view, unsubscribe every topic and close Events
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		views := s.views
		s.views = make(map[string]*ConversationView)
		s.mu.Unlock()
		s.cancel()

		var errs []error
		s.lifecycle.Lock()
		for _, v := range views {
			if err := v.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.lifecycle.Unlock()

		if err := s.manager.Cleanup(); err != nil {
			errs = append(errs, err)
		}
		s.wg.Wait()

		s.mu.Lock()
		close(s.events)
		s.mu.Unlock()
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
