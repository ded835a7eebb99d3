package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dm_service/internal/chat/domain"
	"dm_service/internal/chat/repository"
	errprocess "dm_service/pkg/err"
	"dm_service/pkg/logger"
	"dm_service/pkg/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EventHandler callbacks of one subscribed topic. They run on the topic's dispatch
// goroutine and must not call Subscribe or Unsubscribe on the same manager.
type EventHandler interface {
	OnNewMessage(msg domain.Message)
	OnMessageRead(msg domain.Message)
	OnMessageDeleted(msg domain.Message)
	OnPresenceChange(state domain.PresenceState)
	OnTyping(userID string, isTyping bool)
}

// HandlerFuncs EventHandler from optional funcs, nil funcs are skipped
type HandlerFuncs struct {
	NewMessage     func(msg domain.Message)
	MessageRead    func(msg domain.Message)
	MessageDeleted func(msg domain.Message)
	PresenceChange func(state domain.PresenceState)
	Typing         func(userID string, isTyping bool)
}

// OnNewMessage EventHandler
func (h HandlerFuncs) OnNewMessage(msg domain.Message) {
	if h.NewMessage != nil {
		h.NewMessage(msg)
	}
}

// OnMessageRead EventHandler
func (h HandlerFuncs) OnMessageRead(msg domain.Message) {
	if h.MessageRead != nil {
		h.MessageRead(msg)
	}
}

// OnMessageDeleted EventHandler
func (h HandlerFuncs) OnMessageDeleted(msg domain.Message) {
	if h.MessageDeleted != nil {
		h.MessageDeleted(msg)
	}
}

// OnPresenceChange EventHandler
func (h HandlerFuncs) OnPresenceChange(state domain.PresenceState) {
	if h.PresenceChange != nil {
		h.PresenceChange(state)
	}
}

// OnTyping EventHandler
func (h HandlerFuncs) OnTyping(userID string, isTyping bool) {
	if h.Typing != nil {
		h.Typing(userID, isTyping)
	}
}

// ManagerOptions identity and timing of a ChannelManager
type ManagerOptions struct {
	UserID             string
	SessionID          string
	PresenceTTL        time.Duration
	HeartbeatInterval  time.Duration
	ResubscribeBackoff time.Duration
	TypingPerSecond    float64
}

const maxResubscribeBackoff = 30 * time.Second

type topicEntry struct {
	topic    string
	handler  EventHandler
	state    domain.TopicState // guarded by ChannelManager.mu
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	presence *PresenceTracker
	typing   *rate.Limiter
	sends    sync.WaitGroup

	mu      sync.Mutex
	sub     repository.Subscription
	status  domain.PresenceStatus
	closing bool
}

func (e *topicEntry) subscription() repository.Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sub
}

func (e *topicEntry) setSubscription(sub repository.Subscription) {
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()
}

func (e *topicEntry) presenceStatus() domain.PresenceStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// ChannelManager topic subscriptions of one session. Each subscribed topic has
// exactly one dispatch goroutine; the registry is the only shared state.
type ChannelManager struct {
	transport repository.Transport
	opts      ManagerOptions
	now       func() time.Time

	// lifecycle serialises Subscribe/Unsubscribe so teardown and reopen of one
	// topic never interleave
	lifecycle sync.Mutex

	mu     sync.Mutex
	topics map[string]*topicEntry
}

// NewChannelManager create ChannelManager
func NewChannelManager(transport repository.Transport, opts ManagerOptions) *ChannelManager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 20 * time.Second
	}
	if opts.ResubscribeBackoff <= 0 {
		opts.ResubscribeBackoff = 500 * time.Millisecond
	}
	if opts.TypingPerSecond <= 0 {
		opts.TypingPerSecond = 1
	}
	return &ChannelManager{
		transport: transport,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		topics:    make(map[string]*topicEntry),
	}
}

// State lifecycle state of topic
func (m *ChannelManager) State(topic string) domain.TopicState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.topics[topic]; ok {
		return e.state
	}
	return domain.TopicClosed
}

// Topics open topics
func (m *ChannelManager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.topics))
	for t := range m.topics {
		out = append(out, t)
	}
	return out
}

// Presence presence tracker of an open topic
func (m *ChannelManager) Presence(topic string) (*PresenceTracker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.topics[topic]
	if !ok {
		return nil, false
	}
	return e.presence, true
}

func (m *ChannelManager) setState(e *topicEntry, st domain.TopicState) {
	m.mu.Lock()
	e.state = st
	m.mu.Unlock()
}

// Subscribe open topic with handler. An already open topic is torn down first, so
// resubscribing is idempotent: one dispatch goroutine, one handler.
func (m *ChannelManager) Subscribe(ctx context.Context, topic string, handler EventHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	old := m.topics[topic]
	delete(m.topics, topic)
	m.mu.Unlock()
	if old != nil {
		if err := m.teardown(old); err != nil {
			logger.Log.Warn("channel teardown before resubscribe", zap.String("topic", topic), zap.Error(err))
		}
	}

	entryCtx, cancel := context.WithCancel(context.Background())
	e := &topicEntry{
		topic:    topic,
		handler:  handler,
		state:    domain.TopicOpening,
		ctx:      entryCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		presence: NewPresenceTracker(m.opts.PresenceTTL),
		typing:   rate.NewLimiter(rate.Limit(m.opts.TypingPerSecond), 1),
		status:   domain.PresenceOnline,
	}
	m.mu.Lock()
	m.topics[topic] = e
	m.mu.Unlock()

	sub, err := m.transport.Subscribe(entryCtx, topic)
	if err != nil {
		m.mu.Lock()
		delete(m.topics, topic)
		m.mu.Unlock()
		cancel()
		close(e.done)
		return errprocess.New(errprocess.KindTransport, "Subscribe", fmt.Errorf("%s: %w", topic, err))
	}
	e.setSubscription(sub)
	m.setState(e, domain.TopicSubscribed)
	metrics.ActiveTopics.Inc()

	go m.dispatch(e)
	m.announce(e)
	return nil
}

// Unsubscribe tear topic down. No handler of topic runs after it returns; closed
// topics are a no-op.
func (m *ChannelManager) Unsubscribe(topic string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	e, ok := m.topics[topic]
	delete(m.topics, topic)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.teardown(e)
}

// Cleanup unsubscribe every topic, continuing past failures
func (m *ChannelManager) Cleanup() error {
	var errs []error
	for _, topic := range m.Topics() {
		if err := m.Unsubscribe(topic); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// teardown cancel in-flight sends, wait for the dispatch goroutine, close the
// subscription and drop this session's presence entry
func (m *ChannelManager) teardown(e *topicEntry) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()
	e.cancel()
	<-e.done
	e.sends.Wait()

	var errs []error
	if sub := e.subscription(); sub != nil {
		if err := sub.Close(); err != nil {
			errs = append(errs, errprocess.New(errprocess.KindTransport, "Unsubscribe", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.transport.Untrack(ctx, e.topic, m.opts.UserID, m.opts.SessionID); err != nil {
		errs = append(errs, errprocess.New(errprocess.KindTransport, "Untrack", err))
	}
	return errors.Join(errs...)
}

func (m *ChannelManager) dispatch(e *topicEntry) {
	defer close(e.done)
	defer metrics.ActiveTopics.Dec()

	heartbeat := time.NewTicker(m.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		sub := e.subscription()
		select {
		case <-e.ctx.Done():
			return
		case <-heartbeat.C:
			m.announce(e)
		case env, ok := <-sub.Events():
			if !ok {
				if e.ctx.Err() != nil {
					return
				}
				if !m.resubscribe(e) {
					return
				}
				continue
			}
			m.deliver(e, env)
		}
	}
}

// resubscribe replace a subscription the transport dropped. The old one is closed
// before a new one attaches; false when the topic was torn down meanwhile.
func (m *ChannelManager) resubscribe(e *topicEntry) bool {
	if old := e.subscription(); old != nil {
		_ = old.Close()
	}
	m.setState(e, domain.TopicOpening)
	metrics.Resubscribes.Inc()
	logger.Log.Warn("channel dropped, resubscribing", zap.String("topic", e.topic))

	backoff := m.opts.ResubscribeBackoff
	for {
		timer := time.NewTimer(backoff)
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		sub, err := m.transport.Subscribe(e.ctx, e.topic)
		if err == nil {
			e.setSubscription(sub)
			m.setState(e, domain.TopicSubscribed)
			m.announce(e)
			return true
		}
		errprocess.Log(nil, "resubscribe failed", err, zap.String("topic", e.topic), zap.Duration("backoff", backoff))
		if backoff *= 2; backoff > maxResubscribeBackoff {
			backoff = maxResubscribeBackoff
		}
	}
}

func (m *ChannelManager) deliver(e *topicEntry, env domain.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.Inc()
			logger.Log.Error("channel handler panic",
				zap.String("topic", e.topic),
				zap.String("type", string(env.Type)),
				zap.Any("panic", r),
			)
		}
	}()

	switch env.Type {
	case domain.EventMessageInsert:
		if env.Record != nil {
			e.handler.OnNewMessage(*env.Record)
		}
	case domain.EventMessageUpdate:
		if env.ReadTransition() {
			e.handler.OnMessageRead(*env.Record)
		}
		if env.DeleteTransition() {
			e.handler.OnMessageDeleted(*env.Record)
		}
	case domain.EventPresenceSync:
		for _, st := range e.presence.Apply(env.Presence, m.now()) {
			e.handler.OnPresenceChange(st)
		}
	case domain.EventTyping:
		// 自己 session 的 echo
		if env.SessionID == m.opts.SessionID {
			return
		}
		e.handler.OnTyping(env.UserID, env.IsTyping)
	}
}

func (m *ChannelManager) openEntry(topic string) (*topicEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.topics[topic]
	if !ok || e.state != domain.TopicSubscribed {
		return nil, false
	}
	return e, true
}

// send run fn in the background with the topic context; teardown waits for it
func (m *ChannelManager) send(e *topicEntry, op string, fn func(ctx context.Context) error) {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return
	}
	e.sends.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.sends.Done()
		if err := fn(e.ctx); err != nil && e.ctx.Err() == nil {
			logger.Log.Warn("channel send failed", zap.String("topic", e.topic), zap.String("op", op), zap.Error(err))
		}
	}()
}

// announce track this session with its current status and lastSeen=now
func (m *ChannelManager) announce(e *topicEntry) {
	meta := domain.PresenceMeta{UserID: m.opts.UserID, SessionID: m.opts.SessionID, Status: e.presenceStatus()}
	m.send(e, "track", func(ctx context.Context) error {
		now := m.now()
		meta.LastSeen = &now
		return m.transport.Track(ctx, e.topic, meta)
	})
}

// SendTyping broadcast typing state, fire-and-forget. Typing-start pings are rate
// limited per topic; typing-stop always goes out.
func (m *ChannelManager) SendTyping(topic string, isTyping bool) {
	e, ok := m.openEntry(topic)
	if !ok {
		return
	}
	if isTyping && !e.typing.Allow() {
		return
	}
	env := domain.Envelope{
		Type:      domain.EventTyping,
		SessionID: m.opts.SessionID,
		UserID:    m.opts.UserID,
		IsTyping:  isTyping,
	}
	m.send(e, "typing", func(ctx context.Context) error {
		return m.transport.Publish(ctx, topic, env)
	})
}

// UpdatePresence set this session's status on topic, fire-and-forget
func (m *ChannelManager) UpdatePresence(topic string, status domain.PresenceStatus) {
	e, ok := m.openEntry(topic)
	if !ok {
		return
	}
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
	m.announce(e)
}
