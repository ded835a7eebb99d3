package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"dm_service/internal/chat/domain"
)

// MemoryTransport in-process Transport, used by single-node runs and tests
type MemoryTransport struct {
	mu           sync.Mutex
	subs         map[string]map[*memorySubscription]struct{}
	presence     map[string]map[string]domain.PresenceMeta
	buffer       int
	subscribeErr error
	now          func() time.Time
}

// NewMemoryTransport create MemoryTransport
func NewMemoryTransport(buffer int) *MemoryTransport {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryTransport{
		subs:     make(map[string]map[*memorySubscription]struct{}),
		presence: make(map[string]map[string]domain.PresenceMeta),
		buffer:   buffer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type memorySubscription struct {
	owner *MemoryTransport
	topic string
	out   chan domain.Envelope
	done  chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	once     sync.Once
}

// SetSubscribeError make every following Subscribe fail with err, nil restores it
func (t *MemoryTransport) SetSubscribeError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeErr = err
}

// Subscribers number of live subscriptions of topic
func (t *MemoryTransport) Subscribers(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[topic])
}

// Disconnect drop every subscription of topic as a network failure would: the
// event channels close without the subscriber asking for it.
func (t *MemoryTransport) Disconnect(topic string) {
	t.mu.Lock()
	subs := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()

	for s := range subs {
		s.shutdown()
	}
}

// Subscribe attach a subscription to topic
func (t *MemoryTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subscribeErr != nil {
		return nil, t.subscribeErr
	}

	s := &memorySubscription{
		owner: t,
		topic: topic,
		out:   make(chan domain.Envelope, t.buffer),
		done:  make(chan struct{}),
	}
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[*memorySubscription]struct{})
	}
	t.subs[topic][s] = struct{}{}
	return s, nil
}

// Publish fan out env to every subscription of topic
func (t *MemoryTransport) Publish(ctx context.Context, topic string, env domain.Envelope) error {
	env.Topic = topic
	if env.SentAt.IsZero() {
		env.SentAt = t.now()
	}

	t.mu.Lock()
	targets := make([]*memorySubscription, 0, len(t.subs[topic]))
	for s := range t.subs[topic] {
		targets = append(targets, s)
	}
	t.mu.Unlock()

	for _, s := range targets {
		s.deliver(ctx, env)
	}
	return ctx.Err()
}

// Track upsert session presence and broadcast the topic state
func (t *MemoryTransport) Track(ctx context.Context, topic string, meta domain.PresenceMeta) error {
	if meta.LastSeen == nil {
		now := t.now()
		meta.LastSeen = &now
	}
	t.mu.Lock()
	if t.presence[topic] == nil {
		t.presence[topic] = make(map[string]domain.PresenceMeta)
	}
	t.presence[topic][presenceField(meta.UserID, meta.SessionID)] = meta
	metas := t.presenceLocked(topic)
	t.mu.Unlock()

	return t.Publish(ctx, topic, domain.Envelope{Type: domain.EventPresenceSync, Presence: metas})
}

// Untrack remove session presence and broadcast the topic state
func (t *MemoryTransport) Untrack(ctx context.Context, topic, userID, sessionID string) error {
	t.mu.Lock()
	delete(t.presence[topic], presenceField(userID, sessionID))
	metas := t.presenceLocked(topic)
	t.mu.Unlock()

	return t.Publish(ctx, topic, domain.Envelope{Type: domain.EventPresenceSync, Presence: metas})
}

func (t *MemoryTransport) presenceLocked(topic string) []domain.PresenceMeta {
	metas := make([]domain.PresenceMeta, 0, len(t.presence[topic]))
	for _, m := range t.presence[topic] {
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool {
		return presenceField(metas[i].UserID, metas[i].SessionID) < presenceField(metas[j].UserID, metas[j].SessionID)
	})
	return metas
}

func (s *memorySubscription) deliver(ctx context.Context, env domain.Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	select {
	case s.out <- env:
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *memorySubscription) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.inflight.Wait()
		close(s.out)
	})
}

func (s *memorySubscription) Events() <-chan domain.Envelope {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.owner.mu.Lock()
	delete(s.owner.subs[s.topic], s)
	s.owner.mu.Unlock()
	s.shutdown()
	return nil
}
