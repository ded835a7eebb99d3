package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"dm_service/internal/chat/domain"
	"dm_service/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisTransport definition redis pub/sub transport. Each topic is a redis channel,
// presence of a topic lives in the hash <prefix>presence:<topic>.
type RedisTransport struct {
	client      *redis.Client
	prefix      string
	presenceTTL time.Duration
	buffer      int
	now         func() time.Time
}

// NewRedisTransport create RedisTransport. presenceTTL prunes hash entries of
// sessions that stopped heartbeating.
func NewRedisTransport(client *redis.Client, prefix string, presenceTTL time.Duration, buffer int) *RedisTransport {
	if buffer <= 0 {
		buffer = 64
	}
	return &RedisTransport{
		client:      client,
		prefix:      prefix,
		presenceTTL: presenceTTL,
		buffer:      buffer,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (r *RedisTransport) channel(topic string) string {
	return r.prefix + topic
}

func (r *RedisTransport) presenceKey(topic string) string {
	return r.prefix + "presence:" + topic
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan domain.Envelope
	done chan struct{}
	once sync.Once
}

// Subscribe 訂閱 topic，收到訊息後解碼成 Envelope
func (r *RedisTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, r.channel(topic))
	// 等待訂閱確認
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	s := &redisSubscription{
		ps:   ps,
		out:  make(chan domain.Envelope, r.buffer),
		done: make(chan struct{}),
	}
	go s.run(topic)
	return s, nil
}

func (s *redisSubscription) run(topic string) {
	defer close(s.out)

	ch := s.ps.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			var env domain.Envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				logger.Log.Error("redis envelope decode", zap.String("topic", topic), zap.Error(err))
				continue
			}
			select {
			case s.out <- env:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Events() <-chan domain.Envelope {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

// Publish 將 envelope 序列化後，發布到 topic
func (r *RedisTransport) Publish(ctx context.Context, topic string, env domain.Envelope) error {
	env.Topic = topic
	if env.SentAt.IsZero() {
		env.SentAt = r.now()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel(topic), data).Err()
}

// Track upsert session presence and broadcast the topic state
func (r *RedisTransport) Track(ctx context.Context, topic string, meta domain.PresenceMeta) error {
	if meta.LastSeen == nil {
		now := r.now()
		meta.LastSeen = &now
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	key := r.presenceKey(topic)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, presenceField(meta.UserID, meta.SessionID), data)
	if r.presenceTTL > 0 {
		pipe.Expire(ctx, key, 2*r.presenceTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis track %s: %w", topic, err)
	}
	return r.sync(ctx, topic)
}

// Untrack remove session presence and broadcast the topic state
func (r *RedisTransport) Untrack(ctx context.Context, topic, userID, sessionID string) error {
	if err := r.client.HDel(ctx, r.presenceKey(topic), presenceField(userID, sessionID)).Err(); err != nil {
		return fmt.Errorf("redis untrack %s: %w", topic, err)
	}
	return r.sync(ctx, topic)
}

// sync publish HGETALL of the presence hash, pruning expired sessions
func (r *RedisTransport) sync(ctx context.Context, topic string) error {
	key := r.presenceKey(topic)
	raw, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis presence %s: %w", topic, err)
	}

	now := r.now()
	metas := make([]domain.PresenceMeta, 0, len(raw))
	var stale []string
	for field, v := range raw {
		var meta domain.PresenceMeta
		if err := json.Unmarshal([]byte(v), &meta); err != nil {
			stale = append(stale, field)
			continue
		}
		if r.presenceTTL > 0 && meta.LastSeen != nil && now.Sub(*meta.LastSeen) > r.presenceTTL {
			stale = append(stale, field)
			continue
		}
		metas = append(metas, meta)
	}
	if len(stale) > 0 {
		if err := r.client.HDel(ctx, key, stale...).Err(); err != nil {
			logger.Log.Warn("redis presence prune", zap.String("topic", topic), zap.Error(err))
		}
	}

	return r.Publish(ctx, topic, domain.Envelope{Type: domain.EventPresenceSync, Presence: metas})
}
