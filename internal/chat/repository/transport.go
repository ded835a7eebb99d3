package repository

import (
	"context"

	"dm_service/internal/chat/domain"
)

// Subscription one live subscription to a topic. Events is closed when the
// subscription ends, either by Close or because the transport dropped it.
type Subscription interface {
	Events() <-chan domain.Envelope
	Close() error
}

// Transport realtime pub/sub with per-topic presence tracking
type Transport interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, env domain.Envelope) error
	// Track upserts the session's presence entry and broadcasts the topic's full
	// presence state as an EventPresenceSync envelope.
	Track(ctx context.Context, topic string, meta domain.PresenceMeta) error
	Untrack(ctx context.Context, topic, userID, sessionID string) error
}

func presenceField(userID, sessionID string) string {
	return userID + ":" + sessionID
}
