package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dm_service/internal/chat/domain"
	"dm_service/pkg/logger"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// rowChange NOTIFY payload written by notify_message_change()
type rowChange struct {
	Op     string          `json:"op"`
	ID     string          `json:"id"`
	Record *domain.Message `json:"record"`
	Old    *domain.Message `json:"old"`
}

func decodeRowChange(payload string) (rowChange, error) {
	var c rowChange
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return c, fmt.Errorf("decode row change: %w", err)
	}
	if c.ID == "" {
		return c, fmt.Errorf("decode row change: missing id")
	}
	return c, nil
}

func (c rowChange) eventType() (domain.EventType, bool) {
	switch c.Op {
	case "INSERT":
		return domain.EventMessageInsert, true
	case "UPDATE":
		return domain.EventMessageUpdate, true
	}
	return "", false
}

// PgChangeFeed LISTEN on the messages trigger channel and republish each row change
// to the conversation topic of the row.
type PgChangeFeed struct {
	dsn       string
	store     MessageStore
	transport Transport
}

// NewPgChangeFeed create PgChangeFeed. store loads rows whose payload was too large
// to travel in the notification.
func NewPgChangeFeed(dsn string, store MessageStore, transport Transport) *PgChangeFeed {
	return &PgChangeFeed{dsn: dsn, store: store, transport: transport}
}

// Run block until ctx is done
func (f *PgChangeFeed) Run(ctx context.Context) error {
	listener := pq.NewListener(f.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Log.Warn("pg change feed listener", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	defer listener.Close()

	if err := listener.Listen(MessageChangesChannel); err != nil {
		return fmt.Errorf("listen %s: %w", MessageChangesChannel, err)
	}
	logger.Log.Info("pg change feed listening", zap.String("channel", MessageChangesChannel))

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// 重連後可能漏掉通知，由 view 的 poll 補齊
				logger.Log.Warn("pg change feed reconnected")
				continue
			}
			f.handle(ctx, n.Extra)
		case <-time.After(90 * time.Second):
			go func() {
				if err := listener.Ping(); err != nil {
					logger.Log.Warn("pg change feed ping", zap.Error(err))
				}
			}()
		}
	}
}

func (f *PgChangeFeed) handle(ctx context.Context, payload string) {
	c, err := decodeRowChange(payload)
	if err != nil {
		logger.Log.Error("pg change feed", zap.Error(err))
		return
	}
	typ, ok := c.eventType()
	if !ok {
		return
	}
	if c.Record == nil {
		if c.Record, err = f.store.GetMessage(ctx, c.ID); err != nil {
			logger.Log.Error("pg change feed load row", zap.String("id", c.ID), zap.Error(err))
			return
		}
	}

	env := domain.Envelope{Type: typ, Record: c.Record, Old: c.Old}
	if err := f.transport.Publish(ctx, domain.ConversationTopic(c.Record.ConversationID), env); err != nil {
		logger.Log.Error("pg change feed publish", zap.String("id", c.ID), zap.Error(err))
	}
}
