package app

import (
	"context"
	"testing"
	"time"

	"dm_service/internal/chat/domain"
	"dm_service/internal/chat/repository"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// at base time plus sec seconds
func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func msg(id string, sec int, sender string) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Content:        "content " + id,
		ContentType:    domain.ContentText,
		CreatedAt:      at(sec),
	}
}

func ids(list []domain.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

// seedDirect direct conversation of a and b in store
func seedDirect(t *testing.T, store *repository.MemoryStore, a, b string) string {
	t.Helper()
	id, err := store.FindOrCreateDirectConversation(context.Background(), a, b)
	require.NoError(t, err)
	return id
}

// put store message with an explicit timestamp
func put(store *repository.MemoryStore, convID, id string, sec int, sender string) domain.Message {
	m := msg(id, sec, sender)
	m.ConversationID = convID
	store.PutMessage(m)
	return m
}

// eventRecorder collects conversation events
type eventRecorder struct {
	ch chan domain.ConversationEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan domain.ConversationEvent, 256)}
}

func (r *eventRecorder) emit(ev domain.ConversationEvent) {
	r.ch <- ev
}

// next event of type typ, skipping others
func (r *eventRecorder) next(t *testing.T, typ domain.ConversationEventType) domain.ConversationEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
			return domain.ConversationEvent{}
		}
	}
}
