package app

import (
	"context"
	"sync"
	"time"

	"dm_service/internal/chat/domain"
	"dm_service/internal/chat/repository"
)

type readKey struct {
	conversationID string
	userID         string
}

// ReadStateTracker read marks and unread counts. The count is always derived from
// lastReadAt, so a failed or stale mark heals on the next query. A local mark only
// lives until the store holds a lastReadAt at or after it.
type ReadStateTracker struct {
	store repository.MessageStore
	now   func() time.Time

	mu    sync.Mutex
	local map[readKey]time.Time
}

// NewReadStateTracker create ReadStateTracker
func NewReadStateTracker(store repository.MessageStore) *ReadStateTracker {
	return &ReadStateTracker{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		local: make(map[readKey]time.Time),
	}
}

// SetClock replace the clock of local read marks
func (r *ReadStateTracker) SetClock(now func() time.Time) {
	r.now = now
}

func (r *ReadStateTracker) localMark(conversationID, userID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.local[readKey{conversationID, userID}]
	return t, ok
}

// settle drop the local mark once stored covers it
func (r *ReadStateTracker) settle(k readKey, stored time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mark, ok := r.local[k]; ok && !mark.After(stored) {
		delete(r.local, k)
	}
}

// pendingMarks local marks the store has not confirmed yet
func (r *ReadStateTracker) pendingMarks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.local)
}

// MarkRead set the local mark, then flag unread messages of others read in the
// store. Returns the number of messages flagged.
func (r *ReadStateTracker) MarkRead(ctx context.Context, conversationID, userID string) (int64, error) {
	at := r.now()
	k := readKey{conversationID, userID}

	r.mu.Lock()
	if at.After(r.local[k]) {
		r.local[k] = at
	}
	r.mu.Unlock()

	n, err := r.store.MarkMessagesRead(ctx, conversationID, userID, at)
	if err != nil {
		return n, err
	}
	// the store's lastReadAt only moves forward
	r.settle(k, at)
	return n, nil
}

// UnreadCount messages of others created after the later of the stored lastReadAt
// and the local mark
func (r *ReadStateTracker) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	p, err := r.store.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	since := p.LastReadAt
	if mark, ok := r.localMark(conversationID, userID); ok {
		if mark.After(since) {
			since = mark
		} else {
			r.settle(readKey{conversationID, userID}, p.LastReadAt)
		}
	}
	return r.store.CountUnread(ctx, conversationID, userID, since)
}

// ListConversations conversation summaries of userID, counts corrected by local marks
// the store has not seen yet
func (r *ReadStateTracker) ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	list, err := r.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		conv := &list[i].Conversation
		mark, ok := r.localMark(conv.ID, userID)
		if !ok {
			continue
		}
		var stored time.Time
		for _, p := range conv.Participants {
			if p.UserID == userID {
				stored = p.LastReadAt
			}
		}
		if !mark.After(stored) {
			r.settle(readKey{conv.ID, userID}, stored)
			continue
		}
		n, err := r.store.CountUnread(ctx, conv.ID, userID, mark)
		if err != nil {
			return nil, err
		}
		list[i].UnreadCount = n
	}
	return list, nil
}
