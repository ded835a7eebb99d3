package app

import (
	"context"

	"dm_service/internal/chat/domain"
	"dm_service/internal/chat/repository"
	"dm_service/pkg"
)

// Paginator cursor pagination over the message store. Stateless, safe for
// concurrent callers.
type Paginator struct {
	store repository.MessageStore
}

// NewPaginator create Paginator
func NewPaginator(store repository.MessageStore) *Paginator {
	return &Paginator{store: store}
}

// FetchPage return up to limit messages strictly older than before (newest page when
// before is nil), ascending by (CreatedAt, ID).
func (p *Paginator) FetchPage(ctx context.Context, conversationID string, limit int, before *domain.Cursor) (domain.Page, error) {
	return p.fetch(ctx, p.store.QueryMessages, conversationID, limit, before)
}

// FetchPageWithTombstones same as FetchPage but soft-deleted messages stay in the
// page, so a poll can hide deletions it never got pushed.
func (p *Paginator) FetchPageWithTombstones(ctx context.Context, conversationID string, limit int, before *domain.Cursor) (domain.Page, error) {
	return p.fetch(ctx, p.store.QueryMessagesWithTombstones, conversationID, limit, before)
}

type queryFunc func(ctx context.Context, conversationID string, limit int, before *domain.Cursor) ([]domain.Message, error)

func (p *Paginator) fetch(ctx context.Context, query queryFunc, conversationID string, limit int, before *domain.Cursor) (domain.Page, error) {
	limit = repository.ClampLimit(limit)

	// 多拿一筆判斷 hasMore
	rows, err := query(ctx, conversationID, limit+1, before)
	if err != nil {
		return domain.Page{}, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	msgs := make([]domain.Message, len(rows))
	copy(msgs, rows)
	pkg.Reverse(msgs)

	page := domain.Page{Messages: msgs, HasMore: hasMore}
	if len(msgs) > 0 {
		page.NextCursor = msgs[0].Cursor().Encode()
	}
	return page, nil
}
