package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"dm_service/internal/chat/domain"
	"dm_service/internal/chat/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// 測試 C1: m1@10, m2@20，每頁一筆
func TestPaginator_TwoMessages(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	conv := seedDirect(t, store, "u1", "u2")
	put(store, conv, "m1", 10, "u1")
	put(store, conv, "m2", 20, "u2")

	p := NewPaginator(store)
	page, err := p.FetchPage(ctx, conv, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, ids(page.Messages))
	assert.True(t, page.HasMore)

	c, err := domain.ParseCursor(page.NextCursor)
	require.NoError(t, err)
	page, err = p.FetchPage(ctx, conv, 1, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(page.Messages))
	assert.False(t, page.HasMore)

	c, err = domain.ParseCursor(page.NextCursor)
	require.NoError(t, err)
	page, err = p.FetchPage(ctx, conv, 1, c)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
}

// 測試逐頁往前翻可以拿到全部訊息且不重複，含同 timestamp
func TestPaginator_Totality(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	conv := seedDirect(t, store, "u1", "u2")

	var want []string
	for i := 0; i < 23; i++ {
		id := fmt.Sprintf("m%02d", i)
		put(store, conv, id, i/3, "u1") // 每 3 筆同一秒
		want = append(want, id)
	}

	p := NewPaginator(store)
	var (
		got    []domain.Message
		before *domain.Cursor
	)
	for pages := 0; pages < 20; pages++ {
		page, err := p.FetchPage(ctx, conv, 5, before)
		require.NoError(t, err)
		got = Merge(got, page.Messages)
		if !page.HasMore {
			break
		}
		c := page.Messages[0].Cursor()
		before = &c
	}
	assert.Equal(t, want, ids(got))
}

func TestPaginator_Empty(t *testing.T) {
	store := repository.NewMemoryStore()
	conv := seedDirect(t, store, "u1", "u2")

	page, err := NewPaginator(store).FetchPage(context.Background(), conv, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
}

func TestPaginator_ClampsLimit(t *testing.T) {
	ctx := context.Background()
	store := new(MockMessageStore)
	store.On("QueryMessages", ctx, "c1", repository.MaxPageSize+1, (*domain.Cursor)(nil)).Return([]domain.Message{}, nil)
	store.On("QueryMessages", ctx, "c1", repository.DefaultPageSize+1, (*domain.Cursor)(nil)).Return([]domain.Message{}, nil)

	p := NewPaginator(store)
	_, err := p.FetchPage(ctx, "c1", 10000, nil)
	require.NoError(t, err)
	_, err = p.FetchPage(ctx, "c1", -1, nil)
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestPaginator_StoreError(t *testing.T) {
	ctx := context.Background()
	store := new(MockMessageStore)
	store.On("QueryMessages", ctx, "c1", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	_, err := NewPaginator(store).FetchPage(ctx, "c1", 10, nil)
	assert.Error(t, err)
}

func TestPaginator_FetchPageWithTombstones(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	conv := seedDirect(t, store, "alice", "bob")
	put(store, conv, "m1", 1, "alice")
	put(store, conv, "m2", 2, "bob")
	put(store, conv, "m3", 3, "alice")
	_, err := store.SoftDeleteMessage(ctx, "m3", at(4))
	require.NoError(t, err)

	p := NewPaginator(store)
	page, err := p.FetchPage(ctx, conv, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(page.Messages))
	assert.False(t, page.HasMore)

	page, err = p.FetchPageWithTombstones(ctx, conv, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3"}, ids(page.Messages))
	assert.True(t, page.HasMore)
	assert.True(t, page.Messages[1].Deleted())
}
