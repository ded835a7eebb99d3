package app

import (
	"sort"
	"time"

	"dm_service/internal/chat/domain"
)

// Merge join existing and incoming into one list with one entry per id, ordered by
// (CreatedAt, ID). Two versions of the same message combine field-wise: the
// server-confirmed version wins over an optimistic one (incoming wins at equal
// rank), IsRead is OR-ed and the earliest DeletedAt is kept. Inputs are not modified.
func Merge(existing, incoming []domain.Message) []domain.Message {
	byID := make(map[string]domain.Message, len(existing)+len(incoming))
	for _, list := range [][]domain.Message{existing, incoming} {
		for _, m := range list {
			if cur, ok := byID[m.ID]; ok {
				byID[m.ID] = joinMessage(cur, m)
				continue
			}
			byID[m.ID] = m
		}
	}

	out := make([]domain.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func joinMessage(a, b domain.Message) domain.Message {
	base := b
	if a.Status.Outranks(b.Status) {
		base = a
	}
	base.IsRead = a.IsRead || b.IsRead
	base.DeletedAt = earliest(a.DeletedAt, b.DeletedAt)
	return base
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	}
	return a
}

// visible drop tombstones
func visible(list []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(list))
	for _, m := range list {
		if !m.Deleted() {
			out = append(out, m)
		}
	}
	return out
}
