package app

import (
	"sort"
	"sync"
	"time"

	"dm_service/internal/chat/domain"
)

// PresenceTracker resolved presence of one topic, rebuilt from every sync event
type PresenceTracker struct {
	mu     sync.RWMutex
	ttl    time.Duration
	states map[string]domain.PresenceState
}

// NewPresenceTracker create PresenceTracker, ttl <= 0 never expires entries
func NewPresenceTracker(ttl time.Duration) *PresenceTracker {
	return &PresenceTracker{ttl: ttl, states: make(map[string]domain.PresenceState)}
}

// Apply replace the map with the state carried by metas: one entry per user (the
// most recent session wins), status defaults to online, lastSeen to now, entries
// older than the ttl are dropped. Returns the new entries ordered by user id.
func (p *PresenceTracker) Apply(metas []domain.PresenceMeta, now time.Time) []domain.PresenceState {
	next := make(map[string]domain.PresenceState, len(metas))
	for _, m := range metas {
		if m.UserID == "" {
			continue
		}
		st := domain.PresenceState{UserID: m.UserID, Status: m.Status, LastSeen: now}
		if !st.Status.Valid() {
			st.Status = domain.PresenceOnline
		}
		if m.LastSeen != nil {
			st.LastSeen = *m.LastSeen
		}
		if p.ttl > 0 && now.Sub(st.LastSeen) > p.ttl {
			continue
		}
		if cur, ok := next[m.UserID]; ok && !st.LastSeen.After(cur.LastSeen) {
			continue
		}
		next[m.UserID] = st
	}

	p.mu.Lock()
	p.states = next
	p.mu.Unlock()

	out := make([]domain.PresenceState, 0, len(next))
	for _, st := range next {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Get presence of userID
func (p *PresenceTracker) Get(userID string) (domain.PresenceState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[userID]
	return st, ok
}

// GetAll copy of the whole map
func (p *PresenceTracker) GetAll() map[string]domain.PresenceState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]domain.PresenceState, len(p.states))
	for k, v := range p.states {
		out[k] = v
	}
	return out
}
