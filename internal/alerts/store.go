// Package alerts keeps a bounded in-memory history of recorded incidents.
package alerts

import (
	"sync"
	"time"

	"raidguard/internal/model"
)

type Store struct {
	mu    sync.RWMutex
	buf   []model.Incident
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(inc model.Incident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, inc)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = inc
}

// List returns up to limit of the most recent incidents, oldest first.
// guildID filters when non-empty.
func (s *Store) List(guildID string, limit int) []model.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]model.Incident, 0, len(s.buf))
	for _, inc := range s.buf {
		if guildID == "" || inc.GuildID == guildID {
			matched = append(matched, inc)
		}
	}
	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}
	return matched[len(matched)-limit:]
}

func (s *Store) Since(ts time.Time) []model.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Incident, 0)
	for _, inc := range s.buf {
		if !inc.CreatedAt.Before(ts) {
			out = append(out, inc)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
