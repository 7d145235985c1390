package metrics

import (
	"sort"
	"sync"
	"time"

	"raidguard/internal/raid"
)

// Store keeps the latest raid assessment per guild for the API. When more
// than limit guilds are tracked the least recently updated one is evicted.
type Store struct {
	mu        sync.RWMutex
	byGuild   map[string]raid.Assessment
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byGuild:   make(map[string]raid.Assessment),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(a raid.Assessment) {
	if a.GuildID == "" {
		return
	}
	RiskScore.Observe(a.RiskScore)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byGuild[a.GuildID] = a
	s.updatedAt[a.GuildID] = time.Now().UTC()
	if len(s.byGuild) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(guildID string) (raid.Assessment, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byGuild[guildID]
	if !ok {
		return raid.Assessment{}, time.Time{}, false
	}
	return a, s.updatedAt[guildID], true
}

// GetAll returns the latest assessments ordered by guild id.
func (s *Store) GetAll() []raid.Assessment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]raid.Assessment, 0, len(s.byGuild))
	for _, a := range s.byGuild {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byGuild)
}

func (s *Store) evictOldest() {
	var oldestGuild string
	var oldest time.Time
	for guild, ts := range s.updatedAt {
		if oldestGuild == "" || ts.Before(oldest) {
			oldestGuild = guild
			oldest = ts
		}
	}
	if oldestGuild != "" {
		delete(s.byGuild, oldestGuild)
		delete(s.updatedAt, oldestGuild)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byGuild = make(map[string]raid.Assessment)
	s.updatedAt = make(map[string]time.Time)
}
