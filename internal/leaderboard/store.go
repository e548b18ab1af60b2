// Package leaderboard holds the in-memory player scores behind the relay.
package leaderboard

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/leaderboard-relay/internal/domain"
)

// Store maps normalized player names to their latest score.
//
// Records are kept in a slice that is re-sorted (stably, highest score first)
// after every upsert, so ties keep the order the store already had them in.
type Store struct {
	mu      sync.RWMutex
	records []*domain.PlayerRecord
	byKey   map[string]*domain.PlayerRecord
	now     func() time.Time
}

// NewStore creates an empty store. A nil clock means time.Now.
func NewStore(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		byKey: make(map[string]*domain.PlayerRecord),
		now:   clock,
	}
}

// Upsert sets the score for a player. The first name seen for a key is kept
// as the display name. It returns a copy of the stored record and whether it
// was newly created.
func (s *Store) Upsert(name string, score float64, connectionID string) (domain.PlayerRecord, bool, error) {
	trimmed, err := domain.ValidateName(name)
	if err != nil {
		return domain.PlayerRecord{}, false, err
	}
	key := domain.NameKey(trimmed)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, exists := s.byKey[key]
	if exists {
		rec.Score = score
		rec.ConnectionID = connectionID
		rec.LastUpdate = now
	} else {
		rec = &domain.PlayerRecord{
			Name:         trimmed,
			Score:        score,
			ConnectionID: connectionID,
			JoinedAt:     now,
			LastUpdate:   now,
		}
		s.byKey[key] = rec
		s.records = append(s.records, rec)
	}

	slices.SortStableFunc(s.records, func(a, b *domain.PlayerRecord) int {
		return cmp.Compare(b.Score, a.Score)
	})

	return *rec, !exists, nil
}

// Rebind points an existing player at a new connection. It reports false when
// no record matches the name.
func (s *Store) Rebind(name, connectionID string) bool {
	key := domain.NameKey(name)
	if key == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byKey[key]
	if !ok {
		return false
	}
	rec.ConnectionID = connectionID
	return true
}

// Get returns a copy of the record stored under name
func (s *Store) Get(name string) (domain.PlayerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byKey[domain.NameKey(name)]
	if !ok {
		return domain.PlayerRecord{}, domain.ErrPlayerNotFound
	}
	return *rec, nil
}

// Snapshot returns every record, highest score first. The result is a copy and
// is never nil.
func (s *Store) Snapshot() []domain.PlayerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PlayerRecord, len(s.records))
	for i, rec := range s.records {
		out[i] = *rec
	}
	return out
}

// Sweep removes every record whose last update is at or before now-staleWindow
// and returns how many were removed.
func (s *Store) Sweep(now time.Time, staleWindow time.Duration) int {
	cutoff := now.Add(-staleWindow)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	removed := 0
	for _, rec := range s.records {
		if rec.LastUpdate.After(cutoff) {
			kept = append(kept, rec)
			continue
		}
		delete(s.byKey, domain.NameKey(rec.Name))
		removed++
	}
	clear(s.records[len(kept):])
	s.records = kept
	return removed
}

// Len returns the number of stored players
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Now returns the store's current time
func (s *Store) Now() time.Time {
	return s.now()
}
