// Package memory is the local-only stand-in used when PostgreSQL is not
// configured. Session ids carry a "local-" prefix to signal that nothing
// here survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/promptduel-backend/internal/domain"
	"github.com/promptduel-backend/internal/store"
)

// LocalIDPrefix marks identifiers that were never persisted durably.
const LocalIDPrefix = "local-"

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.SessionRecord
	order    []string // insertion order, oldest first
	now      func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*domain.SessionRecord),
		now:      time.Now,
	}
}

// NewStoreWithClock is test-only for deterministic timestamps.
func NewStoreWithClock(now func() time.Time) *Store {
	s := NewStore()
	s.now = now
	return s
}

// Close implements store.Store; nothing to release.
func (s *Store) Close() {}

func (s *Store) CreateSession(_ context.Context, playerName, avatarURL, apiKeyHash string) (*domain.SessionRecord, error) {
	if playerName == "" {
		return nil, domain.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := &domain.SessionRecord{
		ID:           LocalIDPrefix + uuid.New().String(),
		PlayerName:   playerName,
		AvatarURL:    avatarURL,
		APIKeyHash:   apiKeyHash,
		CurrentRound: 1,
		Status:       domain.StatusPlaying,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.sessions[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return cloneRecord(rec), nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return cloneRecord(rec), nil
}

func (s *Store) UpdateSession(_ context.Context, sessionID string, patch store.SessionPatch) (*domain.SessionRecord, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if patch.Status != nil {
		if err := store.CheckStatusAdvance(rec.Status, *patch.Status); err != nil {
			return nil, err
		}
		rec.Status = *patch.Status
	}
	if patch.AvatarURL != nil {
		rec.AvatarURL = *patch.AvatarURL
	}
	if patch.CurrentRound != nil {
		rec.CurrentRound = *patch.CurrentRound
	}
	rec.UpdatedAt = s.now()
	return cloneRecord(rec), nil
}

func (s *Store) SaveRound(_ context.Context, sessionID string, round int, payload domain.RoundPayload) (*domain.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if err := store.CheckRoundSave(rec, round); err != nil {
		return nil, err
	}
	store.ApplyRound(rec, round, payload)
	rec.UpdatedAt = s.now()
	return cloneRecord(rec), nil
}

func (s *Store) CompleteSession(_ context.Context, sessionID string, totals domain.CompletionTotals) (*domain.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	rec.Status = domain.StatusFinished
	rec.TotalScore = totals.TotalScore
	rec.TotalTime = totals.TotalTime
	rec.CurrentRound = domain.MaxRounds
	rec.UpdatedAt = s.now()
	return cloneRecord(rec), nil
}

func (s *Store) Leaderboard(_ context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	finished := make([]*domain.SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		if rec.Status == domain.StatusFinished {
			finished = append(finished, rec)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		if finished[i].TotalScore != finished[j].TotalScore {
			return finished[i].TotalScore > finished[j].TotalScore
		}
		return finished[i].TotalTime < finished[j].TotalTime
	})
	if limit > 0 && len(finished) > limit {
		finished = finished[:limit]
	}

	entries := make([]domain.LeaderboardEntry, len(finished))
	for i, rec := range finished {
		entries[i] = domain.LeaderboardEntry{
			Rank:       int64(i + 1),
			SessionID:  rec.ID,
			PlayerName: rec.PlayerName,
			AvatarURL:  rec.AvatarURL,
			TotalScore: rec.TotalScore,
			TotalTime:  rec.TotalTime,
		}
	}
	return entries, nil
}

func (s *Store) PlayerHistory(_ context.Context, playerName string) ([]domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []domain.SessionRecord
	// Walk insertion order backwards for newest-first.
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.sessions[s.order[i]]
		if rec.PlayerName == playerName {
			records = append(records, *cloneRecord(rec))
		}
	}
	return records, nil
}

func (s *Store) AllSessions(_ context.Context, limit int) ([]domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []domain.SessionRecord
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(records) < limit); i-- {
		records = append(records, *cloneRecord(s.sessions[s.order[i]]))
	}
	return records, nil
}

func (s *Store) Stats(_ context.Context) (*domain.SessionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.SessionStats{TotalSessions: int64(len(s.sessions))}
	var scoreSum int64
	for _, rec := range s.sessions {
		if rec.Status == domain.StatusFinished {
			stats.FinishedSessions++
			scoreSum += rec.TotalScore
		}
	}
	if stats.FinishedSessions > 0 {
		stats.AverageScore = float64(scoreSum) / float64(stats.FinishedSessions)
	}
	return stats, nil
}

// cloneRecord copies a record so callers never alias internal state.
func cloneRecord(rec *domain.SessionRecord) *domain.SessionRecord {
	out := *rec
	for i, r := range rec.Rounds {
		if r == nil {
			continue
		}
		rc := *r
		rc.Items = append([]domain.RoundItem(nil), r.Items...)
		out.Rounds[i] = &rc
	}
	return &out
}
