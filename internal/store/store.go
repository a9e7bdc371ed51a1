// Package store defines the persistence gateway for game sessions. The live
// game never depends on which implementation is wired in: PostgreSQL when
// configured, an in-memory stand-in otherwise.
package store

import (
	"context"

	"github.com/promptduel-backend/internal/domain"
)

// Store persists session records. All implementations must be safe for
// concurrent use; writes for a single session are serialized by the backend.
type Store interface {
	CreateSession(ctx context.Context, playerName, avatarURL, apiKeyHash string) (*domain.SessionRecord, error)
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)
	UpdateSession(ctx context.Context, sessionID string, patch SessionPatch) (*domain.SessionRecord, error)
	SaveRound(ctx context.Context, sessionID string, round int, payload domain.RoundPayload) (*domain.SessionRecord, error)
	CompleteSession(ctx context.Context, sessionID string, totals domain.CompletionTotals) (*domain.SessionRecord, error)
	Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
	PlayerHistory(ctx context.Context, playerName string) ([]domain.SessionRecord, error)
	AllSessions(ctx context.Context, limit int) ([]domain.SessionRecord, error)
	Stats(ctx context.Context) (*domain.SessionStats, error)
	Close()
}

// SessionPatch is the allowed-field patch for UpdateSession. Nil fields are
// left unchanged; anything outside this set is rejected at the API boundary.
type SessionPatch struct {
	AvatarURL    *string               `json:"avatar_url,omitempty"`
	Status       *domain.SessionStatus `json:"status,omitempty"`
	CurrentRound *int                  `json:"current_round,omitempty"`
}

// Validate rejects patches that name an unknown status or an out-of-range
// round before any mutation happens.
func (p SessionPatch) Validate() error {
	if p.Status != nil {
		switch *p.Status {
		case domain.StatusPlaying, domain.StatusRound2, domain.StatusRound3, domain.StatusFinished:
		default:
			return domain.ErrInvalidRequest
		}
	}
	if p.CurrentRound != nil && (*p.CurrentRound < 1 || *p.CurrentRound > domain.MaxRounds) {
		return domain.ErrInvalidRequest
	}
	return nil
}

// statusRank orders the lifecycle so status transitions can be checked for
// forward-only progression.
func statusRank(s domain.SessionStatus) int {
	switch s {
	case domain.StatusPlaying:
		return 0
	case domain.StatusRound2:
		return 1
	case domain.StatusRound3:
		return 2
	case domain.StatusFinished:
		return 3
	}
	return -1
}

// CheckStatusAdvance rejects patches that would move a session's status
// backwards.
func CheckStatusAdvance(current, next domain.SessionStatus) error {
	if statusRank(next) < statusRank(current) {
		return domain.ErrInvalidRequest
	}
	return nil
}

// CheckRoundSave enforces the strict round ordering policy: round N may be
// saved only once rounds 1..N-1 are complete. Re-saving an already completed
// round overwrites it; saving anything on a Finished session is rejected.
func CheckRoundSave(rec *domain.SessionRecord, round int) error {
	if round < 1 || round > domain.MaxRounds {
		return domain.ErrInvalidRound
	}
	if rec.Status == domain.StatusFinished {
		return domain.ErrSessionFinished
	}
	if rec.RoundsCompleted < round-1 {
		return domain.ErrRoundOrder
	}
	return nil
}

// ApplyRound writes the payload into the record and refreshes the derived
// fields: totals are recomputed from the stored rounds, never carried over
// from a stale read.
func ApplyRound(rec *domain.SessionRecord, round int, payload domain.RoundPayload) {
	p := payload
	rec.Rounds[round-1] = &p
	rec.RecomputeTotals()
	rec.Status = domain.StatusAfterRound(rec.RoundsCompleted)
	rec.CurrentRound = rec.RoundsCompleted + 1
	if rec.CurrentRound > domain.MaxRounds {
		rec.CurrentRound = domain.MaxRounds
	}
}
